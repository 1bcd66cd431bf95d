package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Mode is the transport used to reach the counterparty.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeZeroTier
	ModeS3
)

func (m Mode) String() string {
	switch m {
	case ModeHTTP:
		return "http"
	case ModeZeroTier:
		return "zerotier"
	case ModeS3:
		return "s3"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode resolves a configured mode name.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "http":
		return ModeHTTP, nil
	case "zerotier":
		return ModeZeroTier, nil
	case "s3":
		return ModeS3, nil
	default:
		return 0, fmt.Errorf("%w: unknown transfer mode %q", ErrInvalidInput, name)
	}
}

// Offer is a prepared file ready to be sent.
type Offer struct {
	TransferID string
	FileName   string
	// Path is the payload to put on the wire: the ciphertext for an
	// encrypted stream, otherwise the prepared plaintext.
	Path string
	// TotalBytes and Checksum describe the bytes the receiver persists.
	TotalBytes int64
	Checksum   string
	Encrypted  bool
	// Chunked selects chunk mode; each chunk is encrypted on its own
	// with Password when Encrypted is set.
	Chunked   bool
	ChunkSize int
	Password  string
	Workers   int
	UserName  string
}

// Received describes a file fetched from the counterparty.
type Received struct {
	Path     string
	Bytes    int64
	Checksum string
	Resumed  bool
}

// Method moves files to and from one kind of counterparty.
type Method interface {
	Mode() Mode
	// Handshake announces the offer and returns the wire offset to resume from.
	Handshake(ctx context.Context, offer Offer) (int64, error)
	// ResumeOffset asks how much of the offer is already durable remotely.
	ResumeOffset(ctx context.Context, offer Offer) (int64, error)
	// Send delivers the offer, continuing from the remote resume point.
	Send(ctx context.Context, offer Offer) error
	// Receive fetches name into destPath, appending to a partial file.
	Receive(ctx context.Context, name, destPath string) (Received, error)
	// Checksum returns the remote SHA-256 of name, or "" when unknown.
	Checksum(ctx context.Context, name string) (string, error)
}

var lastIDMillis atomic.Int64

// NewTransferID builds an id from the file name, the first 8 hex
// characters of the checksum and a millisecond timestamp that never
// repeats within the process.
func NewTransferID(fileName, sum string) string {
	prefix := "00000000"
	if len(sum) >= 8 {
		prefix = strings.ToLower(sum[:8])
	}
	now := time.Now().UnixMilli()
	for {
		last := lastIDMillis.Load()
		if now <= last {
			now = last + 1
		}
		if lastIDMillis.CompareAndSwap(last, now) {
			break
		}
	}
	return fmt.Sprintf("%s-%s-%d", fileName, prefix, now)
}
