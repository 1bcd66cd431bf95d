package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/jaywantadh/DisktroSync/internal/chunker"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var zeroTierNetworkPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// HTTPMethod talks to a DisktroSync server over plain HTTP.
type HTTPMethod struct {
	client *Client
	mode   Mode
	cipher encryptor.Encryptor
}

// NewHTTPMethod wraps client. cipher encrypts chunks when an offer asks
// for it; nil uses the cyclic key derivation.
func NewHTTPMethod(client *Client, cipher encryptor.Encryptor) *HTTPMethod {
	if cipher == nil {
		cipher = encryptor.NewEncryptor(nil)
	}
	return &HTTPMethod{client: client, mode: ModeHTTP, cipher: cipher}
}

// NewZeroTierMethod is the HTTP method addressed at a peer on a ZeroTier
// network. The client must already point at the peer's managed address.
func NewZeroTierMethod(networkID string, client *Client, cipher encryptor.Encryptor) (*HTTPMethod, error) {
	if !zeroTierNetworkPattern.MatchString(networkID) {
		return nil, fmt.Errorf("%w: zerotier network id must be 16 hex characters", ErrInvalidInput)
	}
	m := NewHTTPMethod(client, cipher)
	m.mode = ModeZeroTier
	return m, nil
}

func (m *HTTPMethod) Mode() Mode { return m.mode }

// Client exposes the underlying HTTP client.
func (m *HTTPMethod) Client() *Client { return m.client }

func (m *HTTPMethod) Handshake(ctx context.Context, offer Offer) (int64, error) {
	resp, err := m.client.Handshake(ctx, HandshakeRequest{
		TransferID: offer.TransferID,
		FileName:   offer.FileName,
		TotalBytes: offer.TotalBytes,
		Checksum:   offer.Checksum,
		Encrypted:  offer.Encrypted,
		Protocol:   m.mode.String(),
		UserName:   offer.UserName,
	})
	if err != nil {
		return 0, err
	}
	if offer.Chunked {
		return 0, nil
	}
	return resp.ResumeFrom, nil
}

func (m *HTTPMethod) ResumeOffset(ctx context.Context, offer Offer) (int64, error) {
	if offer.Chunked {
		return 0, nil
	}
	resp, err := m.client.ResumeOffset(ctx, offer.FileName, offer.TotalBytes, offer.Encrypted)
	if err != nil {
		return 0, err
	}
	return resp.ResumeFrom, nil
}

// Send makes one delivery attempt. Streams continue from the server's
// resume offset; chunk uploads resend only the missing indices.
func (m *HTTPMethod) Send(ctx context.Context, offer Offer) error {
	if offer.Chunked {
		return m.sendChunks(ctx, offer)
	}
	offset, err := m.ResumeOffset(ctx, offer)
	if err != nil {
		return err
	}
	logging.ForTransfer("http-method", offer.TransferID).WithField("offset", offset).Debug("sending stream")
	_, err = m.client.UploadStream(ctx, offer, offset)
	return err
}

func (m *HTTPMethod) sendChunks(ctx context.Context, offer Offer) error {
	info, err := os.Stat(offer.Path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", offer.Path, err)
	}
	chunkSize := offer.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	totalChunks := chunker.ChunkCount(info.Size(), chunkSize)
	if totalChunks == 0 {
		return fmt.Errorf("%w: empty files are sent as a stream", ErrInvalidInput)
	}
	log := logging.ForTransfer("http-method", offer.TransferID).WithFields(logrus.Fields{
		"file":         offer.FileName,
		"total_chunks": totalChunks,
	})

	opts := chunker.Options{ChunkSize: chunkSize, Workers: offer.Workers}
	if offer.Encrypted {
		opts.Encryptor = m.cipher
		opts.Password = offer.Password
	}

	var merged atomic.Bool
	upload := func(ctx context.Context, c chunker.Chunk) error {
		resp, err := m.client.UploadChunk(ctx, offer, c.Index, totalChunks, c.Data)
		if err != nil {
			return err
		}
		if resp.Result == ResultMerged {
			merged.Store(true)
		}
		return nil
	}
	process := func(indices []int) error {
		o := opts
		o.Indices = indices
		return chunker.Process(ctx, offer.Path, o, upload)
	}

	snap, err := m.client.Status(ctx, offer.TransferID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && snap.TotalChunks == totalChunks {
		switch snap.State {
		case status.StateCompleted:
			log.Info("transfer already completed on the server")
			return nil
		case status.StateFailed:
			// A failed id stays failed until it is discarded.
			log.WithField("error", snap.Error).Info("discarding failed transfer before resending")
			if _, err := m.client.Cancel(ctx, offer.TransferID, true); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}
	live := err == nil && !snap.Done() && snap.TotalChunks == totalChunks

	var pending []int
	switch {
	case live && len(snap.MissingChunks) > 0:
		pending = snap.MissingChunks
		log.WithField("missing", len(pending)).Info("resending missing chunks")
	case live:
		// Everything arrived but the merge did not finish; one resend triggers it again.
		pending = []int{totalChunks - 1}
	default:
		// Index 0 opens the transfer on the server, so it goes first.
		if err := process([]int{0}); err != nil {
			return err
		}
		pending = lo.Range(totalChunks)[1:]
	}

	if len(pending) > 0 {
		if err := process(pending); err != nil {
			return err
		}
	}
	if merged.Load() {
		return nil
	}

	snap, err = m.client.Status(ctx, offer.TransferID)
	if err != nil {
		return err
	}
	switch snap.State {
	case status.StateCompleted:
		return nil
	case status.StateFailed:
		return fmt.Errorf("server failed transfer %s: %s", offer.TransferID, snap.Error)
	default:
		return fmt.Errorf("transfer %s not merged yet: %d of %d chunks", offer.TransferID, snap.CompletedChunks, totalChunks)
	}
}

func (m *HTTPMethod) Receive(ctx context.Context, name, destPath string) (Received, error) {
	return m.client.Download(ctx, name, destPath)
}

func (m *HTTPMethod) Checksum(ctx context.Context, name string) (string, error) {
	return m.client.RemoteChecksum(ctx, name)
}
