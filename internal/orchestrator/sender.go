package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/chunker"
	"github.com/jaywantadh/DisktroSync/internal/compressor"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/retry"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/transfer"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	UserName string
	// Receiver names the counterparty in duplicate keys, usually host:port or the bucket.
	Receiver string
	Password string
	KDF      encryptor.KeyDeriver
	Compress bool
	Chunked  bool
	// ChunkSize of 0 picks a size from the file size.
	ChunkSize   int
	Workers     int
	MaxFileSize int64
	Retry       retry.Policy
	// DuplicateWindow is how long a completed send is remembered.
	DuplicateWindow  time.Duration
	RefuseDuplicates bool
	// TmpDir holds compressed and encrypted working copies.
	TmpDir string
}

// SendResult summarises a finished send.
type SendResult struct {
	TransferID string
	FileName   string
	TotalBytes int64
	Checksum   string
	Encrypted  bool
	Compressed bool
	Attempts   int
	Duration   time.Duration
}

// Sender prepares local files and delivers them through a Method.
type Sender struct {
	method transfer.Method
	meta   *metadata.MetadataStore
	opts   SenderOptions
}

// NewSender creates a new sender. meta may be nil, which disables the
// audit trail and duplicate detection.
func NewSender(method transfer.Method, meta *metadata.MetadataStore, opts SenderOptions) *Sender {
	if opts.KDF == nil {
		opts.KDF = encryptor.CyclicDeriver{}
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy("")
	}
	opts.Retry.Name = "send"
	return &Sender{method: method, meta: meta, opts: opts}
}

func (s *Sender) duplicateKey(fileName string) string {
	return metadata.DuplicateKey(s.opts.UserName, s.opts.Receiver, fileName, s.method.Mode().String())
}

// checkDuplicate warns about, or refuses, a file sent to the same
// receiver within the duplicate window.
func (s *Sender) checkDuplicate(log *logrus.Entry, fileName string) error {
	if s.meta == nil {
		return nil
	}
	seen, when, err := s.meta.SeenRecently(s.duplicateKey(fileName))
	if err != nil {
		log.Warnf("duplicate check failed: %v", err)
		return nil
	}
	if !seen {
		return nil
	}
	if s.opts.RefuseDuplicates {
		return fmt.Errorf("%w: %s at %s", ErrDuplicate, fileName, when.Format(time.RFC3339))
	}
	log.WithField("sent_at", when).Warn("⚠️ file was already sent to this receiver, sending again")
	return nil
}

// prepare builds the offer for filePath inside workDir.
func (s *Sender) prepare(filePath, workDir string) (transfer.Offer, bool, error) {
	payload := filePath
	compressed := false
	if s.opts.Compress && !compressor.ShouldSkipCompression(filePath) {
		out, err := compressor.CompressFile(filePath, workDir)
		if err != nil {
			return transfer.Offer{}, false, fmt.Errorf("failed to compress: %w", err)
		}
		payload, compressed = out, true
	}

	info, err := os.Stat(payload)
	if err != nil {
		return transfer.Offer{}, false, fmt.Errorf("failed to stat payload: %w", err)
	}
	sum, err := checksum.DigestFile(payload)
	if err != nil {
		return transfer.Offer{}, false, fmt.Errorf("failed to hash payload: %w", err)
	}

	name := filepath.Base(payload)
	offer := transfer.Offer{
		TransferID: transfer.NewTransferID(name, sum),
		FileName:   name,
		Path:       payload,
		TotalBytes: info.Size(),
		Checksum:   sum,
		Encrypted:  s.opts.Password != "",
		Chunked:    s.opts.Chunked && info.Size() > 0,
		ChunkSize:  s.opts.ChunkSize,
		Workers:    s.opts.Workers,
		UserName:   s.opts.UserName,
	}
	if offer.Chunked && offer.ChunkSize <= 0 {
		offer.ChunkSize = chunker.DetermineChunkSize(info.Size())
	}

	switch {
	case offer.Encrypted && offer.Chunked:
		offer.Password = s.opts.Password
	case offer.Encrypted:
		key, err := s.opts.KDF.DeriveKey(s.opts.Password)
		if err != nil {
			return transfer.Offer{}, false, err
		}
		defer encryptor.Zero(key)
		encPath := filepath.Join(workDir, name+".enc")
		if err := encryptor.EncryptFile(payload, encPath, key); err != nil {
			return transfer.Offer{}, false, fmt.Errorf("failed to encrypt payload: %w", err)
		}
		offer.Path = encPath
	}
	return offer, compressed, nil
}

// Send delivers filePath and returns once the receiver has verified it.
// Each failed attempt resumes from whatever the receiver already holds.
func (s *Sender) Send(ctx context.Context, filePath string) (SendResult, error) {
	started := time.Now()
	info, err := os.Stat(filePath)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	if !info.Mode().IsRegular() {
		return SendResult{}, fmt.Errorf("%w: %s is not a regular file", transfer.ErrInvalidInput, filePath)
	}
	if s.opts.MaxFileSize > 0 && info.Size() > s.opts.MaxFileSize {
		return SendResult{}, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, info.Size(), s.opts.MaxFileSize)
	}
	baseName := filepath.Base(filePath)
	if err := transfer.ValidateFileName(baseName); err != nil {
		return SendResult{}, err
	}

	log := logging.Log.WithFields(logrus.Fields{
		"component": "sender",
		"file":      baseName,
		"mode":      s.method.Mode().String(),
	})
	if err := s.checkDuplicate(log, baseName); err != nil {
		return SendResult{}, err
	}

	workDir, err := os.MkdirTemp(s.opts.TmpDir, "send-*")
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	offer, compressed, err := s.prepare(filePath, workDir)
	if err != nil {
		return SendResult{}, err
	}
	log = log.WithField("transfer_id", offer.TransferID)
	log.WithFields(logrus.Fields{
		"total_bytes": offer.TotalBytes,
		"encrypted":   offer.Encrypted,
		"chunked":     offer.Chunked,
		"compressed":  compressed,
	}).Info("📤 sending file")

	attempts := 0
	handshaken := false
	err = retry.Do(ctx, s.opts.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if !handshaken {
			from, err := s.method.Handshake(ctx, offer)
			if err != nil {
				return permanentFor(err)
			}
			handshaken = true
			if from > 0 {
				log.WithField("resume_from", from).Info("receiver already holds part of the file")
			}
		}
		err := s.method.Send(ctx, offer)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, transfer.ErrResumeMismatch):
			log.Info("resume offset moved, asking again")
		case isMismatch(err):
			log.Warn("receiver rejected the checksum, resending from zero")
		}
		return permanentFor(err)
	})

	result := SendResult{
		TransferID: offer.TransferID,
		FileName:   offer.FileName,
		TotalBytes: offer.TotalBytes,
		Checksum:   offer.Checksum,
		Encrypted:  offer.Encrypted,
		Compressed: compressed,
		Attempts:   attempts,
		Duration:   time.Since(started),
	}
	rec := metadata.TransferRecord{
		TransferID: offer.TransferID,
		FileName:   offer.FileName,
		FilePath:   filePath,
		TotalBytes: offer.TotalBytes,
		Checksum:   offer.Checksum,
		Encrypted:  offer.Encrypted,
		Protocol:   s.method.Mode().String(),
		Peer:       s.opts.Receiver,
		Direction:  metadata.DirectionSent,
		State:      string(status.StateCompleted),
	}
	if offer.Encrypted {
		if fp, fpErr := encryptor.PasswordFingerprint(s.opts.KDF, s.opts.Password); fpErr == nil {
			rec.KeyFingerprint = fp
		}
	}

	if err != nil {
		log.Errorf("❌ send failed after %d attempts: %v", attempts, err)
		rec.State, rec.Error = string(status.StateFailed), err.Error()
		record(s.meta, rec)
		return result, err
	}

	record(s.meta, rec)
	if s.meta != nil {
		if err := s.meta.RememberSend(s.duplicateKey(baseName), s.opts.DuplicateWindow); err != nil {
			log.Warnf("failed to remember send: %v", err)
		}
	}
	log.WithFields(logrus.Fields{
		"attempts": attempts,
		"duration": result.Duration.Round(time.Millisecond).String(),
	}).Info("✅ file delivered")
	return result, nil
}
