package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/compressor"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/retry"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/jaywantadh/DisktroSync/internal/transfer"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

const encryptedSuffix = ".enc"

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// Dir is where pulled files land.
	Dir string
	// Password decrypts pulled .enc files; empty leaves them as they are.
	Password string
	KDF      encryptor.KeyDeriver
	// Decompress expands pulled .lz4 files.
	Decompress     bool
	VerifyAttempts int
	Retry          retry.Policy
	Peer           string
}

// PullResult describes a pulled file after post-processing.
type PullResult struct {
	Path      string
	Bytes     int64
	Checksum  string
	Resumed   bool
	Decrypted bool
	Duration  time.Duration
}

// Receiver fetches remote files and verifies them before use.
type Receiver struct {
	method transfer.Method
	meta   *metadata.MetadataStore
	opts   ReceiverOptions
}

// NewReceiver creates a new receiver.
func NewReceiver(method transfer.Method, meta *metadata.MetadataStore, opts ReceiverOptions) *Receiver {
	if opts.KDF == nil {
		opts.KDF = encryptor.CyclicDeriver{}
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = checksum.DefaultMaxAttempts
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy("")
	}
	opts.Retry.Name = "pull"
	return &Receiver{method: method, meta: meta, opts: opts}
}

// Pull downloads name into the receive directory, continuing a partial
// copy, and verifies it against the remote checksum. A corrupted copy
// is deleted and fetched again up to VerifyAttempts times.
func (r *Receiver) Pull(ctx context.Context, name string) (PullResult, error) {
	started := time.Now()
	if err := transfer.ValidateFileName(name); err != nil {
		return PullResult{}, err
	}
	clean, err := storage.SanitizeFileName(name)
	if err != nil {
		return PullResult{}, err
	}
	if err := os.MkdirAll(r.opts.Dir, 0755); err != nil {
		return PullResult{}, fmt.Errorf("failed to create %s: %w", r.opts.Dir, err)
	}
	dest := filepath.Join(r.opts.Dir, clean)
	log := logging.Log.WithFields(logrus.Fields{
		"component": "receiver",
		"file":      clean,
		"mode":      r.method.Mode().String(),
	})

	var got transfer.Received
	fetch := func(ctx context.Context) error {
		return retry.Do(ctx, r.opts.Retry, func(ctx context.Context, attempt int) error {
			res, err := r.method.Receive(ctx, clean, dest)
			if err != nil {
				return permanentFor(err)
			}
			got = res
			return nil
		})
	}
	if err := fetch(ctx); err != nil {
		r.audit(clean, dest, got, err)
		return PullResult{}, err
	}
	if got.Resumed {
		log.Info("continued a partial download")
	}

	expected := got.Checksum
	if expected == "" {
		if expected, err = r.method.Checksum(ctx, clean); err != nil {
			log.Warnf("remote checksum unavailable: %v", err)
		}
	}
	err = checksum.VerifyWithRetry(ctx, dest, expected, r.opts.VerifyAttempts, fetch, checksum.VerifyOptions{
		Delay:    r.opts.Retry.Delay,
		Doubling: r.opts.Retry.Doubling,
	})
	if err != nil {
		log.Errorf("❌ pulled file failed verification: %v", err)
		r.audit(clean, dest, got, err)
		return PullResult{}, err
	}

	result := PullResult{
		Path:     dest,
		Bytes:    got.Bytes,
		Checksum: expected,
		Resumed:  got.Resumed,
	}
	if strings.HasSuffix(dest, encryptedSuffix) && r.opts.Password != "" {
		plain, err := r.decrypt(dest)
		if err != nil {
			r.audit(clean, dest, got, err)
			return PullResult{}, err
		}
		result.Path, result.Decrypted = plain, true
	}
	if r.opts.Decompress && compressor.IsCompressed(result.Path) {
		out, err := compressor.DecompressFile(result.Path)
		if err != nil {
			return PullResult{}, fmt.Errorf("failed to decompress: %w", err)
		}
		result.Path = out
	}
	result.Duration = time.Since(started)

	r.audit(clean, result.Path, got, nil)
	log.WithFields(logrus.Fields{
		"path":  result.Path,
		"bytes": result.Bytes,
	}).Info("✅ file pulled")
	return result, nil
}

// decrypt replaces an .enc file with its plaintext and returns the new path.
func (r *Receiver) decrypt(path string) (string, error) {
	key, err := r.opts.KDF.DeriveKey(r.opts.Password)
	if err != nil {
		return "", err
	}
	defer encryptor.Zero(key)

	plain := strings.TrimSuffix(path, encryptedSuffix)
	if err := encryptor.DecryptFile(path, plain, key); err != nil {
		_ = os.Remove(plain)
		return "", fmt.Errorf("failed to decrypt %s: %w", filepath.Base(path), err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return plain, nil
}

func (r *Receiver) audit(name, path string, got transfer.Received, err error) {
	rec := metadata.TransferRecord{
		TransferID: transfer.NewTransferID(name, got.Checksum),
		FileName:   name,
		FilePath:   path,
		TotalBytes: got.Bytes,
		Checksum:   got.Checksum,
		Encrypted:  strings.HasSuffix(name, encryptedSuffix),
		Protocol:   r.method.Mode().String(),
		Peer:       r.opts.Peer,
		Direction:  metadata.DirectionPulled,
		State:      string(status.StateCompleted),
	}
	if err != nil {
		rec.State, rec.Error = string(status.StateFailed), err.Error()
	}
	record(r.meta, rec)
}
