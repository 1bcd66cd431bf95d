// Package orchestrator drives whole transfers: preparing a local file and
// pushing it through a transfer.Method, or pulling a remote file and
// checking it before it is handed to the user.
package orchestrator

import (
	"errors"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/retry"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/jaywantadh/DisktroSync/internal/transfer"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
)

var (
	ErrFileTooLarge = errors.New("file exceeds the maximum transfer size")
	ErrDuplicate    = errors.New("file was already sent to this receiver recently")
)

// permanentFor marks errors no retry can fix.
func permanentFor(err error) error {
	switch {
	case errors.Is(err, encryptor.ErrWrongPassword),
		errors.Is(err, encryptor.ErrEmptyPassword),
		errors.Is(err, transfer.ErrInvalidInput),
		errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, storage.ErrInvalidFileName),
		errors.Is(err, ErrFileTooLarge):
		return retry.Permanent(err)
	}
	return err
}

func record(meta *metadata.MetadataStore, rec metadata.TransferRecord) {
	if meta == nil {
		return
	}
	rec.CompletedAt = time.Now().Unix()
	if err := meta.PutTransfer(rec); err != nil {
		logging.ForTransfer("orchestrator", rec.TransferID).Warnf("failed to write audit record: %v", err)
	}
}

func isMismatch(err error) bool { return errors.Is(err, checksum.ErrChecksumMismatch) }
