package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// SnapshotSource yields the current view of a transfer.
type SnapshotSource interface {
	Snapshot(ctx context.Context, transferID string) (status.Snapshot, error)
}

// RegistrySource reads snapshots from an in-process registry.
type RegistrySource struct {
	Registry *status.Registry
}

func (s RegistrySource) Snapshot(_ context.Context, transferID string) (status.Snapshot, error) {
	var (
		snap status.Snapshot
		ok   bool
	)
	if transferID == "" {
		snap, ok = s.Registry.Latest()
	} else {
		snap, ok = s.Registry.Snapshot(transferID)
	}
	if !ok {
		return status.Snapshot{}, fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
	}
	return snap, nil
}

// ClientSource polls a remote server.
type ClientSource struct {
	Client *Client
}

func (s ClientSource) Snapshot(ctx context.Context, transferID string) (status.Snapshot, error) {
	return s.Client.Status(ctx, transferID)
}

// Monitor logs the progress of one transfer until it finishes.
type Monitor struct {
	source   SnapshotSource
	interval time.Duration
	log      *logrus.Logger
}

// NewMonitor polls source every interval.
func NewMonitor(source SnapshotSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{source: source, interval: interval, log: logging.Log}
}

// FormatSnapshot renders a snapshot as one human-readable line.
func FormatSnapshot(s status.Snapshot) string {
	line := fmt.Sprintf("%s [%s] %s / %s (%.1f%%)",
		s.FileName, s.State,
		humanize.IBytes(uint64(max(s.BytesWritten, 0))),
		humanize.IBytes(uint64(max(s.TotalBytes, 0))),
		s.Percent)
	if s.TotalChunks > 0 {
		line += fmt.Sprintf(" chunks %d/%d", s.CompletedChunks, s.TotalChunks)
	}
	if s.SpeedBytesPerSecond > 0 && !s.Done() {
		line += fmt.Sprintf(" at %s/s", humanize.IBytes(uint64(s.SpeedBytesPerSecond)))
	}
	if s.ETASeconds > 0 {
		line += fmt.Sprintf(" ETA %s", (time.Duration(s.ETASeconds) * time.Second).String())
	}
	if s.Error != "" {
		line += " error: " + s.Error
	}
	return line
}

// Run polls until the transfer is terminal or ctx ends, and returns the
// last snapshot seen.
func (m *Monitor) Run(ctx context.Context, transferID string) (status.Snapshot, error) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last status.Snapshot
	for {
		snap, err := m.source.Snapshot(ctx, transferID)
		if err != nil {
			m.log.WithField("transfer_id", transferID).Debugf("status unavailable: %v", err)
		} else {
			last = snap
			entry := m.log.WithField("transfer_id", snap.TransferID)
			entry.Info(FormatSnapshot(snap))
			if snap.Done() {
				return snap, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
