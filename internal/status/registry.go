package status

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Registry owns the state of every transfer this process knows about,
// keyed by transfer id. All mutations and reads share one mutex so a
// snapshot never observes a half-applied update.
type Registry struct {
	mu        sync.Mutex
	transfers map[string]*transferState
	latest    string
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transfers: make(map[string]*transferState),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) fresh(id string, meta Meta, state State) *transferState {
	now := r.now()
	s := &transferState{
		id:        id,
		meta:      meta,
		state:     state,
		startedAt: now,
		updatedAt: now,
	}
	r.transfers[id] = s
	r.latest = id
	return s
}

// Track registers a transfer announced by a handshake. A live record
// for id is kept as is; otherwise a PENDING record replaces it.
func (r *Registry) Track(id string, meta Meta) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.transfers[id]; ok && !s.state.Terminal() {
		s.meta = s.meta.fill(meta)
		s.updatedAt = r.now()
		return r.snapshotLocked(s)
	}
	return r.snapshotLocked(r.fresh(id, meta, StatePending))
}

// Begin resets every field of id and moves it to IN_PROGRESS.
func (r *Registry) Begin(id, fileName string, totalBytes int64) {
	r.BeginWith(id, Meta{FileName: fileName, TotalBytes: totalBytes})
}

// BeginWith is Begin with the full metadata. Metadata from a pending
// handshake record fills fields meta leaves blank.
func (r *Registry) BeginWith(id string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.transfers[id]; ok && prev.state == StatePending {
		meta = meta.fill(prev.meta)
	}
	r.fresh(id, meta, StateInProgress)
}

// SetResumeOffset records how many bytes were durable before this attempt.
func (r *Registry) SetResumeOffset(id string, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if !ok || s.state.Terminal() || offset < 0 {
		return
	}
	s.resumeOffset = offset
	s.updatedAt = r.now()
}

// Progress sets the absolute byte count. It never moves backwards.
func (r *Registry) Progress(id string, absolute int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.transfers[id]; ok {
		r.progressLocked(s, absolute)
	}
}

// AddBytes advances the byte count by delta. Negative deltas are ignored.
func (r *Registry) AddBytes(id string, delta int64) {
	if delta <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.transfers[id]; ok {
		r.progressLocked(s, s.bytesWritten+delta)
	}
}

func (r *Registry) progressLocked(s *transferState, absolute int64) {
	if s.state.Terminal() {
		return
	}
	total := s.meta.TotalBytes
	if total > 0 && absolute > total {
		absolute = total
	}
	if absolute > s.bytesWritten {
		s.bytesWritten = absolute
	}
	if s.state == StatePending {
		s.state = StateInProgress
	}
	s.updatedAt = r.now()

	if total > 0 && s.bytesWritten >= total {
		s.state = StateCompleted
	}
}

// Complete marks id COMPLETED at finalPath. Calling it again only
// updates the path; a FAILED transfer stays failed.
func (r *Registry) Complete(id, finalPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if !ok || s.state == StateFailed {
		return
	}
	if s.meta.TotalBytes > s.bytesWritten {
		s.bytesWritten = s.meta.TotalBytes
	}
	s.state = StateCompleted
	s.finalPath = finalPath
	s.errMsg = ""
	s.merging = false
	s.bitmap = nil
	s.chunkSizes = nil
	s.completedChunks = s.totalChunks
	s.updatedAt = r.now()
}

// Fail marks id FAILED with message. A COMPLETED transfer is left alone.
// Failing an unknown id records a failed transfer so pollers can see it.
func (r *Registry) Fail(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if !ok {
		s = r.fresh(id, Meta{}, StateFailed)
	}
	if s.state == StateCompleted {
		return
	}
	s.state = StateFailed
	s.errMsg = message
	s.merging = false
	s.updatedAt = r.now()
}

// NoteError attaches a message to a live transfer without ending it.
func (r *Registry) NoteError(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.transfers[id]; ok && !s.state.Terminal() {
		s.errMsg = message
		s.updatedAt = r.now()
	}
}

// Forget drops id entirely.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transfers[id]; !ok {
		return false
	}
	delete(r.transfers, id)
	if r.latest == id {
		r.latest = ""
	}
	return true
}

// OpenChunked joins or creates the chunk-mode record for id before the
// chunk at index is written. A live chunked record is joined as is so a
// late or repeated index 0 never clears arrived chunks. A missing or
// handshake-only record is replaced with a fresh bitmap of totalChunks
// entries. Terminal records are never reopened: a completed chunked
// record yields a Closed session describing the finished transfer, and
// anything else terminal fails with ErrTransferClosed. Forget the id to
// start over under it.
func (r *Registry) OpenChunked(id string, meta Meta, totalChunks, index int) (ChunkSession, error) {
	if index < 0 {
		return ChunkSession{}, fmt.Errorf("%w: %d", ErrChunkIndexOutOfRange, index)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if ok && !s.state.Terminal() && s.bitmap != nil {
		if index >= len(s.bitmap) {
			return ChunkSession{}, fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange, index, len(s.bitmap))
		}
		s.meta = s.meta.fill(meta)
		return ChunkSession{TotalChunks: len(s.bitmap)}, nil
	}
	if ok && s.state.Terminal() {
		if s.state != StateCompleted || s.totalChunks == 0 {
			return ChunkSession{}, fmt.Errorf("%w: %s is %s", ErrTransferClosed, id, s.state)
		}
		if index >= s.totalChunks {
			return ChunkSession{}, fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange, index, s.totalChunks)
		}
		return ChunkSession{
			TotalChunks:     s.totalChunks,
			Closed:          true,
			CompletedChunks: s.completedChunks,
			BytesWritten:    s.bytesWritten,
			FilePath:        s.finalPath,
		}, nil
	}
	if totalChunks <= 0 || index >= totalChunks {
		return ChunkSession{}, fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange, index, totalChunks)
	}

	if ok && s.state == StatePending {
		meta = meta.fill(s.meta)
	}
	ns := r.fresh(id, meta, StateInProgress)
	ns.bitmap = make([]bool, totalChunks)
	ns.chunkSizes = make([]int64, totalChunks)
	ns.totalChunks = totalChunks
	return ChunkSession{TotalChunks: totalChunks, Fresh: true}, nil
}

// MarkChunk records that chunk index of size bytes is durable. Marking
// is idempotent; a resent index replaces its recorded size. The caller
// that completes the set gets Ready and must merge, then Complete or
// AbortMerge. Until then the published byte count stays below the total.
func (r *Registry) MarkChunk(id string, index int, size int64) (ChunkMark, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if !ok {
		return ChunkMark{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if s.state.Terminal() {
		return ChunkMark{}, fmt.Errorf("%w: %s is %s", ErrTransferClosed, id, s.state)
	}
	if s.bitmap == nil {
		return ChunkMark{}, fmt.Errorf("%w: %s", ErrNotChunked, id)
	}
	if index < 0 || index >= len(s.bitmap) {
		return ChunkMark{}, fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange, index, len(s.bitmap))
	}

	if !s.bitmap[index] {
		s.bitmap[index] = true
		s.completedChunks++
	}
	s.chunkSizes[index] = size

	sum := lo.Sum(s.chunkSizes)
	total := s.meta.TotalBytes
	all := s.completedChunks == len(s.bitmap)

	mark := ChunkMark{
		CompletedChunks: s.completedChunks,
		TotalChunks:     len(s.bitmap),
		PersistedBytes:  sum,
		FileName:        s.meta.FileName,
		Checksum:        s.meta.Checksum,
	}

	if all && sum >= total && !s.merging {
		s.merging = true
		s.updatedAt = r.now()
		mark.Ready = true
		return mark, nil
	}

	published := sum
	if total > 0 && published >= total {
		published = total - 1
		if !all {
			s.errMsg = fmt.Sprintf("received %d bytes but only %d of %d chunks", sum, s.completedChunks, len(s.bitmap))
		}
	} else if all && !s.merging {
		s.errMsg = fmt.Sprintf("all %d chunks received but only %d of %d bytes", len(s.bitmap), sum, total)
	}
	r.progressLocked(s, published)
	return mark, nil
}

// AbortMerge releases the merge claim after a failed merge so a resent
// chunk can trigger it again. The bitmap is kept.
func (r *Registry) AbortMerge(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.transfers[id]; ok && !s.state.Terminal() {
		s.merging = false
		s.errMsg = message
		s.updatedAt = r.now()
	}
}

// Snapshot returns the current view of id.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(s), true
}

// Latest returns the most recently begun transfer.
func (r *Registry) Latest() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.transfers[r.latest]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(s), true
}

// List returns every transfer, most recently started first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.transfers))
	for _, s := range r.transfers {
		out = append(out, r.snapshotLocked(s))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (r *Registry) snapshotLocked(s *transferState) Snapshot {
	snap := Snapshot{
		TransferID:      s.id,
		FileName:        s.meta.FileName,
		BytesWritten:    s.bytesWritten,
		TotalBytes:      s.meta.TotalBytes,
		State:           s.state,
		ResumeOffset:    s.resumeOffset,
		Checksum:        s.meta.Checksum,
		Error:           s.errMsg,
		Protocol:        s.meta.Protocol,
		UserName:        s.meta.UserName,
		Encrypted:       s.meta.Encrypted,
		KeyFingerprint:  s.meta.KeyFingerprint,
		FilePath:        s.finalPath,
		TotalChunks:     s.totalChunks,
		CompletedChunks: s.completedChunks,
		StartedAt:       s.startedAt,
		LastUpdated:     s.updatedAt,
	}

	if s.meta.TotalBytes > 0 {
		snap.Percent = float64(s.bytesWritten) / float64(s.meta.TotalBytes) * 100.0
	} else if s.state == StateCompleted {
		snap.Percent = 100.0
	}

	end := r.now()
	if s.state.Terminal() {
		end = s.updatedAt
	}
	if elapsed := end.Sub(s.startedAt).Seconds(); elapsed > 0 {
		snap.SpeedBytesPerSecond = float64(s.bytesWritten) / elapsed
	}
	if snap.SpeedBytesPerSecond > minSpeed && s.meta.TotalBytes > s.bytesWritten && !s.state.Terminal() {
		remaining := s.meta.TotalBytes - s.bytesWritten
		snap.ETASeconds = int64(float64(remaining) / snap.SpeedBytesPerSecond)
	}

	if s.bitmap != nil {
		snap.MissingChunks = lo.Filter(lo.Range(len(s.bitmap)), func(i int, _ int) bool {
			return !s.bitmap[i]
		})
	}
	return snap
}
