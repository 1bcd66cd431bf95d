package storage

import (
	"errors"
	"io"
)

// ErrChunkNotFound is returned when a chunk fragment is not on disk.
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore defines the interface for the transfer-scoped temporary
// area holding in-flight chunk fragments.
type ChunkStore interface {
	// Put durably stores a fragment, replacing any previous copy of the
	// same (transferID, index), and returns the number of bytes written.
	Put(transferID string, index int, data io.Reader) (int64, error)
	// Get opens a stored fragment.
	Get(transferID string, index int) (io.ReadCloser, error)
	// Indices lists the stored fragment indices of a transfer in ascending order.
	Indices(transferID string) ([]int, error)
	// Remove deletes every fragment of a transfer.
	Remove(transferID string) error
}
