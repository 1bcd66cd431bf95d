package status

import (
	"errors"
	"time"
)

// State is the lifecycle position of one transfer.
type State string

const (
	// StatePending means the transfer is known (handshake) but no bytes arrived.
	StatePending State = "PENDING"
	// StateInProgress means bytes are flowing.
	StateInProgress State = "IN_PROGRESS"
	// StateCompleted is terminal: every byte is durable at the final path.
	StateCompleted State = "COMPLETED"
	// StateFailed is terminal and carries an error message.
	StateFailed State = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrUnknownTransfer      = errors.New("unknown transfer")
	ErrTransferClosed       = errors.New("transfer already finished")
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")
	ErrNotChunked           = errors.New("transfer is not in chunk mode")
)

// minSpeed is the throughput below which no ETA is reported.
const minSpeed = 1.0

// Meta describes a transfer as announced by the sender.
type Meta struct {
	FileName       string
	TotalBytes     int64
	Checksum       string
	Encrypted      bool
	KeyFingerprint string
	Protocol       string
	UserName       string
}

// fill copies blank fields from other.
func (m Meta) fill(other Meta) Meta {
	if m.FileName == "" {
		m.FileName = other.FileName
	}
	if m.TotalBytes <= 0 {
		m.TotalBytes = other.TotalBytes
	}
	if m.Checksum == "" {
		m.Checksum = other.Checksum
	}
	if !m.Encrypted {
		m.Encrypted = other.Encrypted
	}
	if m.KeyFingerprint == "" {
		m.KeyFingerprint = other.KeyFingerprint
	}
	if m.Protocol == "" {
		m.Protocol = other.Protocol
	}
	if m.UserName == "" {
		m.UserName = other.UserName
	}
	return m
}

// transferState is the mutable record behind a Snapshot. It is only
// touched with Registry.mu held.
type transferState struct {
	id   string
	meta Meta

	bytesWritten int64
	resumeOffset int64

	// chunk mode only; discarded after merge
	bitmap     []bool
	chunkSizes []int64
	merging    bool

	totalChunks     int
	completedChunks int

	finalPath string
	state     State
	errMsg    string

	startedAt time.Time
	updatedAt time.Time
}

// Snapshot is an immutable view of a transfer for polling clients.
type Snapshot struct {
	TransferID          string    `json:"transferId"`
	FileName            string    `json:"fileName"`
	BytesWritten        int64     `json:"bytesWritten"`
	TotalBytes          int64     `json:"totalBytes"`
	Percent             float64   `json:"percent"`
	SpeedBytesPerSecond float64   `json:"speedBytesPerSecond"`
	ETASeconds          int64     `json:"etaSeconds"`
	State               State     `json:"state"`
	ResumeOffset        int64     `json:"resumeOffset"`
	Checksum            string    `json:"checksum,omitempty"`
	Error               string    `json:"error,omitempty"`
	Protocol            string    `json:"protocol,omitempty"`
	UserName            string    `json:"userName,omitempty"`
	Encrypted           bool      `json:"encrypted"`
	KeyFingerprint      string    `json:"keyFingerprint,omitempty"`
	FilePath            string    `json:"filePath,omitempty"`
	TotalChunks         int       `json:"totalChunks,omitempty"`
	CompletedChunks     int       `json:"completedChunks,omitempty"`
	MissingChunks       []int     `json:"missingChunks,omitempty"`
	StartedAt           time.Time `json:"startedAt"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// Done reports whether the snapshot is in a terminal state.
func (s Snapshot) Done() bool { return s.State.Terminal() }

// ChunkSession is returned when a chunk request opens or joins a transfer.
type ChunkSession struct {
	TotalChunks int
	// Fresh is set when this request created the chunk bitmap.
	Fresh bool
	// Closed is set when id already completed. The chunk must not be
	// stored; the remaining fields describe the finished transfer.
	Closed          bool
	CompletedChunks int
	BytesWritten    int64
	FilePath        string
}

// ChunkMark is the outcome of recording one persisted chunk.
type ChunkMark struct {
	// Ready is set for exactly one caller: the one that must merge.
	Ready           bool
	CompletedChunks int
	TotalChunks     int
	PersistedBytes  int64
	FileName        string
	Checksum        string
}
