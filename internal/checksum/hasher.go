package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// BufferSize is the read block used while hashing.
const BufferSize = 32 * 1024

// Digest returns the hex SHA-256 of everything readable from r.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, BufferSize)
	if _, err := io.CopyBuffer(h, onlyReader{r}, buf); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile hashes the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()
	return Digest(f)
}

// DigestBytes hashes an in-memory buffer.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests ignoring case and surrounding space.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// StreamHasher hashes bytes as they are written through it.
type StreamHasher struct {
	h hash.Hash
	n int64
}

func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: sha256.New()}
}

func (s *StreamHasher) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (s *StreamHasher) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// Size is the number of bytes hashed.
func (s *StreamHasher) Size() int64 { return s.n }

// onlyReader hides WriterTo so the fixed buffer is always used.
type onlyReader struct{ io.Reader }
