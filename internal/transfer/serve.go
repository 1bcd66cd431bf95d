package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// ParseRangeStart reads the start of an open-ended "bytes=N-" header.
// Every other form, including "bytes=N-M" and suffix ranges, yields 0
// and the whole file is sent again.
func ParseRangeStart(header string) int64 {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") || !strings.HasSuffix(header, "-") {
		return 0
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(header, "bytes="), "-")
	if digits == "" || digits[0] < '0' || digits[0] > '9' {
		return 0
	}
	start, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return start
}

// ServeResult describes one served range.
type ServeResult struct {
	Start int64
	Size  int64
	Sent  int64
}

// RangeServer streams stored files back to clients from a resume offset.
// Verification of the delivered bytes is left to the caller.
type RangeServer struct {
	registry *status.Registry

	mu      sync.Mutex
	digests map[string]fileDigest
}

type fileDigest struct {
	size    int64
	modTime time.Time
	sum     string
}

// NewRangeServer creates a RangeServer publishing progress to registry.
func NewRangeServer(registry *status.Registry) *RangeServer {
	return &RangeServer{registry: registry, digests: make(map[string]fileDigest)}
}

// Checksum returns the SHA-256 of path. The last digest is reused while
// the file keeps its size and modification time.
func (s *RangeServer) Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	s.mu.Lock()
	cached, ok := s.digests[path]
	s.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.sum, nil
	}

	sum, err := checksum.DigestFile(path)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.digests[path] = fileDigest{size: info.Size(), modTime: info.ModTime(), sum: sum}
	s.mu.Unlock()
	return sum, nil
}

// Resolve returns the clamped start offset and the size of path.
func (s *RangeServer) Resolve(path, rangeHeader string) (int64, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return 0, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, 0, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, filepath.Base(path))
	}
	size := info.Size()
	start := ParseRangeStart(rangeHeader)
	if start > size {
		start = size
	}
	return start, size, nil
}

// Serve copies path from the requested offset to sink, advancing the
// byte counters of transferID as blocks go out.
func (s *RangeServer) Serve(ctx context.Context, transferID, path, rangeHeader string, sink io.Writer) (ServeResult, error) {
	start, size, err := s.Resolve(path, rangeHeader)
	if err != nil {
		return ServeResult{}, err
	}
	log := logging.ForTransfer("serve", transferID).WithFields(logrus.Fields{
		"file":  filepath.Base(path),
		"start": start,
		"size":  size,
	})

	f, err := os.Open(path)
	if err != nil {
		return ServeResult{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	s.registry.BeginWith(transferID, status.Meta{
		FileName:   filepath.Base(path),
		TotalBytes: size,
		Protocol:   ModeHTTP.String(),
	})
	s.registry.SetResumeOffset(transferID, start)
	s.registry.Progress(transferID, start)

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		s.registry.Fail(transferID, err.Error())
		return ServeResult{}, fmt.Errorf("failed to seek to %d: %w", start, err)
	}

	result := ServeResult{Start: start, Size: size}
	buf := make([]byte, checksum.BufferSize)
	for result.Sent < size-start {
		if err := ctx.Err(); err != nil {
			s.registry.Fail(transferID, err.Error())
			return result, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			w, werr := sink.Write(buf[:n])
			result.Sent += int64(w)
			s.registry.AddBytes(transferID, int64(w))
			if werr != nil {
				log.Warnf("client went away after %d bytes: %v", result.Sent, werr)
				s.registry.Fail(transferID, werr.Error())
				return result, fmt.Errorf("failed to send: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.registry.Fail(transferID, rerr.Error())
			return result, fmt.Errorf("failed to read %s: %w", path, rerr)
		}
	}

	if size == 0 || start == size {
		s.registry.Complete(transferID, path)
	}
	log.WithField("sent", result.Sent).Info("range served")
	return result, nil
}
