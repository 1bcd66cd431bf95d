package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const chunkSuffix = ".chunk"

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,120}$`)

// LocalStorage implements ChunkStore on the local filesystem. Fragments
// are named <transfer>.<index>.chunk so a resent index overwrites.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// BasePath is the directory holding the fragments.
func (s *LocalStorage) BasePath() string { return s.basePath }

// fileKey maps a transfer id to a name safe for the filesystem. Ids with
// characters outside [A-Za-z0-9_-] are hashed.
func fileKey(transferID string) string {
	if safeIDPattern.MatchString(transferID) {
		return transferID
	}
	sum := sha256.Sum256([]byte(transferID))
	return "h" + hex.EncodeToString(sum[:12])
}

// Path returns the location of one fragment.
func (s *LocalStorage) Path(transferID string, index int) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s.%d%s", fileKey(transferID), index, chunkSuffix))
}

// Put writes to a unique temporary name first and renames it into place.
func (s *LocalStorage) Put(transferID string, index int, data io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("invalid chunk index %d", index)
	}
	final := s.Path(transferID, index)
	tmp := final + "." + uuid.NewString() + ".part"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	n, err := io.Copy(f, data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write chunk to file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move chunk into place: %w", err)
	}
	return n, nil
}

// Get retrieves a chunk from the local filesystem.
func (s *LocalStorage) Get(transferID string, index int) (io.ReadCloser, error) {
	file, err := os.Open(s.Path(transferID, index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s #%d", ErrChunkNotFound, transferID, index)
		}
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) glob(transferID string) ([]string, error) {
	pattern := filepath.Join(s.basePath, globEscape(fileKey(transferID))+".*"+chunkSuffix)
	return filepath.Glob(pattern)
}

// Indices lists the stored fragment indices in ascending order.
func (s *LocalStorage) Indices(transferID string) ([]int, error) {
	matches, err := s.glob(transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	prefix := fileKey(transferID) + "."
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), chunkSuffix)
		idx, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// Remove deletes all fragments of a transfer, including stray temporaries.
func (s *LocalStorage) Remove(transferID string) error {
	matches, err := s.glob(transferID)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	parts, _ := filepath.Glob(filepath.Join(s.basePath, globEscape(fileKey(transferID))+".*"+chunkSuffix+".*.part"))
	var errs []error
	for _, m := range append(matches, parts...) {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove chunks of %s: %w", transferID, errors.Join(errs...))
	}
	return nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
