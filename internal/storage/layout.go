package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrInvalidFileName rejects names that are empty, too long or try to
// leave the received directory.
var ErrInvalidFileName = errors.New("invalid file name")

const maxFileNameLength = 255

// Layout is the persisted layout on the receiving side: finalized files
// by name in ReceivedDir, in-flight fragments and resume sidecars in TmpDir.
type Layout struct {
	ReceivedDir string
	TmpDir      string
}

// NewLayout creates both directories.
func NewLayout(receivedDir, tmpDir string) (Layout, error) {
	for _, dir := range []string{receivedDir, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Layout{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return Layout{ReceivedDir: receivedDir, TmpDir: tmpDir}, nil
}

// SanitizeFileName reduces name to its base and rejects anything that
// could escape the target directory.
func SanitizeFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q contains '..'", ErrInvalidFileName, name)
	}
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: empty", ErrInvalidFileName)
	}
	if len(name) > maxFileNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidFileName, maxFileNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q contains control characters", ErrInvalidFileName, name)
		}
	}
	return name, nil
}

// ReceivedPath resolves the final destination of fileName.
func (l Layout) ReceivedPath(fileName string) (string, error) {
	name, err := SanitizeFileName(fileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.ReceivedDir, name), nil
}

// SidecarPath is where the decryption chain state of an encrypted stream
// upload of fileName is kept between attempts.
func (l Layout) SidecarPath(fileName string) (string, error) {
	name, err := SanitizeFileName(fileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.TmpDir, name+".cbc"), nil
}

// FileSize returns the size of path, or 0 when it does not exist.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}
