package compressor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pierrec/lz4/v4"
)

// Extension is appended to compressed payloads.
const Extension = ".lz4"

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".xz": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// compressedMIMEPrefixes are sniffed content types lz4 cannot shrink.
var compressedMIMEPrefixes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"video/", "audio/",
	"application/zip", "application/gzip", "application/x-7z-compressed",
	"application/x-rar-compressed", "application/x-xz", "application/x-bzip2",
	"application/zstd",
}

// ShouldSkipCompression reports whether the file is already compressed,
// first by extension and then by sniffing its leading bytes. A file that
// cannot be read is not skipped; compression will report the error.
func ShouldSkipCompression(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	if skipExtensions[ext] {
		return true
	}
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return false
	}
	for m := mtype; m != nil; m = m.Parent() {
		for _, prefix := range compressedMIMEPrefixes {
			if strings.HasPrefix(m.String(), prefix) {
				return true
			}
		}
	}
	return false
}

// IsCompressed reports whether name carries the lz4 extension.
func IsCompressed(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Extension)
}

// CompressStream lz4-frames everything read from in.
func CompressStream(in io.Reader, out io.Writer) error {
	writer := lz4.NewWriter(out)
	if _, err := io.Copy(writer, in); err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}
	return nil
}

// DecompressStream reverses CompressStream.
func DecompressStream(in io.Reader, out io.Writer) error {
	if _, err := io.Copy(out, lz4.NewReader(in)); err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	return nil
}

// CompressChunk compresses one in-memory buffer.
func CompressChunk(chunkData []byte) ([]byte, error) {
	var compressed bytes.Buffer
	if err := CompressStream(bytes.NewReader(chunkData), &compressed); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// DecompressData decompresses one in-memory buffer.
func DecompressData(data []byte) ([]byte, error) {
	var decompressed bytes.Buffer
	if err := DecompressStream(bytes.NewReader(data), &decompressed); err != nil {
		return nil, err
	}
	return decompressed.Bytes(), nil
}

// CompressFile writes the lz4 form of src into dir and returns its path.
func CompressFile(src, dir string) (string, error) {
	dst := filepath.Join(dir, filepath.Base(src)+Extension)
	if err := convertFile(src, dst, CompressStream); err != nil {
		return "", err
	}
	return dst, nil
}

// DecompressFile expands an .lz4 file next to itself, removes the
// compressed copy and returns the new path.
func DecompressFile(src string) (string, error) {
	if !IsCompressed(src) {
		return "", fmt.Errorf("%s has no %s extension", src, Extension)
	}
	dst := strings.TrimSuffix(src, filepath.Ext(src))
	if err := convertFile(src, dst, DecompressStream); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", src, err)
	}
	return dst, nil
}

func convertFile(src, dst string, fn func(io.Reader, io.Writer) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := fn(in, out); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
