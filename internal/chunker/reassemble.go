package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jaywantadh/DisktroSync/internal/storage"
)

// Reassemble concatenates fragments 0..totalChunks-1 of transferID in
// ascending order into outputPath. The output appears atomically; a
// failure leaves any previous file at outputPath untouched.
func Reassemble(store storage.ChunkStore, transferID string, totalChunks int, outputPath string) (int64, error) {
	tmp := filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+"."+uuid.NewString()+".merge")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	written, err := appendChunks(out, store, transferID, totalChunks)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move merged file into place: %w", err)
	}
	return written, nil
}

func appendChunks(out io.Writer, store storage.ChunkStore, transferID string, totalChunks int) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for i := 0; i < totalChunks; i++ {
		rc, err := store.Get(transferID, i)
		if err != nil {
			return written, fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		n, err := io.CopyBuffer(out, rc, buf)
		rc.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}
	return written, nil
}
