package chunker

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestDetermineChunkSize(t *testing.T) {
	assert.Equal(t, 256*1024, DetermineChunkSize(1024))
	assert.Equal(t, 512*1024, DetermineChunkSize(5*1024*1024))
	assert.Equal(t, 1024*1024, DetermineChunkSize(50*1024*1024))
	assert.Equal(t, 4*1024*1024, DetermineChunkSize(500*1024*1024))
	assert.Equal(t, 8*1024*1024, DetermineChunkSize(2*1024*1024*1024))
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 0, ChunkCount(0, 10))
	assert.Equal(t, 1, ChunkCount(10, 10))
	assert.Equal(t, 2, ChunkCount(11, 10))
	assert.Equal(t, 40, ChunkCount(10*1024*1024, 256*1024))
}

func collect(t *testing.T, path string, opts Options) map[int]Chunk {
	t.Helper()
	var mu sync.Mutex
	got := map[int]Chunk{}
	err := Process(context.Background(), path, opts, func(ctx context.Context, c Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		got[c.Index] = c
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestProcessSplitsWholeFile(t *testing.T) {
	path, data := writeRandomFile(t, 10*1000+7)
	got := collect(t, path, Options{ChunkSize: 1000, Workers: 4})
	require.Len(t, got, 11)

	var joined bytes.Buffer
	for i := 0; i < len(got); i++ {
		assert.EqualValues(t, i*1000, got[i].Offset)
		joined.Write(got[i].Data)
	}
	assert.Equal(t, data, joined.Bytes())
	assert.Equal(t, 7, got[10].PlainSize)
}

func TestProcessEncryptsEachChunkIndependently(t *testing.T) {
	path, data := writeRandomFile(t, 4096)
	enc := encryptor.NewEncryptor(nil)
	got := collect(t, path, Options{ChunkSize: 1024, Workers: 2, Encryptor: enc, Password: "p1"})
	require.Len(t, got, 4)

	// Decrypt in reverse order: no chunk depends on another.
	var plain [][]byte
	for i := 3; i >= 0; i-- {
		p, err := enc.Decrypt(got[i].Data, "p1")
		require.NoError(t, err)
		plain = append([][]byte{p}, plain...)
	}
	assert.Equal(t, data, bytes.Join(plain, nil))
}

func TestProcessSelectedIndices(t *testing.T) {
	path, _ := writeRandomFile(t, 5000)
	got := collect(t, path, Options{ChunkSize: 1000, Indices: []int{4, 1}})
	keys := make([]int, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	assert.Equal(t, []int{1, 4}, keys)

	err := Process(context.Background(), path, Options{ChunkSize: 1000, Indices: []int{5}}, func(context.Context, Chunk) error { return nil })
	require.Error(t, err)
}

func TestProcessStopsOnHandlerError(t *testing.T) {
	path, _ := writeRandomFile(t, 100*1024)
	boom := errors.New("network down")
	err := Process(context.Background(), path, Options{ChunkSize: 1024, Workers: 3}, func(ctx context.Context, c Chunk) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestReassemble(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	parts := []string{"alpha-", "beta-", "gamma"}
	// Store out of order.
	for _, i := range []int{2, 0, 1} {
		_, err := store.Put("t1", i, bytes.NewReader([]byte(parts[i])))
		require.NoError(t, err)
	}

	out := filepath.Join(t.TempDir(), "merged.txt")
	n, err := Reassemble(store, "t1", 3, out)
	require.NoError(t, err)
	assert.EqualValues(t, len("alpha-beta-gamma"), n)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "alpha-beta-gamma", string(got))

	_, err = Reassemble(store, "t1", 4, filepath.Join(t.TempDir(), "short.txt"))
	require.ErrorIs(t, err, storage.ErrChunkNotFound)
}
