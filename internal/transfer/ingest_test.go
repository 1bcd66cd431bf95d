package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *IngestEngine
	registry *status.Registry
	layout   storage.Layout
	chunks   *storage.LocalStorage
}

func newEngine(t *testing.T, password string, chunkSize int) engineFixture {
	t.Helper()
	root := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(root, "received"), filepath.Join(root, "tmp"))
	require.NoError(t, err)
	chunks, err := storage.NewLocalStorage(filepath.Join(layout.TmpDir, "chunks"))
	require.NoError(t, err)
	registry := status.NewRegistry()
	engine := NewIngestEngine(layout, chunks, registry, EngineOptions{ChunkSize: chunkSize, Password: password})
	t.Cleanup(engine.Close)
	return engineFixture{engine: engine, registry: registry, layout: layout, chunks: chunks}
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func encryptWhole(t *testing.T, plain []byte, password string) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, encryptor.EncryptStream(bytes.NewReader(plain), &out, encryptor.DeriveKey(password)))
	return out.Bytes()
}

func streamReq(id, name string, total int64, sum string) StreamRequest {
	return StreamRequest{TransferID: id, FileName: name, TotalBytes: total, Checksum: sum, ResumeOffset: -1}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestIngestStreamPlain(t *testing.T) {
	f := newEngine(t, "", 0)
	data := randomPayload(t, 100*1024+3)
	sum := checksum.DigestBytes(data)

	res, err := f.engine.IngestStream(context.Background(), streamReq("s1", "plain.bin", int64(len(data)), sum), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.layout.ReceivedDir, "plain.bin"), res.FilePath)
	assert.Equal(t, data, readFile(t, res.FilePath))

	snap, ok := f.registry.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.EqualValues(t, len(data), snap.BytesWritten)
	assert.Equal(t, res.FilePath, snap.FilePath)
}

func TestIngestStreamEmptyFile(t *testing.T) {
	f := newEngine(t, "", 0)
	res, err := f.engine.IngestStream(context.Background(), streamReq("s0", "empty.txt", 0, checksum.DigestBytes(nil)), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, readFile(t, res.FilePath))

	snap, _ := f.registry.Snapshot("s0")
	assert.Equal(t, status.StateCompleted, snap.State)
}

func TestIngestStreamResumesAtAnyOffset(t *testing.T) {
	data := randomPayload(t, 70*1000+11)
	sum := checksum.DigestBytes(data)
	n := int64(len(data))

	for _, k := range []int64{1, 15, 16, 4096, 32*1024 + 1, n / 2, n - 1} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			f := newEngine(t, "", 0)
			ctx := context.Background()

			_, err := f.engine.IngestStream(ctx, streamReq("r1", "resume.bin", n, sum), bytes.NewReader(data[:k]))
			require.ErrorIs(t, err, ErrIncompleteStream)

			snap, _ := f.registry.Snapshot("r1")
			assert.Equal(t, status.StateFailed, snap.State)
			assert.EqualValues(t, k, snap.BytesWritten)

			point, err := f.engine.ResumePoint("resume.bin", false, n)
			require.NoError(t, err)
			assert.Equal(t, k, point.DurableBytes)
			assert.Equal(t, k, point.ResumeFrom)

			req := streamReq("r2", "resume.bin", n, sum)
			req.ResumeOffset = k
			res, err := f.engine.IngestStream(ctx, req, bytes.NewReader(data[k:]))
			require.NoError(t, err)
			assert.Equal(t, k, res.ResumedFrom)
			assert.Equal(t, data, readFile(t, res.FilePath))

			snap, _ = f.registry.Snapshot("r2")
			assert.Equal(t, status.StateCompleted, snap.State)
			assert.Equal(t, k, snap.ResumeOffset)
		})
	}
}

func TestIngestStreamEncryptedResume(t *testing.T) {
	data := randomPayload(t, 50*1000+7)
	sum := checksum.DigestBytes(data)
	ct := encryptWhole(t, data, "p1")
	n := int64(len(data))

	for _, k := range []int{5, 16, 17, 16 + 5007, len(ct) / 2, len(ct) - 1} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			f := newEngine(t, "p1", 0)
			ctx := context.Background()

			req := streamReq("e1", "secret.bin", n, sum)
			req.Encrypted = true
			_, err := f.engine.IngestStream(ctx, req, bytes.NewReader(ct[:k]))
			require.ErrorIs(t, err, ErrIncompleteStream)

			point, err := f.engine.ResumePoint("secret.bin", true, n)
			require.NoError(t, err)
			assert.Zero(t, point.DurableBytes%16)
			if point.DurableBytes > 0 {
				assert.Equal(t, point.DurableBytes+encryptor.IVSize, point.ResumeFrom)
			} else {
				assert.Zero(t, point.ResumeFrom)
			}
			assert.LessOrEqual(t, point.ResumeFrom, int64(k))

			req.TransferID = "e2"
			req.ResumeOffset = point.ResumeFrom
			res, err := f.engine.IngestStream(ctx, req, bytes.NewReader(ct[point.ResumeFrom:]))
			require.NoError(t, err)
			assert.Equal(t, data, readFile(t, res.FilePath))

			_, err = os.Stat(filepath.Join(f.layout.TmpDir, "secret.bin.cbc"))
			assert.True(t, errors.Is(err, os.ErrNotExist), "sidecar must be removed after completion")

			snap, _ := f.registry.Snapshot("e2")
			assert.Equal(t, status.StateCompleted, snap.State)
			assert.True(t, snap.Encrypted)
			assert.NotEmpty(t, snap.KeyFingerprint)
		})
	}
}

func TestIngestStreamEncryptedWithoutSidecarRestarts(t *testing.T) {
	f := newEngine(t, "p1", 0)
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.ReceivedDir, "x.bin"), []byte("stale partial"), 0644))

	point, err := f.engine.ResumePoint("x.bin", true, 1000)
	require.NoError(t, err)
	assert.Zero(t, point.ResumeFrom)

	data := randomPayload(t, 1000)
	req := streamReq("x", "x.bin", 1000, checksum.DigestBytes(data))
	req.Encrypted = true
	req.ResumeOffset = 0
	res, err := f.engine.IngestStream(context.Background(), req, bytes.NewReader(encryptWhole(t, data, "p1")))
	require.NoError(t, err)
	assert.Equal(t, data, readFile(t, res.FilePath))
}

func TestIngestStreamResumeMismatch(t *testing.T) {
	f := newEngine(t, "", 0)
	data := randomPayload(t, 4000)
	ctx := context.Background()

	_, err := f.engine.IngestStream(ctx, streamReq("m1", "m.bin", 4000, ""), bytes.NewReader(data[:1000]))
	require.ErrorIs(t, err, ErrIncompleteStream)

	req := streamReq("m2", "m.bin", 4000, "")
	req.ResumeOffset = 0
	_, err = f.engine.IngestStream(ctx, req, bytes.NewReader(data))
	require.ErrorIs(t, err, ErrResumeMismatch)

	var mismatch *ResumeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.EqualValues(t, 1000, mismatch.ResumeFrom)
	assert.Len(t, readFile(t, filepath.Join(f.layout.ReceivedDir, "m.bin")), 1000, "a rejected attempt must not touch the file")
}

func TestIngestStreamTooLongIsTruncated(t *testing.T) {
	f := newEngine(t, "", 0)
	_, err := f.engine.IngestStream(context.Background(), streamReq("l1", "long.bin", 10, ""), bytes.NewReader(make([]byte, 20)))
	require.ErrorIs(t, err, ErrStreamTooLong)

	size, err := storage.FileSize(filepath.Join(f.layout.ReceivedDir, "long.bin"))
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestIngestStreamLargerFileRestarts(t *testing.T) {
	f := newEngine(t, "", 0)
	dest := filepath.Join(f.layout.ReceivedDir, "big.bin")
	require.NoError(t, os.WriteFile(dest, make([]byte, 200), 0644))

	data := randomPayload(t, 100)
	res, err := f.engine.IngestStream(context.Background(), streamReq("b1", "big.bin", 100, checksum.DigestBytes(data)), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Zero(t, res.ResumedFrom)
	assert.Equal(t, data, readFile(t, dest))
}

func TestIngestStreamChecksumMismatchNeverCompletes(t *testing.T) {
	f := newEngine(t, "", 0)
	data := randomPayload(t, 2048)
	wrong := checksum.DigestBytes([]byte("something else"))

	_, err := f.engine.IngestStream(context.Background(), streamReq("c1", "c.bin", 2048, wrong), bytes.NewReader(data))
	require.ErrorIs(t, err, checksum.ErrChecksumMismatch)

	_, statErr := os.Stat(filepath.Join(f.layout.ReceivedDir, "c.bin"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	snap, _ := f.registry.Snapshot("c1")
	assert.Equal(t, status.StateFailed, snap.State)
	assert.Less(t, snap.BytesWritten, snap.TotalBytes)
}

func TestIngestStreamWrongPasswordRemovesGarbage(t *testing.T) {
	f := newEngine(t, "p2", 0)
	data := randomPayload(t, 3000)
	req := streamReq("w1", "w.bin", 3000, checksum.DigestBytes(data))
	req.Encrypted = true

	_, err := f.engine.IngestStream(context.Background(), req, bytes.NewReader(encryptWhole(t, data, "p1")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, encryptor.ErrWrongPassword) || errors.Is(err, checksum.ErrChecksumMismatch), err.Error())

	_, statErr := os.Stat(filepath.Join(f.layout.ReceivedDir, "w.bin"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestIngestStreamEncryptedNeedsPassword(t *testing.T) {
	f := newEngine(t, "", 0)
	req := streamReq("n1", "n.bin", 10, "")
	req.Encrypted = true
	_, err := f.engine.IngestStream(context.Background(), req, bytes.NewReader(nil))
	require.ErrorIs(t, err, encryptor.ErrEmptyPassword)
}

func TestIngestStreamRejectsBadInput(t *testing.T) {
	f := newEngine(t, "", 0)
	ctx := context.Background()

	for name, req := range map[string]StreamRequest{
		"traversal":      streamReq("i1", "../etc/passwd", 1, ""),
		"slash":          streamReq("i1", "dir/file", 1, ""),
		"empty name":     streamReq("i1", "", 1, ""),
		"missing id":     streamReq("", "ok.txt", 1, ""),
		"negative total": streamReq("i1", "ok.txt", -5, ""),
		"bad checksum":   streamReq("i1", "ok.txt", 1, "xyz"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.IngestStream(ctx, req, bytes.NewReader([]byte("a")))
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	entries, err := os.ReadDir(f.layout.ReceivedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestStreamBusy(t *testing.T) {
	f := newEngine(t, "", 0)
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.IngestStream(context.Background(), streamReq("b1", "busy.bin", 100, ""), pr)
		done <- err
	}()
	// Once the write returns the first upload is reading, so it holds the file.
	_, err := pw.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = f.engine.IngestStream(context.Background(), streamReq("b2", "busy.bin", 100, ""), bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrTransferBusy)

	pw.CloseWithError(errors.New("connection reset"))
	require.Error(t, <-done)
	size, err := storage.FileSize(filepath.Join(f.layout.ReceivedDir, "busy.bin"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, size, "partial bytes survive a broken stream")
}

func chunkReq(id, name string, index int, total int64, totalChunks int, sum string) ChunkRequest {
	return ChunkRequest{TransferID: id, FileName: name, ChunkIndex: index, TotalBytes: total, TotalChunks: totalChunks, Checksum: sum}
}

func split(data []byte, size int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		out = append(out, data[off:end])
	}
	return out
}

func TestIngestChunkEndToEndEncrypted(t *testing.T) {
	const chunkSize = 256 * 1024
	f := newEngine(t, "p1", chunkSize)
	data := randomPayload(t, 10*1024*1024)
	sum := checksum.DigestBytes(data)
	parts := split(data, chunkSize)
	require.Len(t, parts, 40)

	sealed := make([][]byte, len(parts))
	for i, p := range parts {
		var err error
		sealed[i], err = encryptor.EncryptBuffer(p, "p1")
		require.NoError(t, err)
	}

	// Two swapped pairs and three duplicated indices, none of them last.
	order := make([]int, 0, 43)
	for i := 0; i < 40; i++ {
		order = append(order, i)
		if i == 3 || i == 10 || i == 30 {
			order = append(order, i)
		}
	}
	swap := func(a, b int) {
		ia, ib := -1, -1
		for pos, v := range order {
			if v == a && ia < 0 {
				ia = pos
			}
			if v == b && ib < 0 {
				ib = pos
			}
		}
		order[ia], order[ib] = order[ib], order[ia]
	}
	swap(5, 6)
	swap(20, 21)

	merged := 0
	var finalPath string
	for _, idx := range order {
		req := chunkReq("e2e", "big.bin", idx, int64(len(data)), 0, sum)
		req.Encrypted = true
		res, err := f.engine.IngestChunk(context.Background(), req, sealed[idx])
		require.NoError(t, err, "chunk %d", idx)
		if res.Result == ResultMerged {
			merged++
			finalPath = res.FilePath
		}
	}
	require.Equal(t, 1, merged)

	got, err := checksum.DigestFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, sum, got)

	snap, ok := f.registry.Snapshot("e2e")
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, 40, snap.CompletedChunks)
	assert.Empty(t, snap.MissingChunks)

	left, err := f.chunks.Indices("e2e")
	require.NoError(t, err)
	assert.Empty(t, left, "chunk files are discarded after merge")
}

func TestIngestChunkMarkingIsIdempotent(t *testing.T) {
	f := newEngine(t, "", 0)
	data := []byte("aaaabbbbcc")
	parts := split(data, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.engine.IngestChunk(ctx, chunkReq("i1", "idem.txt", 1, 10, 3, ""), parts[1])
		require.NoError(t, err)
		assert.Equal(t, 1, res.CompletedChunks)
		assert.Equal(t, ResultChunkStored, res.Result)
	}

	// A late index 0 joins the live transfer instead of resetting it.
	res, err := f.engine.IngestChunk(ctx, chunkReq("i1", "idem.txt", 0, 10, 3, ""), parts[0])
	require.NoError(t, err)
	assert.Equal(t, 2, res.CompletedChunks)

	res, err = f.engine.IngestChunk(ctx, chunkReq("i1", "idem.txt", 2, 10, 3, ""), parts[2])
	require.NoError(t, err)
	assert.Equal(t, ResultMerged, res.Result)
	assert.Equal(t, data, readFile(t, res.FilePath))
	mergedPath := res.FilePath

	// Chunks resent after the merge are dropped without touching the result.
	for _, idx := range []int{1, 0} {
		res, err = f.engine.IngestChunk(ctx, chunkReq("i1", "idem.txt", idx, 10, 3, ""), []byte("zzzz"))
		require.NoError(t, err, "index %d", idx)
		assert.Equal(t, ResultChunkStored, res.Result)
		assert.Equal(t, 3, res.CompletedChunks)
		assert.Equal(t, 3, res.TotalChunks)
		assert.EqualValues(t, 10, res.PersistedBytes)
		assert.Equal(t, mergedPath, res.FilePath)
	}

	snap, ok := f.registry.Snapshot("i1")
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, 3, snap.CompletedChunks)
	assert.Equal(t, data, readFile(t, mergedPath))
	left, err := f.chunks.Indices("i1")
	require.NoError(t, err)
	assert.Empty(t, left, "no chunk file is left behind")
}

func TestIngestChunkMergeOnce(t *testing.T) {
	f := newEngine(t, "", 0)
	data := randomPayload(t, 4*1024)
	parts := split(data, 1024)
	sum := checksum.DigestBytes(data)
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		id := fmt.Sprintf("race-%d", round)
		name := fmt.Sprintf("race-%d.bin", round)
		for _, idx := range []int{0, 1} {
			_, err := f.engine.IngestChunk(ctx, chunkReq(id, name, idx, 4096, 4, sum), parts[idx])
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make([]string, 2)
		errs := make([]error, 2)
		for slot, idx := range []int{2, 3} {
			wg.Add(1)
			go func(slot, idx int) {
				defer wg.Done()
				<-start
				res, err := f.engine.IngestChunk(ctx, chunkReq(id, name, idx, 4096, 4, sum), parts[idx])
				results[slot], errs[slot] = res.Result, err
			}(slot, idx)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.ElementsMatch(t, []string{ResultMerged, ResultChunkStored}, results, "round %d", round)
		assert.Equal(t, data, readFile(t, filepath.Join(f.layout.ReceivedDir, name)))
	}
}

func TestIngestChunkRejectsBeforeIO(t *testing.T) {
	f := newEngine(t, "", 0)
	ctx := context.Background()

	_, err := f.engine.IngestChunk(ctx, chunkReq("o1", "o.bin", 5, 100, 5, ""), []byte("x"))
	require.ErrorIs(t, err, ErrChunkIndexOutOfRange)

	_, err = f.engine.IngestChunk(ctx, chunkReq("o1", "o.bin", 0, 0, 1, ""), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.engine.IngestChunk(ctx, chunkReq("o1", "o.bin", -1, 100, 5, ""), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidInput)

	indices, err := f.chunks.Indices("o1")
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestIngestChunkEstimatesCount(t *testing.T) {
	f := newEngine(t, "", 4)
	data := []byte("0123456789")
	var last ChunkResult
	for i, p := range split(data, 4) {
		res, err := f.engine.IngestChunk(context.Background(), chunkReq("est", "est.txt", i, 10, 0, ""), p)
		require.NoError(t, err)
		assert.Equal(t, 3, res.TotalChunks)
		last = res
	}
	assert.Equal(t, ResultMerged, last.Result)
}

func TestIngestChunkChecksumMismatchFails(t *testing.T) {
	f := newEngine(t, "", 0)
	ctx := context.Background()
	wrong := checksum.DigestBytes([]byte("nope"))

	_, err := f.engine.IngestChunk(ctx, chunkReq("x1", "x.txt", 0, 4, 2, wrong), []byte("ab"))
	require.NoError(t, err)
	_, err = f.engine.IngestChunk(ctx, chunkReq("x1", "x.txt", 1, 4, 2, wrong), []byte("cd"))
	require.ErrorIs(t, err, checksum.ErrChecksumMismatch)

	_, statErr := os.Stat(filepath.Join(f.layout.ReceivedDir, "x.txt"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	snap, _ := f.registry.Snapshot("x1")
	assert.Equal(t, status.StateFailed, snap.State)

	// The failure sticks until the id is discarded.
	_, err = f.engine.IngestChunk(ctx, chunkReq("x1", "x.txt", 0, 4, 2, ""), []byte("ab"))
	require.ErrorIs(t, err, ErrTransferClosed)
	snap, _ = f.registry.Snapshot("x1")
	assert.Equal(t, status.StateFailed, snap.State)

	f.registry.Forget("x1")
	require.NoError(t, f.engine.Discard("x1"))
	_, err = f.engine.IngestChunk(ctx, chunkReq("x1", "x.txt", 0, 4, 2, ""), []byte("ab"))
	require.NoError(t, err)
	snap, _ = f.registry.Snapshot("x1")
	assert.Equal(t, status.StateInProgress, snap.State)
}

func TestIngestChunkUndecryptableFails(t *testing.T) {
	f := newEngine(t, "p1", 0)
	req := chunkReq("u1", "u.bin", 0, 10, 1, "")
	req.Encrypted = true
	_, err := f.engine.IngestChunk(context.Background(), req, []byte("not a ciphertext"))
	require.ErrorIs(t, err, encryptor.ErrWrongPassword)

	snap, _ := f.registry.Snapshot("u1")
	assert.Equal(t, status.StateFailed, snap.State)
}
