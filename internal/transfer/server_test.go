package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	engineFixture
	meta   *metadata.MetadataStore
	server *httptest.Server
	client *Client
}

func newTestServer(t *testing.T, password string) serverFixture {
	t.Helper()
	f := newEngine(t, password, 64*1024)
	meta, err := metadata.OpenMetadataStore("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	srv := httptest.NewServer(NewServer(f.engine, ServerOptions{Meta: meta}).Handler())
	t.Cleanup(srv.Close)
	return serverFixture{
		engineFixture: f,
		meta:          meta,
		server:        srv,
		client:        NewClient(srv.URL, ClientOptions{UserName: "alice"}),
	}
}

func writePayload(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestServerHandshakeThenStream(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 200*1024)
	offer := Offer{
		TransferID: "hs-1",
		FileName:   "report.bin",
		Path:       writePayload(t, data),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes(data),
	}
	method := NewHTTPMethod(s.client, nil)

	from, err := method.Handshake(ctx, offer)
	require.NoError(t, err)
	assert.Zero(t, from)

	snap, err := s.client.Status(ctx, "hs-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatePending, snap.State)
	assert.Equal(t, "alice", snap.UserName)

	require.NoError(t, method.Send(ctx, offer))

	snap, err = s.client.Status(ctx, "hs-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, "http", snap.Protocol)
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "report.bin")))

	latest, err := s.client.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "hs-1", latest.TransferID)

	history, err := s.client.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, metadata.DirectionReceived, history[0].Direction)
	assert.Equal(t, string(status.StateCompleted), history[0].State)
	assert.Equal(t, "alice", history[0].Peer)
}

func TestServerStreamResumesAfterInterruption(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 300*1024+9)
	offer := Offer{TransferID: "res-2", FileName: "resume.bin", Path: writePayload(t, data), TotalBytes: int64(len(data)), Checksum: checksum.DigestBytes(data)}

	_, err := s.engine.IngestStream(ctx, streamReq("res-1", "resume.bin", int64(len(data)), offer.Checksum), bytes.NewReader(data[:123457]))
	require.ErrorIs(t, err, ErrIncompleteStream)

	method := NewHTTPMethod(s.client, nil)
	offset, err := method.ResumeOffset(ctx, offer)
	require.NoError(t, err)
	assert.EqualValues(t, 123457, offset)

	require.NoError(t, method.Send(ctx, offer))
	snap, err := s.client.Status(ctx, "res-2")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.EqualValues(t, 123457, snap.ResumeOffset)
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "resume.bin")))
}

func TestServerEncryptedStreamResumes(t *testing.T) {
	s := newTestServer(t, "p1")
	ctx := context.Background()
	data := randomPayload(t, 150*1024+3)
	ct := encryptWhole(t, data, "p1")
	offer := Offer{
		TransferID: "enc-2",
		FileName:   "secret.bin",
		Path:       writePayload(t, ct),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes(data),
		Encrypted:  true,
	}

	req := streamReq("enc-1", "secret.bin", offer.TotalBytes, offer.Checksum)
	req.Encrypted = true
	_, err := s.engine.IngestStream(ctx, req, bytes.NewReader(ct[:70001]))
	require.ErrorIs(t, err, ErrIncompleteStream)

	method := NewHTTPMethod(s.client, nil)
	offset, err := method.ResumeOffset(ctx, offer)
	require.NoError(t, err)
	assert.Greater(t, offset, int64(encryptor.IVSize))
	assert.Zero(t, (offset-encryptor.IVSize)%16)

	require.NoError(t, method.Send(ctx, offer))
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "secret.bin")))

	snap, err := s.client.Status(ctx, "enc-2")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.True(t, snap.Encrypted)
}

func TestServerChunkedEncryptedSend(t *testing.T) {
	s := newTestServer(t, "p1")
	ctx := context.Background()
	data := randomPayload(t, 1024*1024+13)
	offer := Offer{
		TransferID: "chunk-1",
		FileName:   "chunked.bin",
		Path:       writePayload(t, data),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes(data),
		Encrypted:  true,
		Chunked:    true,
		ChunkSize:  64 * 1024,
		Password:   "p1",
		Workers:    4,
	}
	method := NewHTTPMethod(s.client, nil)

	from, err := method.Handshake(ctx, offer)
	require.NoError(t, err)
	assert.Zero(t, from)
	require.NoError(t, method.Send(ctx, offer))

	snap, err := s.client.Status(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, 17, snap.TotalChunks)
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "chunked.bin")))
}

func TestServerChunkedSendFillsGaps(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 5*1000)
	offer := Offer{
		TransferID: "gaps",
		FileName:   "gaps.bin",
		Path:       writePayload(t, data),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes(data),
		Chunked:    true,
		ChunkSize:  1000,
	}
	parts := split(data, 1000)
	for _, idx := range []int{0, 3} {
		resp, err := s.client.UploadChunk(ctx, offer, idx, 5, parts[idx])
		require.NoError(t, err)
		assert.Equal(t, ResultChunkStored, resp.Result)
	}

	snap, err := s.client.Status(ctx, "gaps")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, snap.MissingChunks)

	require.NoError(t, NewHTTPMethod(s.client, nil).Send(ctx, offer))
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "gaps.bin")))
}

func TestServerEmptyChunkedOfferRejected(t *testing.T) {
	s := newTestServer(t, "")
	offer := Offer{TransferID: "e", FileName: "e.bin", Path: writePayload(t, nil), Chunked: true}
	err := NewHTTPMethod(s.client, nil).Send(context.Background(), offer)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestServerEmptyStream(t *testing.T) {
	s := newTestServer(t, "")
	offer := Offer{TransferID: "zero", FileName: "zero.txt", Path: writePayload(t, nil), Checksum: checksum.DigestBytes(nil)}
	require.NoError(t, NewHTTPMethod(s.client, nil).Send(context.Background(), offer))
	assert.Empty(t, readFile(t, filepath.Join(s.layout.ReceivedDir, "zero.txt")))
}

func TestServerErrorsSurfaceAsSentinels(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 4096)
	offer := Offer{TransferID: "err-2", FileName: "err.bin", Path: writePayload(t, data), TotalBytes: 4096}

	_, err := s.engine.IngestStream(ctx, streamReq("err-1", "err.bin", 4096, ""), bytes.NewReader(data[:100]))
	require.ErrorIs(t, err, ErrIncompleteStream)

	_, err = s.client.UploadStream(ctx, offer, 0)
	require.ErrorIs(t, err, ErrResumeMismatch)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.NotNil(t, apiErr.Response.ResumeFrom)
	assert.EqualValues(t, 100, *apiErr.Response.ResumeFrom)

	_, err = s.client.Handshake(ctx, HandshakeRequest{TransferID: "x", FileName: "../escape", TotalBytes: 1})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.client.Status(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	wrong := offer
	wrong.TransferID = "err-3"
	wrong.FileName = "other.bin"
	wrong.Checksum = checksum.DigestBytes([]byte("different"))
	_, err = s.client.UploadStream(ctx, wrong, 0)
	require.ErrorIs(t, err, checksum.ErrChecksumMismatch)
	_, statErr := os.Stat(filepath.Join(s.layout.ReceivedDir, "other.bin"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestServerDownloadResumes(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 90*1024+1)
	require.NoError(t, os.WriteFile(filepath.Join(s.layout.ReceivedDir, "share.bin"), data, 0644))
	sum := checksum.DigestBytes(data)

	remote, err := s.client.RemoteChecksum(ctx, "share.bin")
	require.NoError(t, err)
	assert.Equal(t, sum, remote)

	dest := filepath.Join(t.TempDir(), "share.bin")
	require.NoError(t, os.WriteFile(dest, data[:1000], 0644))

	got, err := s.client.Download(ctx, "share.bin", dest)
	require.NoError(t, err)
	assert.True(t, got.Resumed)
	assert.Equal(t, int64(len(data)), got.Bytes)
	assert.Equal(t, sum, got.Checksum)
	assert.Equal(t, data, readFile(t, dest))

	// Already complete: the server answers 206 with an empty range.
	again, err := s.client.Download(ctx, "share.bin", dest)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, data, readFile(t, dest))

	_, err = s.client.Download(ctx, "missing.bin", filepath.Join(t.TempDir(), "m"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServerDownloadHeaders(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(s.layout.ReceivedDir, "h.txt"), []byte("0123456789"), 0644))

	for _, tc := range []struct {
		rangeHeader  string
		code         int
		contentRange string
		length       string
	}{
		{"", http.StatusOK, "", "10"},
		{"bytes=4-", http.StatusPartialContent, "bytes 4-9/10", "6"},
		{"bytes=10-", http.StatusPartialContent, "bytes */10", "0"},
		{"bytes=2-5", http.StatusOK, "", "10"},
	} {
		req, err := http.NewRequest(http.MethodHead, s.server.URL+EndpointDownload+"?name=h.txt", nil)
		require.NoError(t, err)
		if tc.rangeHeader != "" {
			req.Header.Set("Range", tc.rangeHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, tc.code, resp.StatusCode, tc.rangeHeader)
		assert.Equal(t, tc.contentRange, resp.Header.Get("Content-Range"), tc.rangeHeader)
		assert.Equal(t, tc.length, resp.Header.Get("Content-Length"), tc.rangeHeader)
		assert.Equal(t, checksum.DigestBytes([]byte("0123456789")), resp.Header.Get(HeaderFileChecksum))
		assert.NotEmpty(t, resp.Header.Get(HeaderTransferID))
		assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	}
}

func TestServerCancel(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()

	_, err := s.client.Handshake(ctx, HandshakeRequest{TransferID: "c-1", FileName: "c.bin", TotalBytes: 10})
	require.NoError(t, err)
	resp, err := s.client.Cancel(ctx, "c-1", false)
	require.NoError(t, err)
	assert.False(t, resp.Discarded)

	snap, err := s.client.Status(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, snap.State)
	assert.Equal(t, "cancelled", snap.Error)

	offer := Offer{TransferID: "c-2", FileName: "c2.bin", TotalBytes: 8, Chunked: true}
	_, err = s.client.UploadChunk(ctx, offer, 0, 2, []byte("abcd"))
	require.NoError(t, err)
	resp, err = s.client.Cancel(ctx, "c-2", true)
	require.NoError(t, err)
	assert.True(t, resp.Discarded)

	_, err = s.client.Status(ctx, "c-2")
	require.ErrorIs(t, err, ErrNotFound)
	indices, err := s.chunks.Indices("c-2")
	require.NoError(t, err)
	assert.Empty(t, indices)

	_, err = s.client.Cancel(ctx, "never", false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServerRejectsWrongMethods(t *testing.T) {
	s := newTestServer(t, "")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, EndpointUpload},
		{http.MethodPost, EndpointStatus},
		{http.MethodGet, EndpointHandshake},
		{http.MethodDelete, EndpointDownload},
	} {
		req, err := http.NewRequest(tc.method, s.server.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, tc.path)
	}
}

func TestZeroTierMethodValidatesNetwork(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", ClientOptions{})
	_, err := NewZeroTierMethod("not-hex", client, nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	m, err := NewZeroTierMethod("8056c2e21c000001", client, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeZeroTier, m.Mode())
}

func TestServerChunkedResendAfterCompletion(t *testing.T) {
	s := newTestServer(t, "")
	var uploads atomic.Int32
	handler := NewServer(s.engine, ServerOptions{}).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EndpointUpload {
			uploads.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, ClientOptions{})

	ctx := context.Background()
	data := randomPayload(t, 5*1000)
	offer := Offer{
		TransferID: "late",
		FileName:   "late.bin",
		Path:       writePayload(t, data),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes(data),
		Chunked:    true,
		ChunkSize:  1000,
	}
	require.NoError(t, NewHTTPMethod(client, nil).Send(ctx, offer))
	require.EqualValues(t, 5, uploads.Load())

	// The final response got lost and the sender retries the same id.
	require.NoError(t, NewHTTPMethod(client, nil).Send(ctx, offer))
	assert.EqualValues(t, 5, uploads.Load(), "nothing is resent once the server reports COMPLETED")

	// A straggler for index 0 is acknowledged and dropped.
	resp, err := client.UploadChunk(ctx, offer, 0, 5, []byte("garbage"))
	require.NoError(t, err)
	assert.Equal(t, ResultChunkStored, resp.Result)

	snap, err := client.Status(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, 5, snap.CompletedChunks)
	left, err := s.chunks.Indices("late")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "late.bin")))
}

func TestServerChunkedResendAfterFailureDiscardsFirst(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	data := randomPayload(t, 3*1000)
	offer := Offer{
		TransferID: "retry",
		FileName:   "retry.bin",
		Path:       writePayload(t, data),
		TotalBytes: int64(len(data)),
		Checksum:   checksum.DigestBytes([]byte("stale")),
		Chunked:    true,
		ChunkSize:  1000,
		Workers:    1,
	}
	err := NewHTTPMethod(s.client, nil).Send(ctx, offer)
	require.ErrorIs(t, err, checksum.ErrChecksumMismatch)
	snap, err := s.client.Status(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, snap.State)

	offer.Checksum = checksum.DigestBytes(data)
	require.NoError(t, NewHTTPMethod(s.client, nil).Send(ctx, offer))
	snap, err = s.client.Status(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, status.StateCompleted, snap.State)
	assert.Equal(t, data, readFile(t, filepath.Join(s.layout.ReceivedDir, "retry.bin")))
}

func TestServerDownloadIgnoresClientTransferID(t *testing.T) {
	s := newTestServer(t, "")
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(s.layout.ReceivedDir, "shared.txt"), []byte("shared"), 0644))

	offer := Offer{TransferID: "up-1", FileName: "up.bin", TotalBytes: 8, Chunked: true}
	_, err := s.client.UploadChunk(ctx, offer, 0, 2, []byte("abcd"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, s.server.URL+EndpointDownload+"?name=shared.txt", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderTransferID, "up-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	served := resp.Header.Get(HeaderTransferID)
	assert.NotEqual(t, "up-1", served)
	assert.True(t, strings.HasPrefix(served, downloadIDPrefix), served)

	snap, err := s.client.Status(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateInProgress, snap.State)
	assert.Equal(t, "up.bin", snap.FileName)
	assert.Equal(t, 1, snap.CompletedChunks)
	assert.Equal(t, []int{1}, snap.MissingChunks)

	_, err = s.client.UploadChunk(ctx, offer, 1, 2, []byte("efgh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), readFile(t, filepath.Join(s.layout.ReceivedDir, "up.bin")))
}
