package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/DisktroSync/internal/compressor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

// maxChunkBody bounds one chunk request: the largest chunk size plus
// the IV and a padding block.
const maxChunkBody = 64*1024*1024 + 32

const downloadIDPrefix = "download-"

// ServerOptions configures a Server.
type ServerOptions struct {
	Port int
	// Meta, when set, receives an audit record for every finished upload.
	Meta *metadata.MetadataStore
	// DecompressReceived expands .lz4 uploads after they complete.
	DecompressReceived bool
	ReadHeaderTimeout  time.Duration
}

// Server represents the HTTP server for receiving file transfers
type Server struct {
	engine   *IngestEngine
	serving  *RangeServer
	registry *status.Registry
	opts     ServerOptions
}

// NewServer creates a new transfer server
func NewServer(engine *IngestEngine, opts ServerOptions) *Server {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	return &Server{
		engine:   engine,
		serving:  NewRangeServer(engine.Registry()),
		registry: engine.Registry(),
		opts:     opts,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointUpload, s.handleUpload)
	mux.HandleFunc(EndpointStatus, s.handleStatus)
	mux.HandleFunc(EndpointDownload, s.handleDownload)
	mux.HandleFunc(EndpointHandshake, s.handleHandshake)
	mux.HandleFunc(EndpointResume, s.handleResume)
	mux.HandleFunc(EndpointHistory, s.handleHistory)
	mux.HandleFunc(EndpointCancel, s.handleCancel)
	return withRequestID(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log.Infof("Transfer server starting on port %d", s.opts.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logging.Log.Info("Transfer server shutting down")
		return server.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next.ServeHTTP(rec, r)

		entry := logging.Log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		if id := r.Header.Get(HeaderTransferID); id != "" {
			entry = entry.WithField("transfer_id", id)
		}
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request served")
		}
	})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, errorResponseFor(err))
}

func parseInt64Header(r *http.Request, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidInput, name)
	}
	return v, nil
}

func parseBoolValue(raw string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && b
}

// handleUpload handles POST /api/v1/transfer/upload. The presence of
// X-Chunk-Index selects chunk mode.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	totalBytes, err := parseInt64Header(r, HeaderTotalBytes, -1)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var (
		id        = r.Header.Get(HeaderTransferID)
		fileName  = r.Header.Get(HeaderFileName)
		sum       = strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderChecksum)))
		encrypted = parseBoolValue(r.Header.Get(HeaderEncrypted))
		userName  = r.Header.Get(HeaderUserName)
		protocol  = r.Header.Get(HeaderProtocol)
	)

	if r.Header.Get(HeaderChunkIndex) != "" {
		index, err := parseInt64Header(r, HeaderChunkIndex, 0)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		totalChunks, err := parseInt64Header(r, HeaderTotalChunks, 0)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBody))
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, "Failed to read chunk data")
			return
		}

		res, err := s.engine.IngestChunk(r.Context(), ChunkRequest{
			TransferID:  id,
			FileName:    fileName,
			ChunkIndex:  int(index),
			TotalBytes:  totalBytes,
			TotalChunks: int(totalChunks),
			Checksum:    sum,
			Encrypted:   encrypted,
			Protocol:    protocol,
			UserName:    userName,
		}, data)
		if err != nil {
			s.auditFailure(id)
			writeEngineError(w, err)
			return
		}
		path := res.FilePath
		if res.Result == ResultMerged {
			path = s.finish(id, path)
		}
		chunkIndex := res.ChunkIndex
		WriteJSONResponse(w, http.StatusOK, UploadResponse{
			TransferID:      id,
			Result:          res.Result,
			ChunkIndex:      &chunkIndex,
			CompletedChunks: res.CompletedChunks,
			TotalChunks:     res.TotalChunks,
			BytesWritten:    res.PersistedBytes,
			FilePath:        path,
		})
		return
	}

	resumeOffset, err := parseInt64Header(r, HeaderResumeOffset, -1)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := s.engine.IngestStream(r.Context(), StreamRequest{
		TransferID:   id,
		FileName:     fileName,
		TotalBytes:   totalBytes,
		Checksum:     sum,
		Encrypted:    encrypted,
		ResumeOffset: resumeOffset,
		Protocol:     protocol,
		UserName:     userName,
	}, r.Body)
	if err != nil {
		s.auditFailure(id)
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, UploadResponse{
		TransferID:   id,
		Result:       ResultStreamed,
		BytesWritten: res.BytesWritten,
		FilePath:     s.finish(id, res.FilePath),
	})
}

// finish runs the post-receive steps of a completed upload and returns
// the path the file ends up at.
func (s *Server) finish(id, path string) string {
	log := logging.ForTransfer("server", id)
	if s.opts.DecompressReceived && compressor.IsCompressed(path) {
		out, err := compressor.DecompressFile(path)
		if err != nil {
			log.Warnf("failed to decompress %s: %v", filepath.Base(path), err)
		} else {
			path = out
		}
	}
	s.audit(id, path)
	return path
}

func (s *Server) audit(id, path string) {
	if s.opts.Meta == nil {
		return
	}
	snap, ok := s.registry.Snapshot(id)
	if !ok {
		return
	}
	if path == "" {
		path = snap.FilePath
	}
	rec := metadata.TransferRecord{
		TransferID:     snap.TransferID,
		FileName:       snap.FileName,
		FilePath:       path,
		TotalBytes:     snap.TotalBytes,
		Checksum:       snap.Checksum,
		Encrypted:      snap.Encrypted,
		KeyFingerprint: snap.KeyFingerprint,
		Protocol:       snap.Protocol,
		Peer:           snap.UserName,
		Direction:      metadata.DirectionReceived,
		State:          string(snap.State),
		Error:          snap.Error,
		CompletedAt:    snap.LastUpdated.Unix(),
	}
	if err := s.opts.Meta.PutTransfer(rec); err != nil {
		logging.ForTransfer("server", id).Warnf("failed to write audit record: %v", err)
	}
}

func (s *Server) auditFailure(id string) {
	if snap, ok := s.registry.Snapshot(id); ok && snap.State == status.StateFailed {
		s.audit(id, "")
	}
}

// handleStatus handles GET /api/v1/transfer/status. Without a transferId
// it reports the most recently started transfer.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var (
		snap status.Snapshot
		ok   bool
	)
	if id := r.URL.Query().Get("transferId"); id != "" {
		snap, ok = s.registry.Snapshot(id)
	} else {
		snap, ok = s.registry.Latest()
	}
	if !ok {
		WriteErrorResponse(w, http.StatusNotFound, "Transfer not found")
		return
	}
	WriteJSONResponse(w, http.StatusOK, snap)
}

// handleDownload handles GET and HEAD /api/v1/transfer/download?name=.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := r.URL.Query().Get("name")
	if err := ValidateFileName(name); err != nil {
		writeEngineError(w, err)
		return
	}
	path, err := s.engine.Layout().ReceivedPath(name)
	if err != nil {
		writeEngineError(w, fmt.Errorf("%w: %w", ErrInvalidInput, err))
		return
	}
	rangeHeader := r.Header.Get("Range")
	start, size, err := s.serving.Resolve(path, rangeHeader)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	sum, err := s.serving.Checksum(path)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// Downloads never take a client-supplied id so they cannot reset an upload.
	id := downloadIDPrefix + NewTransferID(name, sum)
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")
	h.Set(HeaderFileChecksum, sum)
	h.Set(HeaderTransferID, id)
	h.Set("Content-Length", strconv.FormatInt(size-start, 10))

	code := http.StatusOK
	if start > 0 {
		code = http.StatusPartialContent
		if start < size {
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		} else {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		}
	}
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := s.serving.Serve(r.Context(), id, path, rangeHeader, w); err != nil {
		logging.ForTransfer("server", id).Warnf("download interrupted: %v", err)
	}
}

// handleHandshake handles POST /api/v1/transfer/handshake
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req HandshakeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.Checksum = strings.ToLower(req.Checksum)
	if err := validateStruct(req); err != nil {
		writeEngineError(w, err)
		return
	}

	resume, err := s.engine.ResumePoint(req.FileName, req.Encrypted, req.TotalBytes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	snap := s.registry.Track(req.TransferID, status.Meta{
		FileName:       req.FileName,
		TotalBytes:     req.TotalBytes,
		Checksum:       req.Checksum,
		Encrypted:      req.Encrypted,
		KeyFingerprint: s.engine.fingerprint(req.Encrypted),
		Protocol:       protocolOr(req.Protocol),
		UserName:       req.UserName,
	})
	logging.ForTransfer("server", req.TransferID).WithFields(logrus.Fields{
		"file":        req.FileName,
		"total_bytes": req.TotalBytes,
		"resume_from": resume.ResumeFrom,
		"user":        req.UserName,
	}).Info("handshake accepted")

	WriteJSONResponse(w, http.StatusOK, HandshakeResponse{
		TransferID:   req.TransferID,
		State:        snap.State,
		DurableBytes: resume.DurableBytes,
		ResumeFrom:   resume.ResumeFrom,
	})
}

// handleResume handles GET /api/v1/transfer/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	total, err := strconv.ParseInt(q.Get("totalBytes"), 10, 64)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "totalBytes must be an integer")
		return
	}
	name := q.Get("fileName")
	resume, err := s.engine.ResumePoint(name, parseBoolValue(q.Get("encrypted")), total)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, ResumeResponse{
		FileName:     name,
		DurableBytes: resume.DurableBytes,
		ResumeFrom:   resume.ResumeFrom,
	})
}

// handleHistory handles GET /api/v1/transfer/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp := HistoryResponse{Transfers: []metadata.TransferRecord{}}
	if s.opts.Meta != nil {
		records, err := s.opts.Meta.ListTransfers(limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Transfers = records
	}
	WriteJSONResponse(w, http.StatusOK, resp)
}

// handleCancel handles POST /api/v1/transfer/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()
	id := q.Get("transferId")
	if id == "" {
		WriteErrorResponse(w, http.StatusBadRequest, "transferId is required")
		return
	}
	if _, ok := s.registry.Snapshot(id); !ok {
		WriteErrorResponse(w, http.StatusNotFound, "Transfer not found")
		return
	}

	s.registry.Fail(id, "cancelled")
	s.audit(id, "")
	discard := parseBoolValue(q.Get("discard"))
	if discard {
		s.registry.Forget(id)
		if err := s.engine.Discard(id); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	logging.ForTransfer("server", id).WithField("discard", discard).Info("transfer cancelled")

	WriteJSONResponse(w, http.StatusOK, CancelResponse{
		TransferID:  id,
		Discarded:   discard,
		CancelledAt: time.Now(),
	})
}
