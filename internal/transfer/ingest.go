package transfer

import (
	"bytes"
	"context"
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/chunker"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

const sidecarSize = 8 + encryptor.IVSize

// StreamRequest describes one continuous upload attempt.
type StreamRequest struct {
	TransferID string `validate:"required,max=300"`
	FileName   string `validate:"required,filename"`
	TotalBytes int64  `validate:"gte=0"`
	Checksum   string `validate:"omitempty,hexadecimal,len=64"`
	Encrypted  bool
	// ResumeOffset is the wire offset the client starts sending from,
	// or -1 when the client trusts the server to know.
	ResumeOffset int64  `validate:"gte=-1"`
	Protocol     string `validate:"omitempty,oneof=http zerotier s3"`
	UserName     string `validate:"omitempty,username"`
}

// ChunkRequest describes one indexed fragment.
type ChunkRequest struct {
	TransferID string `validate:"required,max=300"`
	FileName   string `validate:"required,filename"`
	ChunkIndex int    `validate:"gte=0"`
	TotalBytes int64  `validate:"gt=0"`
	// TotalChunks is estimated from TotalBytes when zero.
	TotalChunks int    `validate:"gte=0"`
	Checksum    string `validate:"omitempty,hexadecimal,len=64"`
	Encrypted   bool
	Protocol    string `validate:"omitempty,oneof=http zerotier s3"`
	UserName    string `validate:"omitempty,username"`
}

// StreamResult is a finished stream upload.
type StreamResult struct {
	TransferID   string
	FilePath     string
	BytesWritten int64
	ResumedFrom  int64
}

// ChunkResult is the outcome of one chunk upload.
type ChunkResult struct {
	TransferID      string
	Result          string
	ChunkIndex      int
	CompletedChunks int
	TotalChunks     int
	PersistedBytes  int64
	FilePath        string
}

// ResumeInfo is the durable state of a stream destination.
type ResumeInfo struct {
	DurableBytes int64
	ResumeFrom   int64
}

// EngineOptions configures an IngestEngine.
type EngineOptions struct {
	// ChunkSize estimates the chunk count when a request does not carry one.
	ChunkSize int
	// Password decrypts uploads flagged as encrypted.
	Password string
	KDF      encryptor.KeyDeriver
}

// IngestEngine persists uploaded bytes, either as one resumable stream
// appended to the destination or as indexed chunks merged once all of
// them are durable.
type IngestEngine struct {
	layout    storage.Layout
	chunks    storage.ChunkStore
	registry  *status.Registry
	chunkSize int

	password string
	kdf      encryptor.KeyDeriver
	keyOnce  sync.Once
	keyMu    sync.Mutex
	derived  []byte
	keyErr   error

	streams *keyedLocks
	merges  *keyedLocks
}

// NewIngestEngine creates an engine writing finished files to layout.
func NewIngestEngine(layout storage.Layout, chunks storage.ChunkStore, registry *status.Registry, opts EngineOptions) *IngestEngine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultChunkSize
	}
	if opts.KDF == nil {
		opts.KDF = encryptor.CyclicDeriver{}
	}
	return &IngestEngine{
		layout:    layout,
		chunks:    chunks,
		registry:  registry,
		chunkSize: opts.ChunkSize,
		password:  opts.Password,
		kdf:       opts.KDF,
		streams:   newKeyedLocks(),
		merges:    newKeyedLocks(),
	}
}

// Registry returns the registry the engine publishes to.
func (e *IngestEngine) Registry() *status.Registry { return e.registry }

// Layout returns the receiving directories.
func (e *IngestEngine) Layout() storage.Layout { return e.layout }

func (e *IngestEngine) key() ([]byte, error) {
	if e.password == "" {
		return nil, fmt.Errorf("%w: encrypted upload but no password configured", encryptor.ErrEmptyPassword)
	}
	e.keyOnce.Do(func() {
		e.derived, e.keyErr = e.kdf.DeriveKey(e.password)
	})
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	if e.keyErr != nil {
		return nil, e.keyErr
	}
	if e.derived == nil {
		return nil, errors.New("engine closed")
	}
	return e.derived, nil
}

// Close wipes the cached key.
func (e *IngestEngine) Close() {
	e.keyOnce.Do(func() {})
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	encryptor.Zero(e.derived)
	e.derived = nil
}

func (e *IngestEngine) fingerprint(encrypted bool) string {
	if !encrypted {
		return ""
	}
	key, err := e.key()
	if err != nil {
		return ""
	}
	return encryptor.Fingerprint(key)
}

func protocolOr(p string) string {
	if p == "" {
		return ModeHTTP.String()
	}
	return p
}

// publish reports written bytes, holding the final byte back so only a
// verified file reaches the total.
func (e *IngestEngine) publish(id string, written, total int64) {
	if total > 0 && written >= total {
		written = total - 1
	}
	e.registry.Progress(id, written)
}

type streamPosition struct {
	dest    string
	sidecar string
	durable int64
	chain   []byte
	restart bool
}

func (p streamPosition) wireOffset(encrypted bool) int64 {
	if encrypted && p.durable > 0 {
		return encryptor.IVSize + p.durable
	}
	return p.durable
}

// inspect works out how much of fileName is durable. A file larger than
// total, or an encrypted partial without a matching chain sidecar,
// cannot be continued and restarts from zero.
func (e *IngestEngine) inspect(fileName string, encrypted bool, total int64) (streamPosition, error) {
	dest, err := e.layout.ReceivedPath(fileName)
	if err != nil {
		return streamPosition{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	sidecar, err := e.layout.SidecarPath(fileName)
	if err != nil {
		return streamPosition{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	size, err := storage.FileSize(dest)
	if err != nil {
		return streamPosition{}, err
	}

	pos := streamPosition{dest: dest, sidecar: sidecar, durable: size}
	if size > total {
		pos.durable, pos.restart = 0, true
		return pos, nil
	}
	if encrypted && size > 0 {
		offset, chain, ok := readSidecar(sidecar)
		if !ok || offset != size {
			pos.durable, pos.restart = 0, true
			return pos, nil
		}
		pos.chain = chain
	}
	return pos, nil
}

// ResumePoint reports the durable bytes of fileName and the wire offset
// a stream upload should continue from.
func (e *IngestEngine) ResumePoint(fileName string, encrypted bool, total int64) (ResumeInfo, error) {
	if err := ValidateFileName(fileName); err != nil {
		return ResumeInfo{}, err
	}
	if total < 0 {
		return ResumeInfo{}, fmt.Errorf("%w: totalBytes must not be negative", ErrInvalidInput)
	}
	pos, err := e.inspect(fileName, encrypted, total)
	if err != nil {
		return ResumeInfo{}, err
	}
	return ResumeInfo{DurableBytes: pos.durable, ResumeFrom: pos.wireOffset(encrypted)}, nil
}

func readSidecar(path string) (int64, []byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) != sidecarSize {
		return 0, nil, false
	}
	offset := int64(binary.BigEndian.Uint64(data[:8]))
	return offset, append([]byte(nil), data[8:]...), true
}

func writeSidecar(path string, offset int64, chain []byte) error {
	buf := make([]byte, sidecarSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(offset))
	copy(buf[8:], chain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// progressWriter counts bytes on their way to the destination file and
// refuses anything past limit.
type progressWriter struct {
	w       io.Writer
	n       int64
	limit   int64
	onWrite func(n int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if p.n+int64(len(b)) > p.limit {
		return 0, ErrStreamTooLong
	}
	n, err := p.w.Write(b)
	p.n += int64(n)
	if n > 0 {
		p.onWrite(p.n)
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// cipherLength is the wire size of a padded CBC stream of plain bytes.
func cipherLength(plain int64) int64 {
	return encryptor.IVSize + (plain/aes.BlockSize+1)*aes.BlockSize
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, checksum.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("failed to read upload: %w", rerr)
		}
	}
}

// IngestStream appends body to the destination of req.FileName, resuming
// after whatever is already durable there. Encrypted bodies are one
// ciphertext with a single IV at byte 0. Partial bytes stay on disk when
// the stream breaks so the next attempt can continue.
func (e *IngestEngine) IngestStream(ctx context.Context, req StreamRequest, body io.Reader) (StreamResult, error) {
	if err := validateStruct(req); err != nil {
		return StreamResult{}, err
	}
	var key []byte
	if req.Encrypted {
		k, err := e.key()
		if err != nil {
			return StreamResult{}, err
		}
		key = k
	}

	unlock, ok := e.streams.TryLock(req.FileName)
	if !ok {
		return StreamResult{}, fmt.Errorf("%w: %s", ErrTransferBusy, req.FileName)
	}
	defer unlock()

	pos, err := e.inspect(req.FileName, req.Encrypted, req.TotalBytes)
	if err != nil {
		return StreamResult{}, err
	}
	wire := pos.wireOffset(req.Encrypted)
	if req.ResumeOffset >= 0 && req.ResumeOffset != wire {
		return StreamResult{}, &ResumeMismatchError{Got: req.ResumeOffset, ResumeFrom: wire}
	}

	id := req.TransferID
	log := logging.ForTransfer("ingest", id).WithFields(logrus.Fields{
		"file":      req.FileName,
		"mode":      "stream",
		"encrypted": req.Encrypted,
	})

	e.registry.BeginWith(id, status.Meta{
		FileName:       req.FileName,
		TotalBytes:     req.TotalBytes,
		Checksum:       req.Checksum,
		Encrypted:      req.Encrypted,
		KeyFingerprint: e.fingerprint(req.Encrypted),
		Protocol:       protocolOr(req.Protocol),
		UserName:       req.UserName,
	})
	e.registry.SetResumeOffset(id, pos.durable)
	e.publish(id, pos.durable, req.TotalBytes)

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if pos.restart {
		flags |= os.O_TRUNC
		log.Info("existing partial file cannot be continued, restarting from zero")
	} else if pos.durable > 0 {
		log.WithField("resume_offset", pos.durable).Info("resuming stream")
	}
	if pos.chain == nil {
		removeQuietly(pos.sidecar)
	}

	f, err := os.OpenFile(pos.dest, flags, 0644)
	if err != nil {
		e.registry.Fail(id, err.Error())
		return StreamResult{}, fmt.Errorf("failed to open destination: %w", err)
	}

	pw := &progressWriter{
		w:     f,
		limit: req.TotalBytes - pos.durable,
		onWrite: func(n int64) {
			e.publish(id, pos.durable+n, req.TotalBytes)
		},
	}
	var sink io.Writer = pw
	var dec *encryptor.StreamDecrypter
	if req.Encrypted {
		dec, err = encryptor.NewStreamDecrypter(pw, key, pos.chain)
		if err != nil {
			f.Close()
			e.registry.Fail(id, err.Error())
			return StreamResult{}, err
		}
		sink = dec
	}

	counted := &countingReader{r: body}
	streamErr := copyWithContext(ctx, sink, counted)
	decrypterClosed := false
	if streamErr == nil && dec != nil {
		// The decrypter can only be closed once the whole ciphertext,
		// padding block included, has arrived.
		if wire+counted.n < cipherLength(req.TotalBytes) {
			streamErr = ErrIncompleteStream
		} else {
			decrypterClosed = true
			streamErr = dec.Close()
		}
	}
	if streamErr == nil && pos.durable+pw.n != req.TotalBytes {
		streamErr = ErrIncompleteStream
	}

	if err := f.Sync(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("failed to sync destination: %w", err)
	}
	if err := f.Close(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("failed to close destination: %w", err)
	}

	durable := pos.durable + pw.n
	if streamErr != nil {
		switch {
		case errors.Is(streamErr, ErrStreamTooLong):
			if err := os.Truncate(pos.dest, pos.durable); err != nil {
				log.Warnf("failed to truncate overlong stream: %v", err)
			}
			durable = pos.durable
		case errors.Is(streamErr, encryptor.ErrWrongPassword), decrypterClosed:
			removeQuietly(pos.dest)
			removeQuietly(pos.sidecar)
			durable = 0
		case dec != nil:
			if err := writeSidecar(pos.sidecar, durable, dec.Chain()); err != nil {
				log.Warnf("failed to save decryption state, next attempt restarts: %v", err)
			}
		}
		if errors.Is(streamErr, ErrIncompleteStream) {
			streamErr = fmt.Errorf("%w: have %d of %d bytes", ErrIncompleteStream, durable, req.TotalBytes)
		}
		log.WithField("durable_bytes", durable).Errorf("stream upload failed: %v", streamErr)
		e.registry.Fail(id, streamErr.Error())
		return StreamResult{}, streamErr
	}

	removeQuietly(pos.sidecar)
	if err := e.verify(log, pos.dest, req.Checksum); err != nil {
		e.registry.Fail(id, err.Error())
		return StreamResult{}, err
	}

	e.registry.Complete(id, pos.dest)
	log.WithField("path", pos.dest).Info("stream upload complete")
	return StreamResult{TransferID: id, FilePath: pos.dest, BytesWritten: durable, ResumedFrom: pos.durable}, nil
}

// verify checks the finished file once. On a mismatch the file is
// removed so it can never be served as complete.
func (e *IngestEngine) verify(log *logrus.Entry, path, expected string) error {
	if expected == "" {
		log.Info("no checksum negotiated, skipping verification")
		return nil
	}
	if err := checksum.Verify(path, expected); err != nil {
		removeQuietly(path)
		log.Errorf("integrity check failed: %v", err)
		return err
	}
	return nil
}

// IngestChunk persists one fragment. The request that completes the
// set merges all fragments into the destination and gets ResultMerged;
// every other request gets ResultChunkStored. A chunk resent after the
// merge is dropped and answered with the final counts.
func (e *IngestEngine) IngestChunk(ctx context.Context, req ChunkRequest, data []byte) (ChunkResult, error) {
	if err := validateStruct(req); err != nil {
		return ChunkResult{}, err
	}
	dest, err := e.layout.ReceivedPath(req.FileName)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	var key []byte
	if req.Encrypted {
		if key, err = e.key(); err != nil {
			return ChunkResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return ChunkResult{}, err
	}

	totalChunks := req.TotalChunks
	if totalChunks == 0 {
		totalChunks = chunker.ChunkCount(req.TotalBytes, e.chunkSize)
	}

	id := req.TransferID
	log := logging.ForTransfer("ingest", id).WithFields(logrus.Fields{
		"file":  req.FileName,
		"mode":  "chunk",
		"chunk": req.ChunkIndex,
	})

	session, err := e.registry.OpenChunked(id, status.Meta{
		FileName:       req.FileName,
		TotalBytes:     req.TotalBytes,
		Checksum:       req.Checksum,
		Encrypted:      req.Encrypted,
		KeyFingerprint: e.fingerprint(req.Encrypted),
		Protocol:       protocolOr(req.Protocol),
		UserName:       req.UserName,
	}, totalChunks, req.ChunkIndex)
	if err != nil {
		return ChunkResult{}, err
	}
	if session.Closed {
		log.Debug("chunk for a completed transfer ignored")
		return ChunkResult{
			TransferID:      id,
			Result:          ResultChunkStored,
			ChunkIndex:      req.ChunkIndex,
			CompletedChunks: session.CompletedChunks,
			TotalChunks:     session.TotalChunks,
			PersistedBytes:  session.BytesWritten,
			FilePath:        session.FilePath,
		}, nil
	}
	if session.Fresh {
		log.WithField("total_chunks", session.TotalChunks).Info("chunked transfer opened")
	}

	payload := data
	if req.Encrypted {
		payload, err = encryptor.OpenBuffer(data, key)
		if err != nil {
			log.Errorf("chunk decryption failed: %v", err)
			e.registry.Fail(id, err.Error())
			return ChunkResult{}, err
		}
	}

	if _, err := e.chunks.Put(id, req.ChunkIndex, bytes.NewReader(payload)); err != nil {
		e.registry.NoteError(id, err.Error())
		return ChunkResult{}, err
	}

	mark, err := e.registry.MarkChunk(id, req.ChunkIndex, int64(len(payload)))
	if err != nil {
		return ChunkResult{}, err
	}
	result := ChunkResult{
		TransferID:      id,
		Result:          ResultChunkStored,
		ChunkIndex:      req.ChunkIndex,
		CompletedChunks: mark.CompletedChunks,
		TotalChunks:     mark.TotalChunks,
		PersistedBytes:  mark.PersistedBytes,
	}
	if !mark.Ready {
		return result, nil
	}

	path, err := e.merge(log, id, dest, mark, req.TotalBytes)
	if err != nil {
		return ChunkResult{}, err
	}
	result.Result = ResultMerged
	result.FilePath = path
	return result, nil
}

func (e *IngestEngine) merge(log *logrus.Entry, id, dest string, mark status.ChunkMark, total int64) (string, error) {
	unlockMerge := e.merges.Lock(id)
	defer unlockMerge()

	unlockFile, ok := e.streams.TryLock(mark.FileName)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrTransferBusy, mark.FileName)
		e.registry.AbortMerge(id, err.Error())
		return "", err
	}
	defer unlockFile()

	written, err := chunker.Reassemble(e.chunks, id, mark.TotalChunks, dest)
	if err != nil {
		log.Errorf("merge failed: %v", err)
		e.registry.AbortMerge(id, err.Error())
		return "", err
	}
	if written != total {
		removeQuietly(dest)
		e.discardChunks(log, id)
		err := fmt.Errorf("%w: merged %d bytes, expected %d", ErrInvalidInput, written, total)
		e.registry.Fail(id, err.Error())
		return "", err
	}
	if err := e.verify(log, dest, mark.Checksum); err != nil {
		e.discardChunks(log, id)
		e.registry.Fail(id, err.Error())
		return "", err
	}

	e.discardChunks(log, id)
	e.registry.Complete(id, dest)
	log.WithFields(logrus.Fields{
		"path":   dest,
		"chunks": mark.TotalChunks,
	}).Info("chunks merged")
	return dest, nil
}

func (e *IngestEngine) discardChunks(log *logrus.Entry, id string) {
	if err := e.chunks.Remove(id); err != nil {
		log.Warnf("failed to remove chunk files: %v", err)
	}
}

// Discard removes every stored chunk of id.
func (e *IngestEngine) Discard(id string) error {
	return e.chunks.Remove(id)
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Log.Warnf("failed to remove %s: %v", path, err)
	}
}
