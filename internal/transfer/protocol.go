package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion + "/transfer"
)

// API Endpoints
const (
	EndpointUpload    = BasePath + "/upload"
	EndpointStatus    = BasePath + "/status"
	EndpointDownload  = BasePath + "/download"
	EndpointHandshake = BasePath + "/handshake"
	EndpointResume    = BasePath + "/resume"
	EndpointHistory   = BasePath + "/history"
	EndpointCancel    = BasePath + "/cancel"
)

// Request and response headers
const (
	HeaderTransferID   = "X-Transfer-Id"
	HeaderFileName     = "X-File-Name"
	HeaderChunkIndex   = "X-Chunk-Index"
	HeaderTotalBytes   = "X-Total-Bytes"
	HeaderTotalChunks  = "X-Total-Chunks"
	HeaderChecksum     = "X-Checksum"
	HeaderResumeOffset = "X-Resume-Offset"
	HeaderEncrypted    = "X-Encrypted"
	HeaderUserName     = "X-User-Name"
	HeaderProtocol     = "X-Protocol"
	HeaderRequestID    = "X-Request-Id"
	HeaderFileChecksum = "X-File-Checksum-SHA256"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrTransferBusy     = errors.New("a stream for this file is already in progress")
	ErrResumeMismatch   = errors.New("resume offset mismatch")
	ErrIncompleteStream = errors.New("stream ended before all bytes arrived")
	ErrStreamTooLong    = errors.New("stream carries more bytes than announced")
	ErrNotFound         = errors.New("not found")

	ErrChunkIndexOutOfRange = status.ErrChunkIndexOutOfRange
	ErrTransferClosed       = status.ErrTransferClosed
)

// ResumeMismatchError tells the client where the server expects the
// stream to continue.
type ResumeMismatchError struct {
	Got        int64
	ResumeFrom int64
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("%v: client offset %d, server expects %d", ErrResumeMismatch, e.Got, e.ResumeFrom)
}

func (e *ResumeMismatchError) Is(target error) bool { return target == ErrResumeMismatch }

// Upload outcomes
const (
	ResultChunkStored = "CHUNK_STORED"
	ResultMerged      = "MERGED"
	ResultStreamed    = "STREAMED"
)

var (
	fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _().-]{1,255}$`)
	userNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _.-]{1,50}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("filename", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if !fileNamePattern.MatchString(name) {
			return false
		}
		_, err := storage.SanitizeFileName(name)
		return err == nil
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return userNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateFileName applies the wire rules for file names: a bare base
// name of safe characters without "..".
func ValidateFileName(name string) error {
	if err := validate.Var(name, "required,filename"); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidInput, name, storage.ErrInvalidFileName)
	}
	return nil
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// HandshakeRequest announces a transfer before any bytes move.
type HandshakeRequest struct {
	TransferID string `json:"transferId" validate:"required,max=300"`
	FileName   string `json:"fileName" validate:"required,filename"`
	TotalBytes int64  `json:"totalBytes" validate:"gte=0"`
	Checksum   string `json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Encrypted  bool   `json:"encrypted"`
	Protocol   string `json:"protocol,omitempty" validate:"omitempty,oneof=http zerotier s3"`
	UserName   string `json:"userName,omitempty" validate:"omitempty,username"`
}

// HandshakeResponse acknowledges a handshake.
type HandshakeResponse struct {
	TransferID   string       `json:"transferId"`
	State        status.State `json:"state"`
	DurableBytes int64        `json:"durableBytes"`
	ResumeFrom   int64        `json:"resumeFrom"`
}

// ResumeResponse reports where an interrupted stream upload continues.
type ResumeResponse struct {
	FileName     string `json:"fileName"`
	DurableBytes int64  `json:"durableBytes"`
	// ResumeFrom is the offset in the bytes on the wire. For encrypted
	// streams it includes the leading IV.
	ResumeFrom int64 `json:"resumeFrom"`
}

// UploadResponse is returned for every accepted upload request.
type UploadResponse struct {
	TransferID      string `json:"transferId"`
	Result          string `json:"result"`
	ChunkIndex      *int   `json:"chunkIndex,omitempty"`
	CompletedChunks int    `json:"completedChunks,omitempty"`
	TotalChunks     int    `json:"totalChunks,omitempty"`
	BytesWritten    int64  `json:"bytesWritten"`
	FilePath        string `json:"filePath,omitempty"`
}

// HistoryResponse lists audited transfers, newest first.
type HistoryResponse struct {
	Transfers []metadata.TransferRecord `json:"transfers"`
}

// CancelResponse acknowledges a cancel or reset.
type CancelResponse struct {
	TransferID  string    `json:"transferId"`
	Discarded   bool      `json:"discarded"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
	// Reason distinguishes conflicts: busy, closed or resume_mismatch.
	Reason     string `json:"reason,omitempty"`
	ResumeFrom *int64 `json:"resumeFrom,omitempty"`
}

const (
	reasonBusy           = "busy"
	reasonClosed         = "closed"
	reasonResumeMismatch = "resume_mismatch"
)

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	writeError(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	})
}

func writeError(w http.ResponseWriter, resp ErrorResponse) {
	WriteJSONResponse(w, resp.Code, resp)
}

// errorResponseFor maps an engine error onto the HTTP error taxonomy.
func errorResponseFor(err error) ErrorResponse {
	code := StatusCodeFor(err)
	resp := ErrorResponse{Error: http.StatusText(code), Message: err.Error(), Code: code}

	var mismatch *ResumeMismatchError
	switch {
	case errors.As(err, &mismatch):
		resp.Reason = reasonResumeMismatch
		from := mismatch.ResumeFrom
		resp.ResumeFrom = &from
	case errors.Is(err, ErrTransferBusy):
		resp.Reason = reasonBusy
	case errors.Is(err, ErrTransferClosed):
		resp.Reason = reasonClosed
	}
	return resp
}

// StatusCodeFor returns the HTTP status for an error category.
func StatusCodeFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrChunkIndexOutOfRange),
		errors.Is(err, storage.ErrInvalidFileName),
		errors.Is(err, encryptor.ErrEmptyPassword),
		errors.Is(err, status.ErrNotChunked),
		errors.Is(err, ErrStreamTooLong):
		return http.StatusBadRequest
	case errors.Is(err, encryptor.ErrWrongPassword):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound),
		errors.Is(err, status.ErrUnknownTransfer),
		errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransferBusy),
		errors.Is(err, ErrTransferClosed),
		errors.Is(err, ErrResumeMismatch):
		return http.StatusConflict
	case errors.Is(err, checksum.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a non-2xx response decoded by the Client. It unwraps to
// the sentinel matching its status code so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Response.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrInvalidInput
	case http.StatusForbidden:
		return encryptor.ErrWrongPassword
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		return checksum.ErrChecksumMismatch
	case http.StatusConflict:
		switch e.Response.Reason {
		case reasonResumeMismatch:
			return ErrResumeMismatch
		case reasonClosed:
			return ErrTransferClosed
		default:
			return ErrTransferBusy
		}
	}
	return nil
}
