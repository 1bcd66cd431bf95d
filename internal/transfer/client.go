package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
)

// ClientOptions tunes the HTTP client.
type ClientOptions struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers.
	ReadTimeout time.Duration
	UserName    string
	Protocol    string
}

// Client represents the HTTP client for sending file transfers
type Client struct {
	baseURL    string
	httpClient *http.Client
	opts       ClientOptions
}

// NewClient creates a new transfer client for a server at baseURL.
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.Protocol == "" {
		opts.Protocol = ModeHTTP.String()
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
		opts:       opts,
	}
}

// BaseURL is the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &apiErr.Response); err != nil {
		apiErr.Response = ErrorResponse{Error: resp.Status, Message: string(bytes.TrimSpace(body)), Code: resp.StatusCode}
	}
	return apiErr
}

// Handshake announces a transfer.
func (c *Client) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	if req.UserName == "" {
		req.UserName = c.opts.UserName
	}
	if req.Protocol == "" {
		req.Protocol = c.opts.Protocol
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return HandshakeResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EndpointHandshake, bytes.NewReader(jsonData))
	if err != nil {
		return HandshakeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp HandshakeResponse
	if err := c.do(httpReq, &resp); err != nil {
		return HandshakeResponse{}, fmt.Errorf("handshake failed: %w", err)
	}
	return resp, nil
}

// ResumeOffset asks the server where a stream upload of fileName continues.
func (c *Client) ResumeOffset(ctx context.Context, fileName string, totalBytes int64, encrypted bool) (ResumeResponse, error) {
	q := url.Values{}
	q.Set("fileName", fileName)
	q.Set("totalBytes", strconv.FormatInt(totalBytes, 10))
	q.Set("encrypted", strconv.FormatBool(encrypted))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+EndpointResume+"?"+q.Encode(), nil)
	if err != nil {
		return ResumeResponse{}, err
	}
	var resp ResumeResponse
	if err := c.do(httpReq, &resp); err != nil {
		return ResumeResponse{}, fmt.Errorf("resume query failed: %w", err)
	}
	return resp, nil
}

func (c *Client) setOfferHeaders(h http.Header, offer Offer) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set(HeaderTransferID, offer.TransferID)
	h.Set(HeaderFileName, offer.FileName)
	h.Set(HeaderTotalBytes, strconv.FormatInt(offer.TotalBytes, 10))
	h.Set(HeaderEncrypted, strconv.FormatBool(offer.Encrypted))
	h.Set(HeaderProtocol, c.opts.Protocol)
	if offer.Checksum != "" {
		h.Set(HeaderChecksum, offer.Checksum)
	}
	if user := offer.UserName; user != "" {
		h.Set(HeaderUserName, user)
	} else if c.opts.UserName != "" {
		h.Set(HeaderUserName, c.opts.UserName)
	}
}

// UploadStream sends offer.Path from wire offset onwards as one stream.
func (c *Client) UploadStream(ctx context.Context, offer Offer, offset int64) (UploadResponse, error) {
	f, err := os.Open(offer.Path)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("failed to open %s: %w", offer.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return UploadResponse{}, err
	}
	if offset < 0 || offset > info.Size() {
		return UploadResponse{}, fmt.Errorf("%w: resume offset %d outside payload of %d bytes", ErrInvalidInput, offset, info.Size())
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return UploadResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EndpointUpload, f)
	if err != nil {
		return UploadResponse{}, err
	}
	httpReq.ContentLength = info.Size() - offset
	if httpReq.ContentLength == 0 {
		httpReq.Body = http.NoBody
	}
	c.setOfferHeaders(httpReq.Header, offer)
	httpReq.Header.Set(HeaderResumeOffset, strconv.FormatInt(offset, 10))

	var resp UploadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return UploadResponse{}, fmt.Errorf("stream upload failed: %w", err)
	}
	return resp, nil
}

// UploadChunk sends one chunk of offer.
func (c *Client) UploadChunk(ctx context.Context, offer Offer, index, totalChunks int, data []byte) (UploadResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EndpointUpload, bytes.NewReader(data))
	if err != nil {
		return UploadResponse{}, err
	}
	c.setOfferHeaders(httpReq.Header, offer)
	httpReq.Header.Set(HeaderChunkIndex, strconv.Itoa(index))
	httpReq.Header.Set(HeaderTotalChunks, strconv.Itoa(totalChunks))

	var resp UploadResponse
	if err := c.do(httpReq, &resp); err != nil {
		return UploadResponse{}, fmt.Errorf("chunk %d upload failed: %w", index, err)
	}
	return resp, nil
}

// Status gets the current status of a transfer. An empty id asks for
// the latest one.
func (c *Client) Status(ctx context.Context, transferID string) (status.Snapshot, error) {
	u := c.baseURL + EndpointStatus
	if transferID != "" {
		u += "?transferId=" + url.QueryEscape(transferID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return status.Snapshot{}, err
	}
	var snap status.Snapshot
	if err := c.do(httpReq, &snap); err != nil {
		return status.Snapshot{}, fmt.Errorf("get status failed: %w", err)
	}
	return snap, nil
}

// History lists audited transfers on the server.
func (c *Client) History(ctx context.Context, limit int) ([]metadata.TransferRecord, error) {
	u := fmt.Sprintf("%s%s?limit=%d", c.baseURL, EndpointHistory, limit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp HistoryResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, fmt.Errorf("get history failed: %w", err)
	}
	return resp.Transfers, nil
}

// Cancel stops a transfer on the server; discard also drops its chunks.
func (c *Client) Cancel(ctx context.Context, transferID string, discard bool) (CancelResponse, error) {
	q := url.Values{}
	q.Set("transferId", transferID)
	q.Set("discard", strconv.FormatBool(discard))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EndpointCancel+"?"+q.Encode(), nil)
	if err != nil {
		return CancelResponse{}, err
	}
	var resp CancelResponse
	if err := c.do(httpReq, &resp); err != nil {
		return CancelResponse{}, fmt.Errorf("cancel failed: %w", err)
	}
	return resp, nil
}

func downloadURL(base, name string) string {
	return base + EndpointDownload + "?name=" + url.QueryEscape(name)
}

// RemoteChecksum reads the SHA-256 the server reports for name.
func (c *Client) RemoteChecksum(ctx context.Context, name string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, downloadURL(c.baseURL, name), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", &APIError{StatusCode: resp.StatusCode, Response: ErrorResponse{Code: resp.StatusCode, Error: resp.Status}}
	}
	return resp.Header.Get(HeaderFileChecksum), nil
}

// Download fetches name into destPath. A partial destPath is continued
// with a "bytes=N-" range request.
func (c *Client) Download(ctx context.Context, name, destPath string) (Received, error) {
	existing, err := storage.FileSize(destPath)
	if err != nil {
		return Received{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL(c.baseURL, name), nil)
	if err != nil {
		return Received{}, err
	}
	if existing > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Received{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	resumed := false
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		resumed = true
	case http.StatusOK:
		flags |= os.O_TRUNC
		existing = 0
	default:
		return Received{}, fmt.Errorf("download failed: %w", decodeAPIError(resp))
	}

	f, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return Received{}, fmt.Errorf("failed to open %s: %w", destPath, err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	if err := f.Sync(); err != nil && copyErr == nil {
		copyErr = err
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return Received{}, fmt.Errorf("download of %s interrupted after %d bytes: %w", name, existing+n, copyErr)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return Received{}, fmt.Errorf("download of %s got %d of %d bytes: %w", name, n, resp.ContentLength, io.ErrUnexpectedEOF)
	}

	return Received{
		Path:     destPath,
		Bytes:    existing + n,
		Checksum: resp.Header.Get(HeaderFileChecksum),
		Resumed:  resumed,
	}, nil
}
