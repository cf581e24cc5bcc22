package depotget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	depoterrors "github.com/veldora/depotget/depotget/errors"
)

// ChunkSource is the narrow fetch capability the engine depends on. The
// authorization flow lives with the caller; the engine only ever asks for a
// compressed chunk blob, optionally starting mid-blob to resume a transfer.
type ChunkSource interface {
	OpenChunk(ctx context.Context, locator string, offset int64) (io.ReadCloser, error)
}

// Authorizer decorates outgoing CDN requests, typically with a bearer token.
type Authorizer func(*http.Request)

// CDNSource fetches chunk blobs from a content-delivery endpoint over
// HTTP(S) using byte-range requests for resume.
type CDNSource struct {
	baseURL   string
	client    *http.Client
	authorize Authorizer
}

// CDNOption configures a CDNSource.
type CDNOption func(*CDNSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) CDNOption {
	return func(s *CDNSource) { s.client = client }
}

// WithAuthorizer sets the request authorizer.
func WithAuthorizer(auth Authorizer) CDNOption {
	return func(s *CDNSource) { s.authorize = auth }
}

// NewCDNSource creates a ChunkSource resolving locators against baseURL.
func NewCDNSource(baseURL string, opts ...CDNOption) *CDNSource {
	s := &CDNSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				// Chunk blobs are already zlib streams; transparent
				// transport compression would corrupt resume offsets.
				DisableCompression: true,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenChunk performs a single fetch attempt. Transport failures and 5xx
// responses come back as DOWNLOAD_FAILED (retryable by the scheduler); 4xx
// responses other than 408/429 are CHUNK_REJECTED and never retried.
func (s *CDNSource) OpenChunk(ctx context.Context, locator string, offset int64) (io.ReadCloser, error) {
	url := s.baseURL + "/" + strings.TrimLeft(locator, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, depoterrors.ErrDownloadFailed.WithCause(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if s.authorize != nil {
		s.authorize(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, depoterrors.ErrDownloadFailed.WithDetail("locator", locator).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the range request; skip to the resume point.
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, depoterrors.ErrDownloadFailed.WithDetail("locator", locator).WithCause(err)
			}
		}
		return resp.Body, nil
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case isClientError(resp.StatusCode):
		resp.Body.Close()
		return nil, depoterrors.ErrChunkRejected.
			WithDetail("locator", locator).
			WithDetail("status", resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, depoterrors.ErrDownloadFailed.
			WithDetail("locator", locator).
			WithDetail("status", resp.StatusCode)
	}
}

// isClientError reports whether a status is a non-retryable client error.
// Timeouts and throttling are transient despite being 4xx.
func isClientError(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
