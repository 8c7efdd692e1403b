package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Bliod-Cook/drome/internal/codec"
	"github.com/Bliod-Cook/drome/internal/config"
)

// upstreamHTTPTimeout is the maximum time allowed for one streamed provider
// response. SSE streams can be long-lived, so we use a generous timeout.
const upstreamHTTPTimeout = 5 * time.Minute

// maxErrorBody caps how much of a failed response body is read for the error.
const maxErrorBody = 64 << 10

// Request describes one streamed provider call.
type Request struct {
	Provider string
	URL      string
	Header   http.Header
	Body     []byte
}

// Client sends provider requests and classifies their failures. A single
// Client is shared by every provider and is safe for concurrent use.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Verbose    bool

	// Debug dumps request headers and bodies plus summary frames of every
	// response to DumpOut (stderr when nil).
	Debug   bool
	DumpOut io.Writer

	dumpMu sync.Mutex
}

// NewClient creates a client with the default streaming timeout.
func NewClient(verbose, debug bool) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: upstreamHTTPTimeout},
		Logger:     slog.Default(),
		Verbose:    verbose,
		Debug:      debug,
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Stream posts req and returns the open response when the provider answered
// with a 2xx status. The caller owns the response body. Any other outcome is
// returned as *AuthError, *TransportError or *VendorError.
func (c *Client) Stream(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &TransportError{Provider: req.Provider, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	config.ApplyDefaultHeaders(httpReq.Header)

	if c.Debug {
		c.dumpUpstreamRequest(httpReq, req.Body)
	}

	start := time.Now()
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, &TransportError{Provider: req.Provider, Err: err}
	}

	log := c.logger()
	if c.Verbose {
		attrs := []any{"provider", req.Provider, "status", resp.StatusCode, "elapsed", time.Since(start).Round(time.Millisecond)}
		if requestID := codec.RequestID(resp.Header); requestID != "" {
			attrs = append(attrs, "request_id", requestID)
		}
		log.Info("upstream.response", attrs...)
	}
	if snap := ParseRateLimits(resp.Header); snap != nil {
		log.Debug("upstream.ratelimit", "provider", req.Provider, "snapshot", snap.String())
	}
	c.dumpUpstreamResponse(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, classify(req.Provider, resp.StatusCode, resp.Header, body, time.Now())
}

// classify turns a non-2xx response into a typed error.
func classify(provider string, status int, header http.Header, body []byte, now time.Time) error {
	msg := codec.FormatUpstreamErrorWithHeaders(status, body, header)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Provider: provider, Status: status, Message: msg}
	}
	verr := &VendorError{
		Provider:  provider,
		Status:    status,
		Message:   msg,
		RequestID: codec.RequestID(header),
		Retriable: codec.IsTransient(strconv.Itoa(status), http.StatusText(status), vendorErrorKind(body)),
	}
	if verr.Retriable {
		verr.RetryAfter = RetryAfter(header, now)
	}
	return verr
}
