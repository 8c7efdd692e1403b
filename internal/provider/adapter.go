// Package provider streams generation turns from model vendors as unified
// events.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Bliod-Cook/drome/internal/codec"
	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
	"github.com/Bliod-Cook/drome/internal/upstream"
)

// ErrProviderDisabled is returned for a provider whose config is disabled.
var ErrProviderDisabled = errors.New("provider disabled")

// Capabilities is the static feature record of a vendor.
type Capabilities struct {
	Streaming     bool `json:"streaming"`
	Tools         bool `json:"tools"`
	Reasoning     bool `json:"reasoning"`
	PromptCaching bool `json:"prompt_caching"`
	CustomBaseURL bool `json:"custom_base_url"`
}

// CapabilitiesFor returns the capability record of vendor. Unknown vendors
// report no capabilities.
func CapabilitiesFor(vendor types.Vendor) Capabilities {
	switch vendor {
	case types.VendorOpenAI, types.VendorAnthropic:
		return Capabilities{Streaming: true, Tools: true, Reasoning: true, PromptCaching: true, CustomBaseURL: true}
	case types.VendorGemini:
		return Capabilities{Streaming: true, Tools: true, Reasoning: true, CustomBaseURL: true}
	}
	return Capabilities{}
}

// DefaultBaseURL is the public API root of a vendor.
func DefaultBaseURL(vendor types.Vendor) string {
	switch vendor {
	case types.VendorOpenAI:
		return "https://api.openai.com/v1"
	case types.VendorAnthropic:
		return "https://api.anthropic.com"
	case types.VendorGemini:
		return "https://generativelanguage.googleapis.com"
	}
	return ""
}

// Adapter turns generation requests into vendor HTTP calls and decodes the
// streamed responses. It holds no per-request state.
type Adapter struct {
	client  *upstream.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	keys    *codec.CacheKeys
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithCacheKeyCapacity bounds the table of derived prompt cache keys.
func WithCacheKeyCapacity(n int) Option {
	return func(a *Adapter) { a.keys = codec.NewCacheKeys(n) }
}

// New creates an Adapter sending requests through client.
func New(client *upstream.Client, opts ...Option) *Adapter {
	if client == nil {
		client = upstream.NewClient(false, false)
	}
	a := &Adapter{client: client, logger: slog.Default(), keys: codec.NewCacheKeys(0)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capabilities returns the static capability record of vendor.
func (a *Adapter) Capabilities(vendor types.Vendor) Capabilities {
	return CapabilitiesFor(vendor)
}

// StreamGenerate sends req to the provider described by cfg and returns the
// decoded event stream. Failures before the stream opens are returned as
// *upstream.AuthError, *upstream.TransportError or *upstream.VendorError.
// The returned stream always ends with exactly one Completed or Failed event.
func (a *Adapter) StreamGenerate(ctx context.Context, cfg types.ProviderConfig, apiKey string, req *types.GenerateRequest) (types.EventStream, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, cfg.ID)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, upstream.MissingCredential(cfg.ID)
	}
	c, err := codec.ForRequest(cfg.Vendor, req, a.keys)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("provider %s: no model requested and no default model configured", cfg.ID)
	}
	body, err := c.Encoder.Encode(req, model)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", c.Format, err)
	}

	baseURL := cfg.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL(cfg.Vendor)
	}
	header := http.Header{}
	c.Encoder.Authorize(header, apiKey)
	for k, v := range cfg.ExtraHeaders {
		header.Set(k, v)
	}

	a.logger.Debug("provider.request",
		"provider", cfg.ID,
		"format", c.Format.String(),
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"session_id", req.SessionID,
	)

	start := time.Now()
	resp, err := a.client.Stream(ctx, &upstream.Request{
		Provider: cfg.ID,
		URL:      c.Encoder.URL(baseURL, model),
		Header:   header,
		Body:     body,
	})
	a.metrics.ObserveProviderRequest(cfg.ID, string(cfg.Vendor), requestOutcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return newEventStream(cfg.ID, resp.Body, c.NewDecoder()), nil
}

func requestOutcome(err error) string {
	var (
		authErr      *upstream.AuthError
		vendorErr    *upstream.VendorError
		transportErr *upstream.TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &vendorErr):
		return "vendor_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// eventStream decodes a response body lazily, one payload at a time.
type eventStream struct {
	provider string
	body     io.ReadCloser
	reader   *stream.Reader
	decoder  codec.Decoder
	pending  []types.Event
	done     bool
}

func newEventStream(provider string, body io.ReadCloser, decoder codec.Decoder) *eventStream {
	return &eventStream{
		provider: provider,
		body:     body,
		reader:   stream.NewReader(body),
		decoder:  decoder,
	}
}

// Next returns the next event. After the terminal event it returns io.EOF.
// A read failure mid-stream is returned as *upstream.TransportError.
func (s *eventStream) Next() (types.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.IsTerminal() {
				s.done = true
				s.pending = nil
			}
			return ev, nil
		}
		if s.done {
			return types.Event{}, io.EOF
		}
		payload, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			// A drained stream without an explicit terminator is a successful turn.
			s.pending = append(s.decoder.Finish(), types.Completed())
			continue
		}
		if err != nil {
			s.done = true
			return types.Event{}, &upstream.TransportError{Provider: s.provider, Err: err}
		}
		s.pending = s.decoder.Decode(payload.Raw)
	}
}

func (s *eventStream) Close() error {
	return s.body.Close()
}

// Collect drains es into a slice and closes it.
func Collect(es types.EventStream) ([]types.Event, error) {
	defer es.Close()
	var out []types.Event
	for {
		ev, err := es.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
