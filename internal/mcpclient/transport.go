package mcpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"

	"github.com/Bliod-Cook/drome/internal/config"
	"github.com/Bliod-Cook/drome/internal/types"
)

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

// buildTransport derives the MCP transport of cfg. stderr receives the
// diagnostic stream of stdio servers.
func buildTransport(cfg types.ServerConfig, stderr io.Writer) (mcpsdk.Transport, error) {
	t := cfg.Transport
	switch t.Type {
	case types.TransportStdio, "":
		command := strings.TrimSpace(t.Command)
		if command == "" {
			return nil, fmt.Errorf("stdio command is empty")
		}
		// Not bound to the request context: the process lives as long as
		// the session.
		// #nosec G204 -- the command comes from trusted server configuration
		cmd := exec.Command(command, t.Args...)
		cmd.Dir = t.Cwd
		if len(t.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range t.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		cmd.Stderr = stderr
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case types.TransportSSE:
		endpoint, err := normalizeHTTPURL(t.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid SSE endpoint: %w", err)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: headerClient(t.Headers)}, nil
	case types.TransportStreamableHTTP:
		endpoint, err := normalizeHTTPURL(t.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid streamable HTTP endpoint: %w", err)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: streamableClient(t.Headers)}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", t.Type)
}

// severableTransport remembers the connection it opened so that a session
// whose graceful close stalls can be cut off. The connection is handed to the
// SDK unwrapped.
type severableTransport struct {
	mcpsdk.Transport

	mu   sync.Mutex
	conn mcpsdk.Connection
}

func (t *severableTransport) Connect(ctx context.Context) (mcpsdk.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// sever closes the underlying connection, failing every request still
// waiting on it.
func (t *severableTransport) sever() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// headerTransport adds fixed headers and the drome User-Agent to every
// request. A configured User-Agent header wins.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	config.ApplyDefaultHeaders(req.Header)
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func headerClient(headers map[string]string) *http.Client {
	return &http.Client{Transport: &headerTransport{headers: headers}}
}

// streamableClient sends the token of an "Authorization: Bearer" header
// through an oauth2 static token source. Other headers are sent as given.
func streamableClient(headers map[string]string) *http.Client {
	token, rest := splitBearer(headers)
	if token == "" {
		return headerClient(headers)
	}
	return &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   &headerTransport{headers: rest},
	}}
}

func splitBearer(headers map[string]string) (string, map[string]string) {
	var token string
	rest := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			scheme, value, ok := strings.Cut(strings.TrimSpace(v), " ")
			if ok && strings.EqualFold(scheme, "bearer") && strings.TrimSpace(value) != "" {
				token = strings.TrimSpace(value)
				continue
			}
		}
		rest[k] = v
	}
	return token, rest
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
