// Package mcpclient manages long-lived sessions to MCP capability servers.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/types"
)

const (
	clientName     = "drome"
	connectTimeout = 30 * time.Second
	pingTimeout    = 10 * time.Second
)

// remoteSession is the part of *mcpsdk.ClientSession the manager uses.
type remoteSession interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	ListPrompts(ctx context.Context, params *mcpsdk.ListPromptsParams) (*mcpsdk.ListPromptsResult, error)
	ListResources(ctx context.Context, params *mcpsdk.ListResourcesParams) (*mcpsdk.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *mcpsdk.ReadResourceParams) (*mcpsdk.ReadResourceResult, error)
	GetPrompt(ctx context.Context, params *mcpsdk.GetPromptParams) (*mcpsdk.GetPromptResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Ping(ctx context.Context, params *mcpsdk.PingParams) error
	SetLoggingLevel(ctx context.Context, params *mcpsdk.SetLoggingLevelParams) error
	InitializeResult() *mcpsdk.InitializeResult
	Close() error
	Wait() error
}

// ServerStatus is one entry of the server registry listing.
type ServerStatus struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Transport types.TransportKind `json:"transport"`
	Enabled   bool                `json:"enabled"`
	Connected bool                `json:"connected"`
	Key       string              `json:"key,omitempty"`
	Tools     int                 `json:"tools"`
}

// Manager owns one session per capability server and multiplexes tool,
// prompt and resource requests over it. It is safe for concurrent use.
type Manager struct {
	version     string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	logCapacity int
	dial        func(ctx context.Context, s *session) (remoteSession, error)

	mu       sync.Mutex
	configs  map[string]types.ServerConfig
	sessions map[string]*session // by session key
	byServer map[string]string   // server id -> session key
	connects singleflight.Group

	callsMu  sync.Mutex
	calls    map[string]*activeCall
	progress map[string]string // progress token -> call id

	logsMu sync.Mutex
	logs   map[string]*logRing

	hub hub
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogCapacity sets the per-server log ring size.
func WithLogCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.logCapacity = n
		}
	}
}

// WithVersion sets the client version announced during the handshake.
func WithVersion(v string) Option {
	return func(m *Manager) { m.version = v }
}

func New(opts ...Option) *Manager {
	m := &Manager{
		version:     "dev",
		logger:      slog.Default(),
		logCapacity: DefaultLogCapacity,
		configs:     make(map[string]types.ServerConfig),
		sessions:    make(map[string]*session),
		byServer:    make(map[string]string),
		calls:       make(map[string]*activeCall),
		progress:    make(map[string]string),
		logs:        make(map[string]*logRing),
	}
	m.dial = m.dialSDK
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionKey derives the identity of a session from the full server config.
// Any field change yields a new key.
func SessionKey(cfg types.ServerConfig) string {
	raw, _ := json.Marshal(cfg)
	return fmt.Sprintf("%s:%016x", cfg.ID, xxhash.Sum64(raw))
}

// Upsert registers or replaces a server config. A changed config closes the
// session opened under the old one; the next request reconnects.
func (m *Manager) Upsert(cfg types.ServerConfig) {
	m.mu.Lock()
	m.configs[cfg.ID] = cfg
	var stale *session
	if key, ok := m.byServer[cfg.ID]; ok && key != SessionKey(cfg) {
		stale = m.unregisterLocked(cfg.ID)
	}
	m.mu.Unlock()
	if stale != nil {
		m.retire(cfg.ID, stale)
		m.logger.Info("mcp.reconfigured", "server", cfg.ID)
	}
}

// Remove stops a server and forgets its config and logs.
func (m *Manager) Remove(serverID string) bool {
	m.mu.Lock()
	_, known := m.configs[serverID]
	delete(m.configs, serverID)
	m.mu.Unlock()

	stopped := m.StopServer(serverID)

	m.logsMu.Lock()
	delete(m.logs, serverID)
	m.logsMu.Unlock()
	return known || stopped
}

// Servers lists registered servers sorted by id.
func (m *Manager) Servers() []ServerStatus {
	m.mu.Lock()
	out := make([]ServerStatus, 0, len(m.configs))
	for id, cfg := range m.configs {
		st := ServerStatus{ID: id, Name: cfg.Name, Transport: cfg.Transport.Type, Enabled: cfg.Enabled, Tools: -1}
		if key, ok := m.byServer[id]; ok {
			if s := m.sessions[key]; s != nil && s.alive() {
				st.Connected = true
				st.Key = key
				if tools, ok := s.cache.peekTools(); ok {
					st.Tools = len(tools)
				}
			}
		}
		out = append(out, st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Config returns the registered config of a server.
func (m *Manager) Config(serverID string) (types.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[serverID]
	if !ok {
		return types.ServerConfig{}, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	if !cfg.Enabled {
		return cfg, fmt.Errorf("%w: %s", ErrServerDisabled, serverID)
	}
	return cfg, nil
}

// Connect registers cfg and returns once a live session exists for it.
func (m *Manager) Connect(ctx context.Context, cfg types.ServerConfig) error {
	m.Upsert(cfg)
	_, err := m.session(ctx, cfg.ID)
	return err
}

// session returns the live session of a server, connecting when needed.
func (m *Manager) session(ctx context.Context, serverID string) (*session, error) {
	cfg, err := m.Config(serverID)
	if err != nil {
		return nil, err
	}
	return m.getOrConnect(ctx, cfg)
}

func (m *Manager) getOrConnect(ctx context.Context, cfg types.ServerConfig) (*session, error) {
	key := SessionKey(cfg)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		if s.alive() {
			m.mu.Unlock()
			return s, nil
		}
		// Closed underneath us: drop it and reconnect.
		m.dropLocked(s)
	}
	m.mu.Unlock()

	ch := m.connects.DoChan(key, func() (any, error) {
		return m.connect(ctx, cfg, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context, cfg types.ServerConfig, key string) (*session, error) {
	s := newSession(key, cfg)
	// Dialing is shared by every waiter on this key, so it must not be
	// canceled by the first caller alone.
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	timer := time.AfterFunc(connectTimeout, cancel)
	s.cancel = cancel

	start := time.Now()
	remote, err := m.dial(dialCtx, s)
	timedOut := !timer.Stop()
	if err == nil && timedOut {
		remote.Close()
		err = fmt.Errorf("handshake timed out after %s", connectTimeout)
	}
	if err != nil {
		cancel()
		s.closeStderr()
		m.metrics.ObserveConnect(cfg.ID, "error")
		m.logger.Warn("mcp.connect.failed", "server", cfg.ID, "transport", cfg.Transport.Type, "error", err)
		return nil, &ConnectError{ServerID: cfg.ID, Err: err}
	}
	s.remote = remote
	s.caps = capabilitiesOf(remote.InitializeResult())

	m.mu.Lock()
	var stale *session
	if current, ok := m.configs[cfg.ID]; !ok || SessionKey(current) != key {
		// The config changed or was removed while dialing.
		m.mu.Unlock()
		s.close()
		return nil, &ConnectError{ServerID: cfg.ID, Err: fmt.Errorf("server reconfigured during connect")}
	}
	if oldKey, ok := m.byServer[cfg.ID]; ok && oldKey != key {
		stale = m.unregisterLocked(cfg.ID)
	}
	m.sessions[key] = s
	m.byServer[cfg.ID] = key
	n := len(m.sessions)
	m.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	go m.watch(s)

	m.metrics.ObserveConnect(cfg.ID, "ok")
	m.metrics.SetSessions(n)
	m.logger.Info("mcp.connect", "server", cfg.ID, "transport", cfg.Transport.Type, "key", key,
		"elapsed", time.Since(start).Round(time.Millisecond))
	m.hub.publish(Notification{Kind: NotifyState, ServerID: cfg.ID, State: "connected"})

	if s.caps.logging {
		m.requestDebugLogs(s)
	}
	return s, nil
}

// dialSDK opens a real MCP client session for s.
func (m *Manager) dialSDK(ctx context.Context, s *session) (remoteSession, error) {
	serverID := s.cfg.ID
	var stderr io.Writer
	if s.cfg.Transport.Type == types.TransportStdio || s.cfg.Transport.Type == "" {
		pr, pw := io.Pipe()
		s.stderr = pw
		go m.drainStderr(serverID, pr)
		stderr = pw
	}
	transport, err := transportBuilder(s.cfg, stderr)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: m.version}, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) {
			m.invalidate(s, listTools)
		},
		PromptListChangedHandler: func(context.Context, *mcpsdk.PromptListChangedRequest) {
			m.invalidate(s, listPrompts)
		},
		ResourceListChangedHandler: func(context.Context, *mcpsdk.ResourceListChangedRequest) {
			m.invalidate(s, listResources)
		},
		LoggingMessageHandler: func(_ context.Context, req *mcpsdk.LoggingMessageRequest) {
			m.handleLogMessage(serverID, req.Params)
		},
		ProgressNotificationHandler: func(_ context.Context, req *mcpsdk.ProgressNotificationClientRequest) {
			m.handleProgress(serverID, req.Params)
		},
	})
	st := &severableTransport{Transport: transport}
	s.sever = st.sever
	cs, err := client.Connect(ctx, st, nil)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// requestDebugLogs asks a server that advertises logging to send everything
// down to debug level.
func (m *Manager) requestDebugLogs(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.remote.SetLoggingLevel(ctx, &mcpsdk.SetLoggingLevelParams{Level: "debug"}); err != nil {
		m.logger.Debug("mcp.logging.level.failed", "server", s.cfg.ID, "error", err)
	}
}

// watch waits for the remote side to end and unregisters the session.
func (m *Manager) watch(s *session) {
	err := s.remote.Wait()
	s.markDone()
	s.closeStderr()

	m.mu.Lock()
	removed := m.dropLocked(s)
	n := len(m.sessions)
	m.mu.Unlock()

	if removed {
		m.metrics.SetSessions(n)
		m.logger.Info("mcp.disconnected", "server", s.cfg.ID, "key", s.key, "error", err)
		m.hub.publish(Notification{Kind: NotifyState, ServerID: s.cfg.ID, State: "disconnected"})
	}
}

// dropLocked removes s from the registry if it is still registered. m.mu
// must be held.
func (m *Manager) dropLocked(s *session) bool {
	if m.sessions[s.key] != s {
		return false
	}
	delete(m.sessions, s.key)
	if m.byServer[s.cfg.ID] == s.key {
		delete(m.byServer, s.cfg.ID)
	}
	return true
}

// unregisterLocked detaches the current session of a server and returns it
// for closing outside the lock. m.mu must be held.
func (m *Manager) unregisterLocked(serverID string) *session {
	key, ok := m.byServer[serverID]
	if !ok {
		return nil
	}
	delete(m.byServer, serverID)
	s := m.sessions[key]
	delete(m.sessions, key)
	return s
}

// StopServer cancels the in-flight calls of a server with ErrServerStopped
// and closes its session. The remote is told about each canceled call before
// the session goes away; the close itself completes in the background. It
// reports whether a session was open.
func (m *Manager) StopServer(serverID string) bool {
	return m.stop(serverID) != nil
}

func (m *Manager) stop(serverID string) *session {
	m.mu.Lock()
	s := m.unregisterLocked(serverID)
	n := len(m.sessions)
	m.mu.Unlock()

	m.retire(serverID, s)
	if s == nil {
		return nil
	}
	m.metrics.SetSessions(n)
	m.logger.Info("mcp.stop", "server", serverID, "key", s.key)
	m.hub.publish(Notification{Kind: NotifyState, ServerID: serverID, State: "stopped"})
	return s
}

// retire cancels the calls of serverID, waits up to cancelGrace for their
// cancel notifications to be written, then starts closing s. s may be nil.
func (m *Manager) retire(serverID string, s *session) {
	victims := m.failCalls(serverID, ErrServerStopped)
	if !awaitCalls(victims, cancelGrace) {
		m.logger.Warn("mcp.stop.calls_pending", "server", serverID, "calls", len(victims))
	}
	if s != nil {
		s.close()
	}
}

// RestartServer stops a server and connects it again.
func (m *Manager) RestartServer(ctx context.Context, serverID string) error {
	if _, err := m.Config(serverID); err != nil {
		return err
	}
	m.StopServer(serverID)
	_, err := m.session(ctx, serverID)
	return err
}

// Healthcheck pings a server, connecting first when needed, and returns the
// round-trip time.
func (m *Manager) Healthcheck(ctx context.Context, serverID string) (time.Duration, error) {
	s, err := m.session(ctx, serverID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	start := time.Now()
	if err := s.remote.Ping(ctx, &mcpsdk.PingParams{}); err != nil {
		return 0, fmt.Errorf("ping %s: %w", serverID, err)
	}
	return time.Since(start), nil
}

// Close stops every server and waits for their sessions to close.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byServer))
	for id := range m.byServer {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var closing []<-chan struct{}
	for _, id := range ids {
		if s := m.stop(id); s != nil {
			closing = append(closing, s.close())
		}
	}
	for _, c := range closing {
		<-c
	}
}
