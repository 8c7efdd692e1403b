package mcpclient

import (
	"context"
	"io"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bliod-Cook/drome/internal/types"
)

type listKind int

const (
	listTools listKind = iota
	listPrompts
	listResources
	numListKinds
)

func (k listKind) String() string {
	switch k {
	case listTools:
		return "tools"
	case listPrompts:
		return "prompts"
	case listResources:
		return "resources"
	}
	return "unknown"
}

// listCache holds the capability lists of one session. Each kind carries a
// generation counter so a fetch that raced with an invalidation is not
// stored.
type listCache struct {
	mu   sync.Mutex
	gen  [numListKinds]uint64
	ok   [numListKinds]bool
	vals [numListKinds]any
}

func (c *listCache) get(k listKind) (any, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vals[k], c.gen[k], c.ok[k]
}

func (c *listCache) put(k listKind, gen uint64, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[k] != gen {
		return
	}
	c.vals[k] = v
	c.ok[k] = true
}

func (c *listCache) invalidate(k listKind) {
	c.mu.Lock()
	c.gen[k]++
	c.ok[k] = false
	c.vals[k] = nil
	c.mu.Unlock()
}

func (c *listCache) peekTools() ([]types.ToolSpec, bool) {
	v, _, ok := c.get(listTools)
	if !ok {
		return nil, false
	}
	tools, _ := v.([]types.ToolSpec)
	return tools, true
}

// serverCaps records which optional features a server advertised during the
// handshake. When the server sent no capabilities every feature is tried.
type serverCaps struct {
	known     bool
	prompts   bool
	resources bool
	logging   bool
}

func capabilitiesOf(res *mcpsdk.InitializeResult) serverCaps {
	if res == nil || res.Capabilities == nil {
		return serverCaps{}
	}
	c := res.Capabilities
	return serverCaps{
		known:     true,
		prompts:   c.Prompts != nil,
		resources: c.Resources != nil,
		logging:   c.Logging != nil,
	}
}

func (c serverCaps) supports(k listKind) bool {
	if !c.known {
		return true
	}
	switch k {
	case listPrompts:
		return c.prompts
	case listResources:
		return c.resources
	}
	return true
}

// session is the live handle to one capability server under one key.
type session struct {
	key    string
	cfg    types.ServerConfig
	remote remoteSession
	caps   serverCaps
	cache  listCache

	// sem serializes requests on the session.
	sem chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	cancel    context.CancelFunc
	stderr    *io.PipeWriter
	sever     func()
	closeOnce sync.Once
	closed    chan struct{}
}

// closeGrace bounds each phase of a session close: the graceful close, and
// the wait after the connection was severed.
const closeGrace = 2 * time.Second

func newSession(key string, cfg types.ServerConfig) *session {
	return &session{
		key:    key,
		cfg:    cfg,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// alive reports whether the remote side is still connected.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// acquire takes the session's request slot. The returned function releases
// it.
func (s *session) acquire(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-s.done:
		return nil, ErrServerStopped
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *session) closeStderr() {
	if s.stderr != nil {
		s.stderr.Close()
	}
}

// close tears the session down in the background and returns a channel that
// is closed once teardown has finished. It is safe to call more than once.
// New requests fail with ErrServerStopped from the moment close is called.
func (s *session) close() <-chan struct{} {
	s.closeOnce.Do(func() {
		s.markDone()
		go s.teardown()
	})
	return s.closed
}

// teardown closes the remote session. The SDK waits for outstanding requests
// before closing, so a server that never answers a cancellation is cut off
// after closeGrace.
func (s *session) teardown() {
	defer close(s.closed)
	if s.remote != nil {
		finished := make(chan struct{})
		go func() {
			s.remote.Close()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(closeGrace):
			if s.sever != nil {
				s.sever()
			}
			select {
			case <-finished:
			case <-time.After(closeGrace):
			}
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closeStderr()
}
