package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Bliod-Cook/drome/internal/types"
)

var errCallTimeout = errors.New("tool call timed out")

// cancelGrace bounds how long a stop waits for the cancel notifications of
// its calls to be written.
const cancelGrace = 2 * time.Second

// activeCall is an in-flight tool call. The progress token sent to the
// server is the call id. An aborted or stopped call stays registered until
// its request has resolved on the wire.
type activeCall struct {
	id       string
	serverID string
	token    string
	cancel   context.CancelCauseFunc

	// Guarded by Manager.callsMu.
	cause error
	done  chan struct{}
}

// causeContext reports the cancellation cause of its parent from Err. The
// SDK names the reason of notifications/cancelled after ctx.Err, so the
// server sees "server stopped" or "tool call aborted" rather than a bare
// "context canceled".
type causeContext struct {
	context.Context
}

func (c causeContext) Err() error {
	if c.Context.Err() == nil {
		return nil
	}
	return context.Cause(c.Context)
}

// parseArguments decodes tool or prompt arguments. Blank input is an empty
// object.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, truncate(raw, 120))
	}
	return args, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CallTool invokes a tool and returns its text output. callID identifies the
// call for AbortTool and progress; an empty id is replaced by a generated
// one. A result flagged as an error by the server is returned as *ToolError.
func (m *Manager) CallTool(ctx context.Context, serverID, callID, name, argsJSON string) (string, error) {
	args, err := parseArguments(argsJSON)
	if err != nil {
		return "", err
	}
	cfg, err := m.Config(serverID)
	if err != nil {
		return "", err
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	call := &activeCall{id: callID, serverID: serverID, token: callID, cancel: cancel, done: make(chan struct{})}
	if err := m.registerCall(call); err != nil {
		return "", err
	}

	timeout := cfg.CallTimeout()
	callCtx, stop := context.WithTimeoutCause(callCtx, timeout, errCallTimeout)
	defer stop()

	start := time.Now()
	out, err := m.callTool(callCtx, cfg, call, name, args)
	elapsed := time.Since(start)
	if errors.Is(err, errCallTimeout) {
		err = fmt.Errorf("%w after %s", err, timeout)
	}

	outcome := callOutcome(err)
	m.metrics.ObserveToolCall(serverID, outcome, elapsed)
	m.logger.Debug("mcp.call",
		"server", serverID,
		"tool", name,
		"call_id", callID,
		"outcome", outcome,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return out, err
}

// callTool runs a registered call. The call is unregistered once nothing
// is left in flight for it: on an early return, or when the request
// goroutine has finished, which may be after callTool itself has returned.
func (m *Manager) callTool(ctx context.Context, cfg types.ServerConfig, call *activeCall, name string, args map[string]any) (string, error) {
	s, err := m.getOrConnect(ctx, cfg)
	if err != nil {
		m.finishCall(call)
		return "", interrupted(ctx, err)
	}
	release, err := s.acquire(ctx)
	if err != nil {
		m.finishCall(call)
		return "", interrupted(ctx, err)
	}

	type result struct {
		res *mcpsdk.CallToolResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer m.finishCall(call)
		defer release()
		res, err := s.remote.CallTool(causeContext{ctx}, &mcpsdk.CallToolParams{
			Meta:      mcpsdk.Meta{"progressToken": call.token},
			Name:      name,
			Arguments: args,
		})
		ch <- result{res, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", interrupted(ctx, fmt.Errorf("call %s on %s: %w", name, cfg.ID, r.err))
		}
		return toolOutput(r.res)
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

// interrupted prefers the cancellation cause of ctx over err once ctx is
// done, so aborts and stops are reported as such.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// toolOutput joins the text blocks of a result. Other content kinds are
// rendered as their JSON form.
func toolOutput(res *mcpsdk.CallToolResult) (string, error) {
	if res == nil {
		return "", nil
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		case nil:
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encode tool content: %w", err)
			}
			parts = append(parts, string(b))
		}
	}
	out := strings.Join(parts, "\n")
	if res.IsError {
		return "", &ToolError{Text: out}
	}
	return out, nil
}

func callOutcome(err error) string {
	var toolErr *ToolError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &toolErr):
		return "tool_error"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrServerStopped):
		return "stopped"
	case errors.Is(err, errCallTimeout):
		return "timeout"
	}
	return "error"
}

func (m *Manager) registerCall(call *activeCall) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	if _, ok := m.calls[call.id]; ok {
		return fmt.Errorf("%w: %s", ErrCallInFlight, call.id)
	}
	m.calls[call.id] = call
	m.progress[call.token] = call.id
	return nil
}

// finishCall removes call from both indexes and marks it done. It runs
// exactly once per registered call.
func (m *Manager) finishCall(call *activeCall) {
	m.callsMu.Lock()
	if m.calls[call.id] == call {
		delete(m.calls, call.id)
		delete(m.progress, call.token)
	}
	m.callsMu.Unlock()
	close(call.done)
}

// AbortTool cancels an in-flight call. It returns false when callID is not
// in flight or is already being canceled.
func (m *Manager) AbortTool(callID string) bool {
	m.callsMu.Lock()
	call, ok := m.calls[callID]
	if ok && call.cause != nil {
		ok = false
	}
	if ok {
		call.cause = ErrAborted
	}
	m.callsMu.Unlock()
	if !ok {
		return false
	}
	call.cancel(ErrAborted)
	m.logger.Info("mcp.call.abort", "server", call.serverID, "call_id", callID)
	return true
}

// failCalls cancels every in-flight call on a server with cause and returns
// the calls it canceled.
func (m *Manager) failCalls(serverID string, cause error) []*activeCall {
	var victims []*activeCall
	m.callsMu.Lock()
	for _, call := range m.calls {
		if call.serverID == serverID && call.cause == nil {
			call.cause = cause
			victims = append(victims, call)
		}
	}
	m.callsMu.Unlock()
	for _, call := range victims {
		call.cancel(cause)
	}
	return victims
}

// awaitCalls waits until every call has left the wire, so that their cancel
// notifications were written before the session closes. It gives up after d.
func awaitCalls(calls []*activeCall, d time.Duration) bool {
	if len(calls) == 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for _, call := range calls {
		select {
		case <-call.done:
		case <-timer.C:
			return false
		}
	}
	return true
}

// InFlight reports whether callID is currently in flight.
func (m *Manager) InFlight(callID string) bool {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	_, ok := m.calls[callID]
	return ok
}

func (m *Manager) handleProgress(serverID string, p *mcpsdk.ProgressNotificationParams) {
	if p == nil || p.ProgressToken == nil {
		return
	}
	token := progressToken(p.ProgressToken)
	m.callsMu.Lock()
	callID, ok := m.progress[token]
	if c := m.calls[callID]; ok && c != nil && c.cause != nil {
		ok = false
	}
	m.callsMu.Unlock()
	if !ok {
		return
	}
	value := p.Progress
	if p.Total > 0 {
		value = p.Progress / p.Total
	}
	value = min(max(value, 0), 1)
	m.hub.publish(Notification{
		Kind:     NotifyProgress,
		ServerID: serverID,
		CallID:   callID,
		Progress: &types.Progress{ServerID: serverID, CallID: callID, Value: value, Message: p.Message},
	})
}

// progressToken normalises a numeric or string token to its index key.
func progressToken(tok any) string {
	switch v := tok.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
	}
	return fmt.Sprint(tok)
}
