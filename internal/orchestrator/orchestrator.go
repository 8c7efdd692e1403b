// Package orchestrator runs bounded agentic turns: it asks the model,
// executes the tools it requests on capability servers and feeds the results
// back until the model stops asking or the round limit is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/types"
)

// DefaultMaxRounds bounds a turn when no limit is configured.
const DefaultMaxRounds = 4

const (
	CodeMCPUnavailable = "mcp_unavailable"
	CodeMaxToolRounds  = "max_tool_rounds"
)

var (
	ErrToolNotRegistered = errors.New("tool not registered")
	ErrNoOwningServer    = errors.New("tool has no owning server")
	ErrMalformedArgs     = errors.New("tool arguments are not a JSON object")
)

// StructuralError aborts a turn because the request itself is malformed.
type StructuralError struct {
	Tool string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Provider streams one generation round.
type Provider interface {
	StreamGenerate(ctx context.Context, cfg types.ProviderConfig, apiKey string, req *types.GenerateRequest) (types.EventStream, error)
}

// ToolCaller executes tool calls on capability servers.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, callID, name, argsJSON string) (string, error)
}

// Orchestrator drives turns. It holds no per-turn state and may be shared.
type Orchestrator struct {
	provider  Provider
	tools     ToolCaller
	maxRounds int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRounds sets the round limit. Values below one are raised to one.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) { o.maxRounds = max(n, 1) }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator. tools may be nil, in which case any tool call
// ends the turn with a mcp_unavailable failure.
func New(provider Provider, tools ToolCaller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:  provider,
		tools:     tools,
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithRounds returns a copy of o limited to n rounds. n <= 0 keeps the
// current limit.
func (o *Orchestrator) WithRounds(n int) *Orchestrator {
	if n <= 0 {
		return o
	}
	c := *o
	c.maxRounds = n
	return &c
}

// MaxRounds reports the round limit.
func (o *Orchestrator) MaxRounds() int { return o.maxRounds }

// RunTurn runs a turn and returns every event it produced.
func (o *Orchestrator) RunTurn(ctx context.Context, cfg types.ProviderConfig, apiKey string, req *types.GenerateRequest) ([]types.Event, error) {
	var out []types.Event
	err := o.StreamTurn(ctx, cfg, apiKey, req, func(ev types.Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// StreamTurn runs a turn, passing each event to emit as soon as it is known.
// The per-round terminal events of the provider are held back so that a
// completed turn emits exactly one Completed or Failed event, last. req is
// not modified.
//
// Provider errors and structural errors abort the turn and are returned;
// tool failures are fed back to the model. An error returned by emit stops
// the turn and is returned as is.
func (o *Orchestrator) StreamTurn(ctx context.Context, cfg types.ProviderConfig, apiKey string, req *types.GenerateRequest, emit func(types.Event) error) error {
	t := &turn{
		o:    o,
		cfg:  cfg,
		emit: emit,
		req:  cloneRequest(req),
	}
	err := t.run(ctx, apiKey)
	o.metrics.ObserveTurn(cfg.ID, t.outcome(err), t.rounds)
	return err
}

type pendingCall struct {
	id, name, args string
}

type turn struct {
	o      *Orchestrator
	cfg    types.ProviderConfig
	req    *types.GenerateRequest
	emit   func(types.Event) error
	rounds int
	last   types.Event
}

func (t *turn) send(ev types.Event) error {
	t.last = ev
	return t.emit(ev)
}

func (t *turn) run(ctx context.Context, apiKey string) error {
	for round := 1; round <= t.o.maxRounds; round++ {
		t.rounds = round
		calls, terminal, err := t.generate(ctx, apiKey)
		if err != nil {
			return err
		}
		t.o.logger.Debug("orchestrator.round",
			"provider", t.cfg.ID,
			"round", round,
			"tool_calls", len(calls),
			"terminal", terminal.Type,
		)
		// A failed round ends the turn; its tool calls are not run.
		if len(calls) == 0 || terminal.Type == types.EventFailed {
			return t.send(terminal)
		}
		if t.o.tools == nil {
			t.o.logger.Warn("orchestrator.mcp_unavailable", "provider", t.cfg.ID, "tool_calls", len(calls))
			return t.send(types.Failed(CodeMCPUnavailable, "tool call requested but no capability session manager is configured", false))
		}
		if err := t.dispatch(ctx, calls); err != nil {
			return err
		}
	}
	return t.send(types.Failed(CodeMaxToolRounds, fmt.Sprintf("reached the limit of %d tool rounds", t.o.maxRounds), false))
}

// generate runs one provider round. Non-terminal events are emitted as they
// arrive; the terminal event is returned to the caller.
func (t *turn) generate(ctx context.Context, apiKey string) ([]pendingCall, types.Event, error) {
	es, err := t.o.provider.StreamGenerate(ctx, t.cfg, apiKey, t.req)
	if err != nil {
		return nil, types.Event{}, err
	}
	defer es.Close()

	var calls []pendingCall
	terminal := types.Completed()
	for {
		ev, err := es.Next()
		if errors.Is(err, io.EOF) {
			return calls, terminal, nil
		}
		if err != nil {
			return nil, types.Event{}, err
		}
		if ev.IsTerminal() {
			terminal = ev
			continue
		}
		if ev.Type == types.EventToolCallRequested {
			if ev.CallID == "" {
				ev.CallID = "call_" + uuid.NewString()
			}
			calls = append(calls, pendingCall{id: ev.CallID, name: ev.Name, args: ev.Arguments})
		}
		if err := t.send(ev); err != nil {
			return nil, types.Event{}, err
		}
	}
}

// dispatch executes the calls of one round in request order and appends the
// call/result messages for the next round.
func (t *turn) dispatch(ctx context.Context, calls []pendingCall) error {
	for _, call := range calls {
		spec, ok := t.req.FindTool(call.name)
		if !ok {
			return &StructuralError{Tool: call.name, Err: ErrToolNotRegistered}
		}
		if strings.TrimSpace(spec.ServerID) == "" {
			return &StructuralError{Tool: call.name, Err: ErrNoOwningServer}
		}
		if !isObjectOrBlank(call.args) {
			return &StructuralError{Tool: call.name, Err: ErrMalformedArgs}
		}

		output, err := t.o.tools.CallTool(ctx, spec.ServerID, call.id, call.name, call.args)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			text := err.Error()
			t.o.logger.Info("orchestrator.tool.failed", "server", spec.ServerID, "tool", call.name, "call_id", call.id, "error", text)
			if err := t.send(types.ToolCallResult(call.id, text, true)); err != nil {
				return err
			}
			t.req.Messages = append(t.req.Messages, types.ToolResultMessage(call.id, call.name, text, true))
			continue
		}
		if err := t.send(types.ToolCallResult(call.id, output, false)); err != nil {
			return err
		}
		t.req.Messages = append(t.req.Messages,
			types.ToolCallMessage(call.id, call.name, call.args),
			types.ToolResultMessage(call.id, call.name, output, false),
		)
	}
	return nil
}

func (t *turn) outcome(err error) string {
	var structural *StructuralError
	switch {
	case errors.As(err, &structural):
		return "structural_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case err != nil:
		return "error"
	case t.last.Type == types.EventFailed && (t.last.Code == CodeMaxToolRounds || t.last.Code == CodeMCPUnavailable):
		return t.last.Code
	case t.last.Type == types.EventFailed:
		return "failed"
	}
	return "completed"
}

func isObjectOrBlank(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(raw), &obj) == nil && obj != nil
}

func cloneRequest(req *types.GenerateRequest) *types.GenerateRequest {
	if req == nil {
		return &types.GenerateRequest{Stream: true}
	}
	c := *req
	c.Messages = append([]types.Message(nil), req.Messages...)
	c.Tools = append([]types.ToolSpec(nil), req.Tools...)
	return &c
}
