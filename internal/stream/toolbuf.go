package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered function-call
// argument deltas per tool call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

// ToolCall is a tool call assembled from streamed fragments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string

	emitted bool
}

// ToolBuffer accumulates tool-call fragments keyed by the vendor's slot key
// (a stream index or an output item id). Each call is handed out once.
type ToolBuffer struct {
	calls map[string]*ToolCall
	order []string
}

// NewToolBuffer creates a new empty ToolBuffer.
func NewToolBuffer() *ToolBuffer {
	return &ToolBuffer{calls: map[string]*ToolCall{}}
}

func (tb *ToolBuffer) slot(key string) *ToolCall {
	tc, ok := tb.calls[key]
	if !ok {
		tc = &ToolCall{}
		tb.calls[key] = tc
		tb.order = append(tb.order, key)
	}
	return tc
}

// Begin records the id and name of the call in slot key. Empty values do not
// overwrite earlier ones.
func (tb *ToolBuffer) Begin(key, id, name string) {
	tc := tb.slot(key)
	if id = strings.TrimSpace(id); id != "" {
		tc.ID = id
	}
	if name = strings.TrimSpace(name); name != "" {
		tc.Name = name
	}
}

// Append adds an argument fragment to slot key.
func (tb *ToolBuffer) Append(key, fragment string) {
	if fragment == "" {
		return
	}
	tc := tb.slot(key)
	if len(tc.Arguments)+len(fragment) > MaxToolArgBufSize {
		slog.Warn("tool argument buffer limit exceeded, dropping delta", "slot", key, "buf_len", len(tc.Arguments), "delta_len", len(fragment))
		return
	}
	tc.Arguments += fragment
}

// SetArguments replaces the arguments of slot key with a complete value.
func (tb *ToolBuffer) SetArguments(key, args string) {
	tb.slot(key).Arguments = args
}

// Lookup returns the call in slot key.
func (tb *ToolBuffer) Lookup(key string) (ToolCall, bool) {
	tc, ok := tb.calls[key]
	if !ok {
		return ToolCall{}, false
	}
	return *tc, true
}

// Ready hands out the call in slot key once its name is known and its
// arguments form a complete JSON document.
func (tb *ToolBuffer) Ready(key string) (ToolCall, bool) {
	tc, ok := tb.calls[key]
	if !ok || tc.emitted || tc.Name == "" {
		return ToolCall{}, false
	}
	args := strings.TrimSpace(tc.Arguments)
	if args == "" || !json.Valid([]byte(args)) {
		return ToolCall{}, false
	}
	tc.emitted = true
	out := *tc
	out.Arguments = args
	return out, true
}

// Take hands out the call in slot key regardless of argument completeness.
func (tb *ToolBuffer) Take(key string) (ToolCall, bool) {
	tc, ok := tb.calls[key]
	if !ok || tc.emitted || tc.Name == "" {
		return ToolCall{}, false
	}
	tc.emitted = true
	out := *tc
	out.Arguments = NormalizeArguments(tc.Arguments)
	return out, true
}

// Flush hands out every pending call in first-seen order.
func (tb *ToolBuffer) Flush() []ToolCall {
	var out []ToolCall
	for _, key := range tb.order {
		if tc, ok := tb.Take(key); ok {
			out = append(out, tc)
		}
	}
	return out
}

// NormalizeArguments trims arguments and maps blank or null to "{}".
func NormalizeArguments(args string) string {
	args = strings.TrimSpace(args)
	if args == "" || args == "null" {
		return "{}"
	}
	return args
}
