package codec

import (
	"strings"
	"testing"

	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
)

// decodeAll runs an SSE body through a decoder the way the provider adapter
// does, including the final flush.
func decodeAll(t *testing.T, d Decoder, body string) []types.Event {
	t.Helper()
	reader := stream.NewReader(strings.NewReader(body))
	var out []types.Event
	for {
		evt, err := reader.Next()
		if err != nil {
			break
		}
		out = append(out, d.Decode(evt.Raw)...)
	}
	return append(out, d.Finish()...)
}

func eventTypes(events []types.Event) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func indexOf(events []types.Event, typ types.EventType) int {
	for i, e := range events {
		if e.Type == typ {
			return i
		}
	}
	return -1
}

func TestChatDecoderTextBeforeToolCallInSameChunk(t *testing.T) {
	payload := `{"choices":[{"delta":{"content":"Hello","tool_calls":[{"id":"call_1","function":{"name":"sum","arguments":"{\"a\":1,\"b\":2}"}}]}}],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`
	d := NewChatDecoder()
	events := append(d.Decode([]byte(payload)), d.Finish()...)

	text := indexOf(events, types.EventTextDelta)
	call := indexOf(events, types.EventToolCallRequested)
	usage := indexOf(events, types.EventUsage)
	if text < 0 || call < 0 || usage < 0 {
		t.Fatalf("missing events: %v", eventTypes(events))
	}
	if text > call {
		t.Fatalf("text delta must precede tool call: %v", eventTypes(events))
	}
	if events[text].Text != "Hello" {
		t.Errorf("text = %q", events[text].Text)
	}
	if c := events[call]; c.Name != "sum" || c.CallID != "call_1" || c.Arguments != `{"a":1,"b":2}` {
		t.Errorf("unexpected tool call: %+v", c)
	}
	if u := events[usage].Usage; u.TotalTokens != 13 || u.InputTokens != 10 || u.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", u)
	}
}

func TestChatDecoderIncrementalToolArguments(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_7","type":"function","function":{"name":"search","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}

data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":5,"total_tokens":9}}

data: [DONE]
`
	events := decodeAll(t, NewChatDecoder(), body)
	var calls, usages []types.Event
	for _, e := range events {
		switch e.Type {
		case types.EventToolCallRequested:
			calls = append(calls, e)
		case types.EventUsage:
			usages = append(usages, e)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one tool call, got %d: %v", len(calls), eventTypes(events))
	}
	if calls[0].Arguments != `{"q":"go"}` || calls[0].CallID != "call_7" {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if len(usages) != 1 || usages[0].Usage.TotalTokens != 9 {
		t.Fatalf("expected one usage with last totals, got %+v", usages)
	}
}

func TestChatDecoderReasoningAndError(t *testing.T) {
	d := NewChatDecoder()
	events := d.Decode([]byte(`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`))
	if len(events) != 1 || events[0].Type != types.EventReasoningDelta {
		t.Fatalf("unexpected events: %+v", events)
	}
	events = d.Decode([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded","code":"rate_limit_exceeded"}}`))
	if len(events) != 1 || events[0].Type != types.EventFailed {
		t.Fatalf("expected failed, got %+v", events)
	}
	if !events[0].Retriable || events[0].Code != CodeRateLimited {
		t.Fatalf("rate limit must be retriable: %+v", events[0])
	}
}

func TestResponsesDecoderStream(t *testing.T) {
	body := `data: {"type":"response.created","response":{"id":"resp_1"}}

data: {"type":"response.reasoning_summary_text.delta","delta":"plan"}

data: {"type":"response.output_text.delta","delta":"Hi"}

data: {"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"lookup","arguments":"{}"}}

data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"id\":"}

data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"42}"}

data: {"type":"response.function_call_arguments.done","item_id":"fc_1","arguments":"{\"id\":42}"}

data: {"type":"response.output_item.done","item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"lookup","arguments":"{\"id\":42}"}}

data: {"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":8,"output_tokens":4,"total_tokens":12}}}
`
	events := decodeAll(t, NewResponsesDecoder(), body)
	want := []types.EventType{
		types.EventReasoningDelta,
		types.EventTextDelta,
		types.EventToolCallRequested,
		types.EventUsage,
		types.EventCompleted,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	call := events[2]
	if call.CallID != "call_9" || call.Name != "lookup" || call.Arguments != `{"id":42}` {
		t.Fatalf("unexpected call: %+v", call)
	}
	if events[3].Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", events[3].Usage)
	}
}

func TestResponsesDecoderFailure(t *testing.T) {
	d := NewResponsesDecoder()
	events := d.Decode([]byte(`{"type":"response.failed","response":{"error":{"code":"server_error","message":"boom"}}}`))
	if len(events) != 1 || events[0].Type != types.EventFailed || events[0].Message != "boom" || !events[0].Retriable {
		t.Fatalf("unexpected events: %+v", events)
	}
	events = d.Decode([]byte(`{"type":"response.incomplete","response":{"incomplete_details":{"reason":"max_output_tokens"}}}`))
	if len(events) != 1 || events[0].Code != CodeResponseIncomplete || events[0].Message != "max_output_tokens" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestAnthropicDecoderStream(t *testing.T) {
	body := `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Checking"}}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}

event: message_stop
data: {"type":"message_stop"}
`
	events := decodeAll(t, NewAnthropicDecoder(), body)
	want := []types.EventType{
		types.EventReasoningDelta,
		types.EventTextDelta,
		types.EventToolCallRequested,
		types.EventUsage,
		types.EventCompleted,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if c := events[2]; c.CallID != "toolu_1" || c.Name != "weather" || c.Arguments != `{"city":"Paris"}` {
		t.Fatalf("unexpected call: %+v", c)
	}
	if u := events[3].Usage; u.InputTokens != 25 || u.OutputTokens != 15 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestAnthropicDecoderError(t *testing.T) {
	tests := []struct {
		payload   string
		retriable bool
		code      string
	}{
		{`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, true, CodeOverloaded},
		{`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, false, CodeVendorError},
	}
	for _, tt := range tests {
		events := NewAnthropicDecoder().Decode([]byte(tt.payload))
		if len(events) != 1 || events[0].Type != types.EventFailed {
			t.Fatalf("expected failed for %s, got %+v", tt.payload, events)
		}
		if events[0].Retriable != tt.retriable || events[0].Code != tt.code {
			t.Errorf("payload %s: got %+v", tt.payload, events[0])
		}
	}
}

func TestGeminiDecoder(t *testing.T) {
	body := `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true},{"text":"Sure"}]}}]}

data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"sum","args":{"a":1}}}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}

data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"sum","args":{"a":2}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":7,"totalTokenCount":10}}
`
	events := decodeAll(t, NewGeminiDecoder(), body)
	want := []types.EventType{
		types.EventReasoningDelta,
		types.EventTextDelta,
		types.EventToolCallRequested,
		types.EventToolCallRequested,
		types.EventUsage,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if events[2].CallID == events[3].CallID {
		t.Fatalf("repeated calls to one tool need distinct ids: %q", events[2].CallID)
	}
	if !strings.HasPrefix(events[2].CallID, "gemini_sum_") || events[2].Arguments != `{"a":1}` {
		t.Fatalf("unexpected call: %+v", events[2])
	}
	if events[4].Usage.TotalTokens != 10 {
		t.Fatalf("usage must use last report: %+v", events[4].Usage)
	}
}

func TestGeminiDecoderBlockedCandidate(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"safety", `{"candidates":[{"content":{"parts":[{"text":"par"}]},"finishReason":"SAFETY"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`, "safety"},
		{"recitation", `{"candidates":[{"finishReason":"RECITATION"}]}`, "recitation"},
		{"prohibited", `{"candidates":[{"finishReason":"PROHIBITED_CONTENT"}]}`, "prohibited_content"},
		{"prompt blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`, "safety"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := NewGeminiDecoder().Decode([]byte(tt.payload))
			if len(events) == 0 {
				t.Fatal("no events")
			}
			last := events[len(events)-1]
			if last.Type != types.EventFailed || last.Code != tt.wantCode || last.Retriable {
				t.Fatalf("unexpected terminal: %+v", last)
			}
		})
	}

	events := NewGeminiDecoder().Decode([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"MAX_TOKENS"}]}`))
	if got := eventTypes(events); len(got) != 1 || got[0] != types.EventTextDelta {
		t.Fatalf("MAX_TOKENS must not fail the turn: %v", got)
	}
}

func TestGeminiDecoderError(t *testing.T) {
	events := NewGeminiDecoder().Decode([]byte(`[{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}]`))
	if len(events) != 1 || events[0].Type != types.EventFailed || !events[0].Retriable || events[0].Code != CodeRateLimited {
		t.Fatalf("unexpected events: %+v", events)
	}
}
