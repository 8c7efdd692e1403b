package codec

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/Bliod-Cook/drome/internal/types"
)

func toolRoundRequest() *types.GenerateRequest {
	return &types.GenerateRequest{
		Model: "m",
		Messages: []types.Message{
			types.NewMessage(types.RoleSystem, "be brief"),
			types.NewMessage(types.RoleUser, "add 1 and 2"),
			types.ToolCallMessage("call_1", "sum", `{"a":1,"b":2}`),
			types.ToolResultMessage("call_1", "sum", "3", false),
			types.ToolResultMessage("call_2", "lookup", "not found", true),
		},
		Tools: []types.ToolSpec{{
			Name:        "sum",
			Description: "adds",
			InputSchema: map[string]any{"type": "object", "$schema": "x", "additionalProperties": false},
			ServerID:    "calc",
		}},
		Options: map[string]any{"temperature": 0.2, "max_tokens": 512},
	}
}

func TestForRequestSelectsOpenAIEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Format
		wantErr  bool
	}{
		{"", FormatResponses, false},
		{"responses", FormatResponses, false},
		{"chat_completions", FormatChatCompletions, false},
		{"legacy", 0, true},
	}
	for _, tt := range tests {
		req := &types.GenerateRequest{Options: map[string]any{"endpoint": tt.endpoint}}
		c, err := ForRequest(types.VendorOpenAI, req, nil)
		if (err != nil) != tt.wantErr {
			t.Fatalf("endpoint %q: err = %v", tt.endpoint, err)
		}
		if err == nil && c.Format != tt.want {
			t.Errorf("endpoint %q: format = %v, want %v", tt.endpoint, c.Format, tt.want)
		}
	}
	if _, err := ForRequest("cohere", &types.GenerateRequest{}, nil); err == nil {
		t.Fatal("unknown vendor accepted")
	}
}

func TestChatEncoder(t *testing.T) {
	body, err := ChatEncoder{}.Encode(toolRoundRequest(), "gpt-4.1-mini")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	root := gjson.ParseBytes(body)
	if !root.Get("stream").Bool() || !root.Get("stream_options.include_usage").Bool() {
		t.Fatalf("stream flags missing: %s", body)
	}
	if root.Get("temperature").Float() != 0.2 || root.Get("max_tokens").Int() != 512 {
		t.Fatalf("options not applied: %s", body)
	}
	msgs := root.Get("messages").Array()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].Get("role").String() != "system" {
		t.Errorf("system role lost: %s", msgs[0].Raw)
	}
	if msgs[2].Get("tool_calls.0.function.name").String() != "sum" || msgs[2].Get("content").Type != gjson.Null {
		t.Errorf("tool call not encoded: %s", msgs[2].Raw)
	}
	if msgs[3].Get("role").String() != "tool" || msgs[3].Get("tool_call_id").String() != "call_1" || msgs[3].Get("content").String() != "3" {
		t.Errorf("tool result not encoded: %s", msgs[3].Raw)
	}
	// call_2 was never announced, so it is replayed as user text with the error prefix.
	if msgs[4].Get("role").String() != "user" || !strings.Contains(msgs[4].Get("content").String(), "error: not found") {
		t.Errorf("orphan result not downgraded: %s", msgs[4].Raw)
	}
	if root.Get("tools.0.function.name").String() != "sum" {
		t.Errorf("tools missing: %s", body)
	}
	h := http.Header{}
	ChatEncoder{}.Authorize(h, "sk")
	if h.Get("Authorization") != "Bearer sk" {
		t.Errorf("authorization = %q", h.Get("Authorization"))
	}
	if got := (ChatEncoder{}).URL("https://api.openai.com/v1/", "m"); got != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("url = %q", got)
	}
}

func TestResponsesEncoder(t *testing.T) {
	req := toolRoundRequest()
	req.SessionID = "sess-1"
	body, err := ResponsesEncoder{}.Encode(req, "gpt-4.1-mini")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	root := gjson.ParseBytes(body)
	if !root.Get("stream").Bool() || root.Get("model").String() != "gpt-4.1-mini" {
		t.Fatalf("unexpected header fields: %s", body)
	}
	if root.Get("prompt_cache_key").String() != "sess-1" {
		t.Errorf("prompt cache key = %q", root.Get("prompt_cache_key").String())
	}
	if root.Get("max_output_tokens").Int() != 512 {
		t.Errorf("max_output_tokens not applied: %s", body)
	}
	input := root.Get("input").Array()
	if len(input) != 5 {
		t.Fatalf("expected 5 input items, got %d: %s", len(input), body)
	}
	if input[2].Get("type").String() != "function_call" || input[2].Get("call_id").String() != "call_1" {
		t.Errorf("function_call item wrong: %s", input[2].Raw)
	}
	if input[3].Get("type").String() != "function_call_output" || input[3].Get("output").String() != "3" {
		t.Errorf("function_call_output item wrong: %s", input[3].Raw)
	}
	if root.Get("tools.0.type").String() != "function" || root.Get("tools.0.name").String() != "sum" {
		t.Errorf("tools wrong: %s", body)
	}
}

func TestAnthropicEncoder(t *testing.T) {
	req := toolRoundRequest()
	req.Options = nil
	body, err := AnthropicEncoder{}.Encode(req, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("max_tokens").Int() != AnthropicDefaultMaxTokens {
		t.Errorf("max_tokens default = %d", root.Get("max_tokens").Int())
	}
	if root.Get("system").String() != "be brief" {
		t.Errorf("system = %q", root.Get("system").String())
	}
	msgs := root.Get("messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("expected user/assistant/user, got %d: %s", len(msgs), body)
	}
	if msgs[1].Get("content.0.type").String() != "tool_use" || msgs[1].Get("content.0.input.a").Int() != 1 {
		t.Errorf("tool_use wrong: %s", msgs[1].Raw)
	}
	result := msgs[2].Get("content.0")
	if result.Get("type").String() != "tool_result" || result.Get("tool_use_id").String() != "call_1" || result.Get("is_error").Bool() {
		t.Errorf("tool_result wrong: %s", result.Raw)
	}
	if msgs[2].Get("content.1.type").String() != "text" {
		t.Errorf("orphan result should be text: %s", msgs[2].Raw)
	}
	h := http.Header{}
	AnthropicEncoder{}.Authorize(h, "key")
	if h.Get("x-api-key") != "key" || h.Get("anthropic-version") != AnthropicVersion {
		t.Errorf("headers = %v", h)
	}
}

func TestAnthropicEncoderErrorFlag(t *testing.T) {
	req := &types.GenerateRequest{Messages: []types.Message{
		types.ToolCallMessage("call_1", "sum", "{}"),
		types.ToolResultMessage("call_1", "sum", "boom", true),
	}}
	body, err := AnthropicEncoder{}.Encode(req, "m")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	result := gjson.GetBytes(body, "messages.1.content.0")
	if !result.Get("is_error").Bool() || result.Get("content").String() != "boom" {
		t.Fatalf("error flag not carried: %s", result.Raw)
	}
}

func TestGeminiEncoder(t *testing.T) {
	body, err := GeminiEncoder{}.Encode(toolRoundRequest(), "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("systemInstruction.parts.0.text").String() != "be brief" {
		t.Errorf("system instruction missing: %s", body)
	}
	contents := root.Get("contents").Array()
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d: %s", len(contents), body)
	}
	if contents[1].Get("role").String() != "model" || contents[1].Get("parts.0.functionCall.name").String() != "sum" {
		t.Errorf("function call wrong: %s", contents[1].Raw)
	}
	if contents[2].Get("parts.0.functionResponse.response.output").String() != "3" {
		t.Errorf("function response wrong: %s", contents[2].Raw)
	}
	params := root.Get("tools.0.functionDeclarations.0.parameters")
	if params.Get("type").String() != "object" || params.Get("additionalProperties").Exists() || params.Get("$schema").Exists() {
		t.Errorf("schema not sanitised: %s", params.Raw)
	}
	if root.Get("generationConfig.maxOutputTokens").Int() != 512 {
		t.Errorf("generationConfig missing: %s", body)
	}
	url := GeminiEncoder{}.URL("https://generativelanguage.googleapis.com", "gemini-2.5-flash")
	if url != "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse" {
		t.Errorf("url = %q", url)
	}
}

func TestPromptCacheKeyStableAcrossRounds(t *testing.T) {
	first := &types.GenerateRequest{Messages: []types.Message{
		types.NewMessage(types.RoleSystem, "sys"),
		types.NewMessage(types.RoleUser, "question"),
	}}
	later := &types.GenerateRequest{Messages: append(append([]types.Message{}, first.Messages...),
		types.ToolCallMessage("c", "t", "{}"),
		types.ToolResultMessage("c", "t", "ok", false),
	)}
	other := &types.GenerateRequest{Messages: []types.Message{types.NewMessage(types.RoleUser, "different")}}

	for _, keys := range []*CacheKeys{nil, NewCacheKeys(0)} {
		if keys.Key(first) != keys.Key(later) {
			t.Fatal("later rounds must reuse the cache key")
		}
		if keys.Key(first) == keys.Key(other) {
			t.Fatal("different conversations must not share a key")
		}
	}
	withSession := &types.GenerateRequest{SessionID: "s-1", Messages: first.Messages}
	if got := NewCacheKeys(0).Key(withSession); got != "s-1" {
		t.Fatalf("session id must win, got %q", got)
	}
}

func TestCacheKeysEvictOldest(t *testing.T) {
	keys := NewCacheKeys(2)
	req := func(text string) *types.GenerateRequest {
		return &types.GenerateRequest{Messages: []types.Message{types.NewMessage(types.RoleUser, text)}}
	}
	a := keys.Key(req("a"))
	keys.Key(req("b"))
	keys.Key(req("c"))
	if keys.Len() != 2 {
		t.Fatalf("len = %d, want 2", keys.Len())
	}
	if keys.Key(req("a")) == a {
		t.Fatal("evicted conversation must get a fresh key")
	}
}

func TestFormatUpstreamError(t *testing.T) {
	msg := FormatUpstreamError(429, []byte(`{"error":{"message":"Rate limit reached"}}`))
	if msg != "Upstream returned HTTP 429 Too Many Requests: Rate limit reached" {
		t.Fatalf("unexpected message: %s", msg)
	}
	msg = FormatUpstreamError(500, nil)
	if !strings.Contains(msg, "empty error body") {
		t.Fatalf("unexpected message: %s", msg)
	}
	if got := ExtractUpstreamErrorMessage([]byte(`[{"error":{"code":400,"message":"bad key"}}]`)); got != "bad key" {
		t.Fatalf("gemini array body: %q", got)
	}
}

func TestReasoningFor(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		options   map[string]any
		want      Reasoning
		wantModel string
	}{
		{"none", "gpt-5", nil, Reasoning{}, "gpt-5"},
		{"option", "gpt-5", map[string]any{"reasoning_effort": "High"}, Reasoning{Effort: "high", Summary: "auto"}, "gpt-5"},
		{"model suffix", "gpt-5:low", nil, Reasoning{Effort: "low", Summary: "auto"}, "gpt-5"},
		{"option beats suffix", "gpt-5:low", map[string]any{"reasoning_effort": "xhigh"}, Reasoning{Effort: "xhigh", Summary: "auto"}, "gpt-5"},
		{"unknown suffix kept", "llama3:8b", nil, Reasoning{}, "llama3:8b"},
		{"summary none", "o3", map[string]any{"reasoning_effort": "medium", "reasoning_summary": "none"}, Reasoning{Effort: "medium"}, "o3"},
		{"summary alone", "o3", map[string]any{"reasoning_summary": "detailed"}, Reasoning{Summary: "detailed"}, "o3"},
		{"invalid values", "o3", map[string]any{"reasoning_effort": "max", "reasoning_summary": "long"}, Reasoning{}, "o3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, model := ReasoningFor(&types.GenerateRequest{Options: tt.options}, tt.model)
			if got != tt.want || model != tt.wantModel {
				t.Fatalf("got %+v %q, want %+v %q", got, model, tt.want, tt.wantModel)
			}
		})
	}
}

func TestEncodersApplyReasoning(t *testing.T) {
	req := &types.GenerateRequest{
		Messages: []types.Message{types.NewMessage(types.RoleUser, "think")},
		Options:  map[string]any{"reasoning_effort": "high"},
	}
	body, err := ResponsesEncoder{}.Encode(req, "gpt-5")
	if err != nil {
		t.Fatalf("responses: %v", err)
	}
	root := gjson.ParseBytes(body)
	if root.Get("reasoning.effort").String() != "high" || root.Get("reasoning.summary").String() != "auto" {
		t.Errorf("responses reasoning: %s", body)
	}

	body, err = ChatEncoder{}.Encode(&types.GenerateRequest{Messages: req.Messages}, "o3:low")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	root = gjson.ParseBytes(body)
	if root.Get("reasoning_effort").String() != "low" || root.Get("model").String() != "o3" {
		t.Errorf("chat reasoning: %s", body)
	}
}
