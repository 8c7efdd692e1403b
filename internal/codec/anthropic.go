package codec

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
)

const (
	AnthropicVersion          = "2023-06-01"
	AnthropicDefaultMaxTokens = 4096
)

// AnthropicEncoder builds Anthropic Messages API requests.
type AnthropicEncoder struct{}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *string         `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int64              `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

func (AnthropicEncoder) URL(baseURL, _ string) string {
	return trimBase(baseURL) + "/v1/messages"
}

func (AnthropicEncoder) Authorize(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", AnthropicVersion)
}

func (AnthropicEncoder) Encode(req *types.GenerateRequest, model string) ([]byte, error) {
	payload := anthropicRequest{
		Model:     model,
		MaxTokens: AnthropicDefaultMaxTokens,
		Stream:    true,
	}
	if v, ok := req.IntOption(OptionMaxTokens); ok && v > 0 {
		payload.MaxTokens = v
	}

	announced := announcedCalls(req.Messages)
	var system []string
	for _, m := range req.Messages {
		var role string
		var block anthropicBlock
		switch {
		case m.Role == types.RoleSystem:
			system = append(system, m.Content)
			continue
		case m.IsToolCall():
			role = "assistant"
			block = anthropicBlock{
				Type:  "tool_use",
				ID:    m.ToolCallID,
				Name:  m.ToolName,
				Input: json.RawMessage(objectArguments(m.ToolArguments)),
			}
		case m.Role == types.RoleTool:
			role = "user"
			if _, ok := announced[m.ToolCallID]; !ok {
				block = anthropicBlock{Type: "text", Text: orphanResultText(m)}
				break
			}
			out := m.ToolOutput()
			block = anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: &out, IsError: m.ToolFailed()}
		default:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			role = string(m.Role)
			block = anthropicBlock{Type: "text", Text: m.Content}
		}
		// Consecutive turns of one role share a message.
		if n := len(payload.Messages); n > 0 && payload.Messages[n-1].Role == role {
			payload.Messages[n-1].Content = append(payload.Messages[n-1].Content, block)
			continue
		}
		payload.Messages = append(payload.Messages, anthropicMessage{Role: role, Content: []anthropicBlock{block}})
	}
	payload.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema()})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return applyOptions(body, req, optionPaths{temperature: "temperature", topP: "top_p"})
}

// objectArguments returns args when they form a JSON object, "{}" otherwise.
func objectArguments(args string) string {
	args = stream.NormalizeArguments(args)
	if !gjson.Valid(args) || !gjson.Parse(args).IsObject() {
		return "{}"
	}
	return args
}

// AnthropicDecoder decodes the Anthropic Messages event stream.
type AnthropicDecoder struct {
	tools *stream.ToolBuffer
	usage stream.UsageTracker
}

func NewAnthropicDecoder() *AnthropicDecoder {
	return &AnthropicDecoder{tools: stream.NewToolBuffer()}
}

func (d *AnthropicDecoder) Decode(payload []byte) []types.Event {
	root := gjson.ParseBytes(payload)
	switch root.Get("type").String() {
	case "message_start":
		if u := root.Get("message.usage"); u.IsObject() {
			d.usage.Observe(u.Get("input_tokens").Int(), u.Get("output_tokens").Int(), 0)
		}
	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		key := root.Get("index").String()
		d.tools.Begin(key, block.Get("id").String(), block.Get("name").String())
		if input := block.Get("input"); input.IsObject() && len(input.Map()) > 0 {
			d.tools.SetArguments(key, input.Raw)
		}
	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if text := delta.Get("text").String(); text != "" {
				return []types.Event{types.TextDelta(text)}
			}
		case "thinking_delta":
			if text := delta.Get("thinking").String(); text != "" {
				return []types.Event{types.ReasoningDelta(text)}
			}
		case "input_json_delta":
			d.tools.Append(root.Get("index").String(), delta.Get("partial_json").String())
		}
	case "content_block_stop":
		if call, ok := d.tools.Take(root.Get("index").String()); ok {
			return []types.Event{types.ToolCallRequested(call.ID, call.Name, call.Arguments)}
		}
	case "message_delta":
		if u := root.Get("usage"); u.IsObject() {
			d.usage.Observe(u.Get("input_tokens").Int(), u.Get("output_tokens").Int(), 0)
		}
	case "message_stop":
		return append(d.Finish(), types.Completed())
	case "error":
		kind := root.Get("error.type").String()
		msg := root.Get("error.message").String()
		if msg == "" {
			msg = "anthropic error"
		}
		return []types.Event{types.Failed(failureCode(kind), msg, IsTransient(kind))}
	}
	return nil
}

func (d *AnthropicDecoder) Finish() []types.Event {
	out := toolEvents(d.tools.Flush())
	if ev, ok := d.usage.Flush(); ok {
		out = append(out, ev)
	}
	return out
}
