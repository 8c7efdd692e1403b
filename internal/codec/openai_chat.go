package codec

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
)

// ChatEncoder builds OpenAI chat-completions requests.
type ChatEncoder struct{}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   *string        `json:"arguments,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

func (ChatEncoder) URL(baseURL, _ string) string {
	return trimBase(baseURL) + "/chat/completions"
}

func (ChatEncoder) Authorize(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (ChatEncoder) Encode(req *types.GenerateRequest, model string) ([]byte, error) {
	reasoning, model := ReasoningFor(req, model)
	announced := announcedCalls(req.Messages)
	payload := chatRequest{
		Model:         model,
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	}
	for _, m := range req.Messages {
		switch {
		case m.IsToolCall():
			args := stream.NormalizeArguments(m.ToolArguments)
			payload.Messages = append(payload.Messages, chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{{
					ID:       m.ToolCallID,
					Type:     "function",
					Function: chatFunction{Name: m.ToolName, Arguments: &args},
				}},
			})
		case m.Role == types.RoleTool:
			if _, ok := announced[m.ToolCallID]; !ok {
				text := orphanResultText(m)
				payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: &text})
				continue
			}
			out := m.PrefixedToolOutput()
			payload.Messages = append(payload.Messages, chatMessage{Role: "tool", Content: &out, ToolCallID: m.ToolCallID})
		default:
			content := m.Content
			payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Content: &content})
		}
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Schema()},
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if reasoning.Effort != "" {
		if body, err = sjson.SetBytes(body, "reasoning_effort", reasoning.Effort); err != nil {
			return nil, err
		}
	}
	return applyOptions(body, req, optionPaths{temperature: "temperature", topP: "top_p", maxTokens: "max_tokens"})
}

// ChatDecoder decodes OpenAI chat-completions chunks.
type ChatDecoder struct {
	tools *stream.ToolBuffer
	usage stream.UsageTracker
}

func NewChatDecoder() *ChatDecoder {
	return &ChatDecoder{tools: stream.NewToolBuffer()}
}

func (d *ChatDecoder) Decode(payload []byte) []types.Event {
	root := gjson.ParseBytes(payload)
	if errObj := root.Get("error"); errObj.Exists() {
		return []types.Event{openAIErrorEvent(errObj)}
	}

	var out []types.Event
	root.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		delta := choice.Get("delta")
		if r := delta.Get("reasoning_content").String(); r != "" {
			out = append(out, types.ReasoningDelta(r))
		}
		if c := delta.Get("content").String(); c != "" {
			out = append(out, types.TextDelta(c))
		}
		pos := 0
		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			key := chatToolSlot(tc, pos)
			pos++
			d.tools.Begin(key, tc.Get("id").String(), tc.Get("function.name").String())
			d.tools.Append(key, tc.Get("function.arguments").String())
			if call, ok := d.tools.Ready(key); ok {
				out = append(out, types.ToolCallRequested(call.ID, call.Name, call.Arguments))
			}
			return true
		})
		if choice.Get("finish_reason").String() == "tool_calls" {
			out = append(out, toolEvents(d.tools.Flush())...)
		}
		return true
	})
	if u := root.Get("usage"); u.IsObject() {
		d.usage.Observe(u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int(), u.Get("total_tokens").Int())
	}
	return out
}

func (d *ChatDecoder) Finish() []types.Event {
	out := toolEvents(d.tools.Flush())
	if ev, ok := d.usage.Flush(); ok {
		out = append(out, ev)
	}
	return out
}

// chatToolSlot keys a streamed tool call by its index, falling back to its
// id and then to its position in the chunk.
func chatToolSlot(tc gjson.Result, pos int) string {
	if idx := tc.Get("index"); idx.Exists() {
		return "index:" + idx.String()
	}
	if id := tc.Get("id").String(); id != "" {
		return "id:" + id
	}
	return "index:" + strconv.Itoa(pos)
}

func toolEvents(calls []stream.ToolCall) []types.Event {
	out := make([]types.Event, 0, len(calls))
	for _, c := range calls {
		out = append(out, types.ToolCallRequested(c.ID, c.Name, c.Arguments))
	}
	return out
}
