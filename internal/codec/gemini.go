package codec

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
)

// GeminiEncoder builds Gemini streamGenerateContent requests.
type GeminiEncoder struct{}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiDeclaration `json:"functionDeclarations"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

func (GeminiEncoder) URL(baseURL, model string) string {
	return trimBase(baseURL) + "/v1beta/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
}

func (GeminiEncoder) Authorize(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
}

func (GeminiEncoder) Encode(req *types.GenerateRequest, _ string) ([]byte, error) {
	announced := announcedCalls(req.Messages)
	var payload geminiRequest
	var system []geminiPart
	for _, m := range req.Messages {
		role := "user"
		var part geminiPart
		switch {
		case m.Role == types.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
			continue
		case m.IsToolCall():
			role = "model"
			part.FunctionCall = &geminiFunctionCall{Name: m.ToolName, Args: json.RawMessage(objectArguments(m.ToolArguments))}
		case m.Role == types.RoleTool:
			announcedName, ok := announced[m.ToolCallID]
			if !ok {
				part.Text = orphanResultText(m)
				break
			}
			name := m.ToolName
			if name == "" {
				name = announcedName
			}
			key := "output"
			if m.ToolFailed() {
				key = "error"
			}
			part.FunctionResponse = &geminiFunctionResponse{Name: name, Response: map[string]any{key: m.ToolOutput()}}
		default:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			if m.Role == types.RoleAssistant {
				role = "model"
			}
			part.Text = m.Content
		}
		if n := len(payload.Contents); n > 0 && payload.Contents[n-1].Role == role {
			payload.Contents[n-1].Parts = append(payload.Contents[n-1].Parts, part)
			continue
		}
		payload.Contents = append(payload.Contents, geminiContent{Role: role, Parts: []geminiPart{part}})
	}
	if len(system) > 0 {
		payload.SystemInstruction = &geminiContent{Parts: system}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiDeclaration{Name: t.Name, Description: t.Description, Parameters: geminiSchema(t.Schema())})
		}
		payload.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return applyOptions(body, req, optionPaths{
		temperature: "generationConfig.temperature",
		topP:        "generationConfig.topP",
		maxTokens:   "generationConfig.maxOutputTokens",
	})
}

// geminiSchema strips JSON Schema keywords the Gemini function declaration
// schema rejects.
func geminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties", "$defs", "definitions":
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = geminiSchema(val)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					items[i] = geminiSchema(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// GeminiDecoder decodes Gemini streamGenerateContent chunks. Function calls
// arrive whole, so they are emitted as soon as they are seen.
type GeminiDecoder struct {
	usage stream.UsageTracker
}

func NewGeminiDecoder() *GeminiDecoder {
	return &GeminiDecoder{}
}

func (d *GeminiDecoder) Decode(payload []byte) []types.Event {
	root := gjson.ParseBytes(payload)
	if root.IsArray() {
		root = root.Get("0")
	}
	if errObj := root.Get("error"); errObj.Exists() {
		status := errObj.Get("status").String()
		code := errObj.Get("code").String()
		msg := errObj.Get("message").String()
		if msg == "" {
			msg = "gemini error"
		}
		return []types.Event{types.Failed(failureCode(status, code), msg, IsTransient(status, code))}
	}

	var out []types.Event
	blocked := root.Get("promptFeedback.blockReason").String()
	root.Get("candidates").ForEach(func(_, candidate gjson.Result) bool {
		if reason := candidate.Get("finishReason").String(); geminiBlocked(reason) && blocked == "" {
			blocked = reason
		}
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				if part.Get("thought").Bool() {
					out = append(out, types.ReasoningDelta(text))
				} else {
					out = append(out, types.TextDelta(text))
				}
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				name := fc.Get("name").String()
				callID := fc.Get("id").String()
				if callID == "" {
					callID = "gemini_" + name + "_" + uuid.NewString()[:8]
				}
				args := "{}"
				if a := fc.Get("args"); a.Exists() {
					args = a.Raw
				}
				out = append(out, types.ToolCallRequested(callID, name, args))
			}
			return true
		})
		return true
	})
	if u := root.Get("usageMetadata"); u.IsObject() {
		d.usage.Observe(u.Get("promptTokenCount").Int(), u.Get("candidatesTokenCount").Int(), u.Get("totalTokenCount").Int())
	}
	if blocked != "" {
		if ev, ok := d.usage.Flush(); ok {
			out = append(out, ev)
		}
		out = append(out, types.Failed(strings.ToLower(blocked), "gemini stopped the response: "+blocked, false))
	}
	return out
}

// geminiBlocked reports whether a finishReason means the candidate was
// withheld by a content filter.
func geminiBlocked(reason string) bool {
	switch reason {
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "IMAGE_SAFETY":
		return true
	}
	return false
}

func (d *GeminiDecoder) Finish() []types.Event {
	if ev, ok := d.usage.Flush(); ok {
		return []types.Event{ev}
	}
	return nil
}
