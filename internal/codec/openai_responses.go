package codec

import (
	"encoding/json"
	"net/http"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Bliod-Cook/drome/internal/stream"
	"github.com/Bliod-Cook/drome/internal/types"
)

// ResponsesEncoder builds OpenAI Responses API requests. Keys assigns the
// prompt cache key; it may be nil.
type ResponsesEncoder struct {
	Keys *CacheKeys
}

func (ResponsesEncoder) URL(baseURL, _ string) string {
	return trimBase(baseURL) + "/responses"
}

func (ResponsesEncoder) Authorize(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (e ResponsesEncoder) Encode(req *types.GenerateRequest, model string) ([]byte, error) {
	reasoning, model := ReasoningFor(req, model)
	params := responses.ResponseNewParams{
		Model:          shared.ResponsesModel(model),
		Input:          responses.ResponseNewParamsInputUnion{OfInputItemList: messagesToSDKInput(req.Messages)},
		Tools:          toolsToSDK(req.Tools),
		PromptCacheKey: openai.String(e.Keys.Key(req)),
	}
	if v, ok := req.FloatOption(OptionTemperature); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := req.FloatOption(OptionTopP); ok {
		params.TopP = openai.Float(v)
	}
	if v, ok := req.IntOption(OptionMaxTokens); ok {
		params.MaxOutputTokens = openai.Int(v)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if reasoning.Effort != "" {
		if body, err = sjson.SetBytes(body, "reasoning.effort", reasoning.Effort); err != nil {
			return nil, err
		}
	}
	if reasoning.Summary != "" {
		if body, err = sjson.SetBytes(body, "reasoning.summary", reasoning.Summary); err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(body, "stream", true)
}

func messagesToSDKInput(msgs []types.Message) responses.ResponseInputParam {
	announced := announcedCalls(msgs)
	items := make(responses.ResponseInputParam, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.IsToolCall():
			items = append(items, responses.ResponseInputItemParamOfFunctionCall(stream.NormalizeArguments(m.ToolArguments), m.ToolCallID, m.ToolName))
		case m.Role == types.RoleTool:
			if _, ok := announced[m.ToolCallID]; !ok {
				items = append(items, inputTextMessage(orphanResultText(m), responses.EasyInputMessageRoleUser))
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.PrefixedToolOutput()))
		case m.Role == types.RoleAssistant:
			if m.Content == "" {
				continue
			}
			// Assistant turns must be replayed as output_text content.
			content := []responses.ResponseOutputMessageContentUnionParam{{
				OfOutputText: &responses.ResponseOutputTextParam{Text: m.Content},
			}}
			items = append(items, responses.ResponseInputItemParamOfOutputMessage(content, "", responses.ResponseOutputMessageStatusCompleted))
		case m.Role == types.RoleSystem:
			items = append(items, inputTextMessage(m.Content, responses.EasyInputMessageRoleSystem))
		default:
			items = append(items, inputTextMessage(m.Content, responses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func inputTextMessage(text string, role responses.EasyInputMessageRole) responses.ResponseInputItemUnionParam {
	content := responses.ResponseInputMessageContentListParam{responses.ResponseInputContentParamOfInputText(text)}
	return responses.ResponseInputItemParamOfMessage(content, role)
}

func toolsToSDK(tools []types.ToolSpec) []responses.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		ft := responses.FunctionToolParam{
			Name:       t.Name,
			Parameters: t.Schema(),
			Strict:     openai.Bool(false),
		}
		if t.Description != "" {
			ft.Description = openai.String(t.Description)
		}
		out = append(out, responses.ToolUnionParam{OfFunction: &ft})
	}
	return out
}

// ResponsesDecoder decodes the OpenAI Responses event stream.
type ResponsesDecoder struct {
	tools *stream.ToolBuffer
	usage stream.UsageTracker
}

func NewResponsesDecoder() *ResponsesDecoder {
	return &ResponsesDecoder{tools: stream.NewToolBuffer()}
}

func (d *ResponsesDecoder) Decode(payload []byte) []types.Event {
	root := gjson.ParseBytes(payload)
	switch root.Get("type").String() {
	case "response.output_text.delta":
		if delta := root.Get("delta").String(); delta != "" {
			return []types.Event{types.TextDelta(delta)}
		}
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if delta := root.Get("delta").String(); delta != "" {
			return []types.Event{types.ReasoningDelta(delta)}
		}
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() == "function_call" {
			d.beginItem(item)
		}
	case "response.function_call_arguments.delta":
		d.tools.Append(root.Get("item_id").String(), root.Get("delta").String())
	case "response.function_call_arguments.done":
		key := root.Get("item_id").String()
		d.tools.Begin(key, root.Get("call_id").String(), root.Get("name").String())
		if tc, _ := d.tools.Lookup(key); tc.ID == "" {
			d.tools.Begin(key, key, "")
		}
		if args := root.Get("arguments"); args.Exists() {
			d.tools.SetArguments(key, args.String())
		}
		if call, ok := d.tools.Take(key); ok {
			return []types.Event{types.ToolCallRequested(call.ID, call.Name, call.Arguments)}
		}
	case "response.output_item.done":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		key := d.beginItem(item)
		if call, ok := d.tools.Take(key); ok {
			return []types.Event{types.ToolCallRequested(call.ID, call.Name, call.Arguments)}
		}
	case "response.completed":
		if u := root.Get("response.usage"); u.IsObject() {
			d.usage.Observe(u.Get("input_tokens").Int(), u.Get("output_tokens").Int(), u.Get("total_tokens").Int())
		}
		return append(d.Finish(), types.Completed())
	case "response.incomplete":
		reason := root.Get("response.incomplete_details.reason").String()
		if reason == "" {
			reason = "response incomplete"
		}
		return []types.Event{types.Failed(CodeResponseIncomplete, reason, false)}
	case "response.failed":
		errObj := root.Get("response.error")
		if !errObj.Exists() {
			return []types.Event{types.Failed(CodeVendorError, "response failed", false)}
		}
		return []types.Event{openAIErrorEvent(errObj)}
	case "error":
		if errObj := root.Get("error"); errObj.Exists() {
			return []types.Event{openAIErrorEvent(errObj)}
		}
		return []types.Event{openAIErrorEvent(root)}
	}
	return nil
}

// beginItem registers a function_call output item and returns its slot key.
func (d *ResponsesDecoder) beginItem(item gjson.Result) string {
	key := item.Get("id").String()
	callID := item.Get("call_id").String()
	if key == "" {
		key = callID
	}
	if callID == "" {
		callID = key
	}
	d.tools.Begin(key, callID, item.Get("name").String())
	if args := item.Get("arguments").String(); !emptyArguments(args) {
		if existing, ok := d.tools.Lookup(key); !ok || len(args) >= len(existing.Arguments) {
			d.tools.SetArguments(key, args)
		}
	}
	return key
}

func (d *ResponsesDecoder) Finish() []types.Event {
	out := toolEvents(d.tools.Flush())
	if ev, ok := d.usage.Flush(); ok {
		out = append(out, ev)
	}
	return out
}

func emptyArguments(args string) bool {
	switch stream.NormalizeArguments(args) {
	case "{}", "[]":
		return true
	}
	return false
}
