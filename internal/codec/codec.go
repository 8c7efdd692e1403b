package codec

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/Bliod-Cook/drome/internal/types"
)

// Format identifies a vendor wire format.
type Format int

const (
	FormatChatCompletions Format = iota
	FormatResponses
	FormatAnthropic
	FormatGemini
)

func (f Format) String() string {
	switch f {
	case FormatChatCompletions:
		return "openai_chat"
	case FormatResponses:
		return "openai_responses"
	case FormatAnthropic:
		return "anthropic"
	case FormatGemini:
		return "gemini"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Provider option keys understood by every encoder.
const (
	OptionTemperature = "temperature"
	OptionTopP        = "top_p"
	OptionMaxTokens   = "max_tokens"
	OptionEndpoint    = "endpoint"
)

// OpenAI endpoint option values.
const (
	EndpointChatCompletions = "chat_completions"
	EndpointResponses       = "responses"
)

// Encoder builds the streamed HTTP request for one vendor.
type Encoder interface {
	URL(baseURL, model string) string
	Authorize(h http.Header, apiKey string)
	Encode(req *types.GenerateRequest, model string) ([]byte, error)
}

// Decoder maps the data payloads of one streamed response to events. A
// decoder is stateful and serves a single generation turn.
type Decoder interface {
	// Decode maps one payload to zero or more events in vendor emission order.
	// A terminal event, when produced, is the last element.
	Decode(payload []byte) []types.Event
	// Finish flushes pending tool calls and usage when the stream ended
	// without a terminal payload.
	Finish() []types.Event
}

// Codec pairs the encoder and decoder factory of a wire format.
type Codec struct {
	Format     Format
	Encoder    Encoder
	NewDecoder func() Decoder
}

// ForRequest selects the codec for a vendor. OpenAI requests choose between
// chat completions and responses through the endpoint option. keys assigns
// prompt cache keys where the wire format carries one.
func ForRequest(vendor types.Vendor, req *types.GenerateRequest, keys *CacheKeys) (Codec, error) {
	switch vendor {
	case types.VendorOpenAI:
		switch ep := req.StringOption(OptionEndpoint); ep {
		case EndpointChatCompletions:
			return Codec{Format: FormatChatCompletions, Encoder: ChatEncoder{}, NewDecoder: func() Decoder { return NewChatDecoder() }}, nil
		case "", EndpointResponses:
			return Codec{Format: FormatResponses, Encoder: ResponsesEncoder{Keys: keys}, NewDecoder: func() Decoder { return NewResponsesDecoder() }}, nil
		default:
			return Codec{}, fmt.Errorf("unknown openai endpoint %q", ep)
		}
	case types.VendorAnthropic:
		return Codec{Format: FormatAnthropic, Encoder: AnthropicEncoder{}, NewDecoder: func() Decoder { return NewAnthropicDecoder() }}, nil
	case types.VendorGemini:
		return Codec{Format: FormatGemini, Encoder: GeminiEncoder{}, NewDecoder: func() Decoder { return NewGeminiDecoder() }}, nil
	}
	return Codec{}, fmt.Errorf("unsupported vendor %q", vendor)
}

// optionPaths maps the generic sampling options to a vendor's JSON paths.
type optionPaths struct {
	temperature string
	topP        string
	maxTokens   string
}

// applyOptions patches the sampling options present in req into body.
func applyOptions(body []byte, req *types.GenerateRequest, paths optionPaths) ([]byte, error) {
	var err error
	if v, ok := req.FloatOption(OptionTemperature); ok && paths.temperature != "" {
		if body, err = sjson.SetBytes(body, paths.temperature, v); err != nil {
			return nil, err
		}
	}
	if v, ok := req.FloatOption(OptionTopP); ok && paths.topP != "" {
		if body, err = sjson.SetBytes(body, paths.topP, v); err != nil {
			return nil, err
		}
	}
	if v, ok := req.IntOption(OptionMaxTokens); ok && paths.maxTokens != "" {
		if body, err = sjson.SetBytes(body, paths.maxTokens, v); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// announcedCalls returns the call ids of every assistant tool-call
// announcement, mapped to the tool name.
func announcedCalls(msgs []types.Message) map[string]string {
	out := make(map[string]string)
	for _, m := range msgs {
		if m.IsToolCall() && m.ToolCallID != "" {
			out[m.ToolCallID] = m.ToolName
		}
	}
	return out
}

// orphanResultText renders a tool result whose call was never announced in
// the history as plain user text, since vendors reject unpaired results.
func orphanResultText(m types.Message) string {
	name := strings.TrimSpace(m.ToolName)
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("[%s %s] %s", name, m.ToolCallID, m.PrefixedToolOutput())
}

func trimBase(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}
