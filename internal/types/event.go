package types

// EventType discriminates Event variants.
type EventType string

const (
	EventTextDelta         EventType = "text_delta"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallResult    EventType = "tool_call_result"
	EventUsage             EventType = "usage"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
)

// Usage holds token counters reported by a vendor. TotalTokens is zero when
// the vendor did not report a total.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`
}

// Event is one entry of a generation turn. Only the fields belonging to Type
// are populated.
type Event struct {
	Type EventType `json:"type"`

	// TextDelta, ReasoningDelta
	Text string `json:"text,omitempty"`

	// ToolCallRequested, ToolCallResult
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Usage
	Usage *Usage `json:"usage,omitempty"`

	// Failed
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// IsTerminal reports whether the event ends a generation turn.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

func TextDelta(text string) Event {
	return Event{Type: EventTextDelta, Text: text}
}

func ReasoningDelta(text string) Event {
	return Event{Type: EventReasoningDelta, Text: text}
}

func ToolCallRequested(callID, name, arguments string) Event {
	return Event{Type: EventToolCallRequested, CallID: callID, Name: name, Arguments: arguments}
}

func ToolCallResult(callID, output string, isError bool) Event {
	return Event{Type: EventToolCallResult, CallID: callID, Output: output, IsError: isError}
}

func UsageEvent(u Usage) Event {
	return Event{Type: EventUsage, Usage: &u}
}

func Completed() Event {
	return Event{Type: EventCompleted}
}

func Failed(code, message string, retriable bool) Event {
	return Event{Type: EventFailed, Code: code, Message: message, Retriable: retriable}
}

// EventStream yields the events of one generation turn in emission order.
// Next returns io.EOF after the terminal event has been delivered.
type EventStream interface {
	Next() (Event, error)
	Close() error
}
