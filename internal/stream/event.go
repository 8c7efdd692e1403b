package stream

import "encoding/json"

// Event is one decoded SSE data payload.
type Event struct {
	// Type is the payload's top-level "type" field, empty when absent.
	Type string
	Raw  json.RawMessage
}
