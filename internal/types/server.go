package types

import (
	"encoding/json"
	"time"
)

// TransportKind selects how a capability server is reached.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable_http"
)

// TransportConfig holds the fields of every transport kind; only those
// relevant to Type are read.
type TransportConfig struct {
	Type    TransportKind     `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ServerConfig describes one capability server.
type ServerConfig struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Transport   TransportConfig `json:"transport"`
	TimeoutMs   int             `json:"timeout_ms,omitempty"`
	LongRunning bool            `json:"long_running,omitempty"`
	Enabled     bool            `json:"enabled"`
}

const (
	DefaultCallTimeout     = 60 * time.Second
	LongRunningCallTimeout = 600 * time.Second
)

// CallTimeout returns the per-call deadline for tool calls on this server.
func (c ServerConfig) CallTimeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	if c.LongRunning {
		return LongRunningCallTimeout
	}
	return DefaultCallTimeout
}

// ResourceSpec is an entry of a server's resource list.
type ResourceSpec struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ResourceContent is one content block of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// PromptArgument describes one prompt template parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptSpec is an entry of a server's prompt list.
type PromptSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt template.
type PromptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// PromptContent is a rendered prompt.
type PromptContent struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// LogEntry is one server log line, either a protocol log notification or a
// line drained from a process's stderr.
type LogEntry struct {
	ServerID  string    `json:"server_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Progress is a normalised progress report for an in-flight tool call.
type Progress struct {
	ServerID string  `json:"server_id"`
	CallID   string  `json:"call_id"`
	Value    float64 `json:"value"`
	Message  string  `json:"message,omitempty"`
}
