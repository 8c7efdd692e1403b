package mcpclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServerNotFound   = errors.New("mcp server not found")
	ErrServerDisabled   = errors.New("mcp server disabled")
	ErrInvalidArguments = errors.New("tool arguments must be a JSON object")
	ErrCallInFlight     = errors.New("tool call already in flight")
	ErrAborted          = errors.New("tool call aborted")
	ErrServerStopped    = errors.New("server stopped")
)

// ConnectError reports a failed transport setup or protocol handshake.
type ConnectError struct {
	ServerID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect mcp server %s: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ToolError carries the content of a tool result the server flagged as an
// error.
type ToolError struct {
	Text string
}

func (e *ToolError) Error() string {
	if e.Text == "" {
		return "tool reported an error"
	}
	return e.Text
}

// isMethodNotFound reports whether err is the JSON-RPC "method not found"
// reply of a server that does not implement an optional method.
func isMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "-32601") ||
		strings.Contains(msg, "method not supported")
}
