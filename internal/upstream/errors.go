package upstream

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// AuthError reports a rejected or missing provider credential.
type AuthError struct {
	Provider string
	Status   int
	Message  string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("provider %s: authentication failed: %s", e.Provider, e.Message)
}

// TransportError reports a failure to reach the provider or to read its
// response stream.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VendorError reports a non-success status returned by the provider.
type VendorError struct {
	Provider   string
	Status     int
	Message    string
	RequestID  string
	Retriable  bool
	RetryAfter time.Duration
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// MissingCredential builds the AuthError returned before any request is sent.
func MissingCredential(provider string) *AuthError {
	return &AuthError{Provider: provider, Message: "no credential configured"}
}

// vendorErrorKind pulls the vendor's error type or code out of an error body
// so it can be checked for transient markers.
func vendorErrorKind(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	for _, path := range []string{"error.type", "error.code", "error.status", "type", "code"} {
		if v := root.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
