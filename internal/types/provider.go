package types

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Vendor identifies a model vendor wire protocol family.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGemini    Vendor = "gemini"
)

// ParseVendor normalises a vendor id. ok is false for unknown vendors.
func ParseVendor(s string) (Vendor, bool) {
	switch v := Vendor(strings.ToLower(strings.TrimSpace(s))); v {
	case VendorOpenAI, VendorAnthropic, VendorGemini:
		return v, true
	}
	return "", false
}

// SecretRef points at a credential without holding it.
type SecretRef struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Key       string `json:"key" yaml:"key"`
}

// ProviderConfig is the user-level configuration of one model provider.
type ProviderConfig struct {
	ID           string            `json:"id"`
	Vendor       Vendor            `json:"vendor"`
	BaseURL      string            `json:"base_url"`
	APIKey       SecretRef         `json:"api_key"`
	DefaultModel string            `json:"default_model"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	Enabled      bool              `json:"enabled"`
}

// GenerateRequest is one model invocation.
type GenerateRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Messages  []Message      `json:"messages"`
	Tools     []ToolSpec     `json:"tools,omitempty"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
}

// FindTool returns the tool with the given name.
func (r *GenerateRequest) FindTool(name string) (ToolSpec, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// FloatOption reads a numeric provider option.
func (r *GenerateRequest) FloatOption(key string) (float64, bool) {
	switch v := r.Options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// IntOption reads an integral provider option.
func (r *GenerateRequest) IntOption(key string) (int64, bool) {
	f, ok := r.FloatOption(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// StringOption reads a string provider option.
func (r *GenerateRequest) StringOption(key string) string {
	s, _ := r.Options[key].(string)
	return strings.TrimSpace(s)
}
