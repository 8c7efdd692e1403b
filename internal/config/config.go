package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Bliod-Cook/drome/internal/types"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8787
	DefaultMaxRounds   = 4
	DefaultLogCapacity = 200

	DefaultCacheKeyCapacity = 10000
)

// Config holds the process configuration: listener settings plus the
// provider and capability server registries.
type Config struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	Verbose     bool             `yaml:"verbose"`
	Debug       bool             `yaml:"debug"`
	AccessToken string           `yaml:"access_token"`
	MaxRounds   int              `yaml:"max_rounds"`
	LogCapacity int              `yaml:"log_capacity"`
	// CacheKeys bounds the table of derived prompt cache keys.
	CacheKeys   int              `yaml:"cache_keys"`
	Providers   []ProviderConfig `yaml:"providers"`
	Servers     []ServerConfig   `yaml:"servers"`

	// Path is the file the config was read from, if any.
	Path string `yaml:"-"`
}

// ProviderConfig is the file form of types.ProviderConfig.
type ProviderConfig struct {
	ID           string            `yaml:"id"`
	Vendor       string            `yaml:"vendor"`
	BaseURL      string            `yaml:"base_url"`
	APIKey       types.SecretRef   `yaml:"api_key"`
	DefaultModel string            `yaml:"default_model"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	Enabled      *bool             `yaml:"enabled"`
}

// ServerConfig is the file form of types.ServerConfig.
type ServerConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Transport   string            `yaml:"transport"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Cwd         string            `yaml:"cwd"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	TimeoutMs   int               `yaml:"timeout_ms"`
	LongRunning bool              `yaml:"long_running"`
	Enabled     *bool             `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		MaxRounds:   DefaultMaxRounds,
		LogCapacity: DefaultLogCapacity,
		CacheKeys:   DefaultCacheKeyCapacity,
		Providers: []ProviderConfig{
			{
				ID:           "openai",
				Vendor:       "openai",
				BaseURL:      "https://api.openai.com/v1",
				APIKey:       types.SecretRef{Namespace: "env", Key: "OPENAI_API_KEY"},
				DefaultModel: "gpt-4.1-mini",
			},
			{
				ID:           "anthropic",
				Vendor:       "anthropic",
				BaseURL:      "https://api.anthropic.com",
				APIKey:       types.SecretRef{Namespace: "env", Key: "ANTHROPIC_API_KEY"},
				DefaultModel: "claude-sonnet-4",
			},
			{
				ID:           "gemini",
				Vendor:       "gemini",
				BaseURL:      "https://generativelanguage.googleapis.com",
				APIKey:       types.SecretRef{Namespace: "env", Key: "GEMINI_API_KEY"},
				DefaultModel: "gemini-2.5-flash",
			},
		},
	}
}

// FromEnv loads the file named by DROME_CONFIG, if any, over the defaults
// and applies environment overrides.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("DROME_CONFIG"))
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
		cfg.Path = absPath
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = envOrDefault("DROME_HOST", c.Host)
	c.Port = envInt("DROME_PORT", c.Port)
	c.MaxRounds = envInt("DROME_MAX_ROUNDS", c.MaxRounds)
	if _, ok := os.LookupEnv("DROME_VERBOSE"); ok {
		c.Verbose = envBool("DROME_VERBOSE")
	}
	if _, ok := os.LookupEnv("DROME_DEBUG"); ok {
		c.Debug = envBool("DROME_DEBUG")
	}
	if token := strings.TrimSpace(os.Getenv("DROME_ACCESS_TOKEN")); token != "" {
		c.AccessToken = token
	}
}

// Validate performs sanity checks on the configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be a valid TCP port, got %d", c.Port)
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be at least 1, got %d", c.MaxRounds)
	}
	if c.LogCapacity < 0 {
		return fmt.Errorf("log_capacity must not be negative, got %d", c.LogCapacity)
	}
	if c.CacheKeys < 0 {
		return fmt.Errorf("cache_keys must not be negative, got %d", c.CacheKeys)
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("provider id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if _, ok := types.ParseVendor(p.Vendor); !ok {
			return fmt.Errorf("provider %s: unknown vendor %q", p.ID, p.Vendor)
		}
		switch p.APIKey.Namespace {
		case "", "env", "file", "literal":
		default:
			return fmt.Errorf("provider %s: unknown api_key namespace %q", p.ID, p.APIKey.Namespace)
		}
	}

	seen = make(map[string]bool)
	for _, s := range c.Servers {
		if strings.TrimSpace(s.ID) == "" {
			return errors.New("server id must not be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if err := ValidateServer(s.ToTypes()); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServer checks that a server config names everything its
// transport needs.
func ValidateServer(s types.ServerConfig) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("server id must not be empty")
	}
	switch s.Transport.Type {
	case types.TransportStdio, "":
		if strings.TrimSpace(s.Transport.Command) == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", s.ID)
		}
	case types.TransportSSE, types.TransportStreamableHTTP:
		if strings.TrimSpace(s.Transport.URL) == "" {
			return fmt.Errorf("server %s: %s transport requires a url", s.ID, s.Transport.Type)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", s.ID, s.Transport.Type)
	}
	if s.TimeoutMs < 0 {
		return fmt.Errorf("server %s: timeout_ms must not be negative", s.ID)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Provider returns the provider config with the given id.
func (c *Config) Provider(id string) (types.ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p.toTypes(), true
		}
	}
	return types.ProviderConfig{}, false
}

// ProviderConfigs returns every provider in declaration order.
func (c *Config) ProviderConfigs() []types.ProviderConfig {
	out := make([]types.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.toTypes())
	}
	return out
}

// ServerConfigs returns every capability server in declaration order.
func (c *Config) ServerConfigs() []types.ServerConfig {
	out := make([]types.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.ToTypes())
	}
	return out
}

func (p ProviderConfig) toTypes() types.ProviderConfig {
	vendor, _ := types.ParseVendor(p.Vendor)
	return types.ProviderConfig{
		ID:           p.ID,
		Vendor:       vendor,
		BaseURL:      p.BaseURL,
		APIKey:       p.APIKey,
		DefaultModel: p.DefaultModel,
		ExtraHeaders: p.ExtraHeaders,
		Enabled:      enabled(p.Enabled),
	}
}

// ToTypes converts the file form into the runtime server config.
func (s ServerConfig) ToTypes() types.ServerConfig {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	kind := types.TransportKind(s.Transport)
	if kind == "" {
		kind = types.TransportStdio
	}
	return types.ServerConfig{
		ID:   s.ID,
		Name: name,
		Transport: types.TransportConfig{
			Type:    kind,
			Command: s.Command,
			Args:    s.Args,
			Cwd:     s.Cwd,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
		},
		TimeoutMs:   s.TimeoutMs,
		LongRunning: s.LongRunning,
		Enabled:     enabled(s.Enabled),
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}

// ResolveSecret reads the credential a reference points at. Namespace env
// (the default) reads an environment variable, file reads a file and
// literal uses the key itself.
func ResolveSecret(ref types.SecretRef) (string, error) {
	key := strings.TrimSpace(ref.Key)
	switch ref.Namespace {
	case "", "env":
		if key == "" {
			return "", errors.New("secret reference has no key")
		}
		return strings.TrimSpace(os.Getenv(key)), nil
	case "file":
		data, err := os.ReadFile(key)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case "literal":
		return ref.Key, nil
	}
	return "", fmt.Errorf("unknown secret namespace %q", ref.Namespace)
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
