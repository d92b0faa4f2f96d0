// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a YAML document (default: config.yaml in the
// working directory, overridable via CONFIG_FILE) with environment variable
// overrides on top. A .env file in the working directory is loaded first so
// credentials can be kept out of the YAML.
//
// The providers / routing groups are the input of the route preprocessor;
// they are fully validated there. This package only enforces the constraints
// that can be checked without cross-referencing groups.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// ErrNotFound is returned when the named config file does not exist.
// main maps it to exit code 2.
var ErrNotFound = errors.New("config file not found")

// Provider dialect tags.
const (
	TypeOpenAI        = "openai"
	TypeGemini        = "gemini"
	TypeCodeWhisperer = "codewhisperer"
	TypeAnthropic     = "anthropic"
	TypeLMStudio      = "lmstudio"
)

// Key rotation strategies.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyRateLimitAware = "rate_limit_aware"
)

// Session coordination modes.
const (
	SessionStrict = "strict"
	SessionLoose  = "loose"
)

type (
	// Config is the top-level configuration container.
	Config struct {
		Server    ServerConfig
		Providers map[string]ProviderConfig

		// Routing maps virtual route name → ordered targets. The YAML value
		// is a single {provider, model} object or a list of them with
		// explicit priorities; both forms normalize to a slice here.
		Routing map[string][]RouteTarget `mapstructure:"-"`

		Session SessionConfig
		Cache   CacheConfig
		Redis   RedisConfig
		Debug   DebugConfig
	}

	// ServerConfig is the HTTP listener address.
	ServerConfig struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	}

	// ProviderConfig describes one upstream provider instance.
	ProviderConfig struct {
		// Type is the dialect tag: openai, gemini, codewhisperer, anthropic,
		// or lmstudio (openai dialect with the lmstudio adapter implied).
		Type string `mapstructure:"type"`

		// Endpoint overrides the dialect's default base URL.
		Endpoint string `mapstructure:"endpoint"`

		Authentication AuthConfig     `mapstructure:"authentication"`
		KeyRotation    RotationConfig `mapstructure:"keyRotation"`

		// CompatibilityAdapter forces a server-compat adapter; when empty it
		// is inferred from endpoint/model heuristics by the preprocessor.
		CompatibilityAdapter string `mapstructure:"compatibilityAdapter"`

		// Timeout is the overall per-request budget including retries.
		Timeout time.Duration `mapstructure:"timeout"`

		// MaxRetries caps upstream attempts beyond the first.
		MaxRetries int `mapstructure:"maxRetries"`

		// Settings holds dialect-specific extras (e.g. CodeWhisperer
		// profileArn and region, lmstudio model remap table).
		Settings map[string]any `mapstructure:"settings"`
	}

	// AuthConfig carries the credential material for a provider instance.
	AuthConfig struct {
		Type        string            `mapstructure:"type"` // api_key | aws_sso
		Credentials CredentialsConfig `mapstructure:"credentials"`
	}

	// CredentialsConfig accepts apiKey as a string or list of strings.
	CredentialsConfig struct {
		APIKey  []string `mapstructure:"-"`
		RawKeys any      `mapstructure:"apiKey"`
	}

	// RotationConfig controls multi-key rotation for one provider.
	RotationConfig struct {
		Enabled          bool          `mapstructure:"enabled"`
		Strategy         string        `mapstructure:"strategy"`
		CooldownMs       int           `mapstructure:"cooldownMs"`
		MaxRetriesPerKey int           `mapstructure:"maxRetriesPerKey"`
		Cooldown         time.Duration `mapstructure:"-"`
	}

	// RouteTarget is one (provider, model) assignment of a virtual route.
	// Priority orders targets within a route (higher first).
	RouteTarget struct {
		Provider string `mapstructure:"provider"`
		Model    string `mapstructure:"model"`
		Priority int    `mapstructure:"priority"`
	}

	// SessionConfig controls the session coordinator.
	SessionConfig struct {
		// Mode is strict (default: per-conversation serialization) or loose
		// (no queueing, warn on out-of-order completion). Loose must be
		// selected explicitly; it is never the silent default.
		Mode          string        `mapstructure:"mode"`
		IdleThreshold time.Duration `mapstructure:"idleThreshold"`
	}

	// CacheConfig controls the non-streaming response cache.
	CacheConfig struct {
		Mode string        `mapstructure:"mode"` // redis | memory | none
		TTL  time.Duration `mapstructure:"ttl"`

		// MaxEntries bounds the in-process backend; 0 uses its default.
		MaxEntries int `mapstructure:"maxEntries"`

		// Bypass rules: whole virtual routes, exact virtual model names, or
		// model-name patterns.
		ExcludeRoutes   []string `mapstructure:"excludeRoutes"`
		ExcludeExact    []string `mapstructure:"excludeExact"`
		ExcludePatterns []string `mapstructure:"excludePatterns"`
	}

	// RedisConfig holds the connection URL for the Redis cache backend.
	RedisConfig struct {
		URL string `mapstructure:"url"`
	}

	// DebugConfig controls logging and the error-sample sink.
	DebugConfig struct {
		Enabled       bool   `mapstructure:"enabled"`
		LogLevel      string `mapstructure:"logLevel"`
		TraceRequests bool   `mapstructure:"traceRequests"`
		LogDir        string `mapstructure:"logDir"`
	}
)

// Load reads the configuration file at path (empty → CONFIG_FILE, then
// "config.yaml") and applies env overrides.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &apierr.ConfigError{Reason: fmt.Sprintf("stat %s: %v", path, err)}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, &apierr.ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3456)
	v.SetDefault("session.mode", SessionStrict)
	v.SetDefault("session.idleThreshold", "2h")
	v.SetDefault("cache.mode", "none")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("debug.logLevel", "info")
	v.SetDefault("debug.logDir", "./logs")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &apierr.ConfigError{Reason: fmt.Sprintf("decode %s: %v", path, err)}
	}

	routing, err := normalizeRouting(v.Get("routing"))
	if err != nil {
		return nil, err
	}
	cfg.Routing = routing

	for name, p := range cfg.Providers {
		keys, err := normalizeAPIKeys(p.Authentication.Credentials.RawKeys)
		if err != nil {
			return nil, &apierr.ConfigError{
				Reason: fmt.Sprintf("provider %q: authentication.credentials.apiKey: %v", name, err),
			}
		}
		p.Authentication.Credentials.APIKey = keys
		if p.KeyRotation.CooldownMs > 0 {
			p.KeyRotation.Cooldown = time.Duration(p.KeyRotation.CooldownMs) * time.Millisecond
		}
		cfg.Providers[name] = p
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the constraints local to this package. Cross-group
// consistency (routes referencing providers, credential counts, stage
// schemas) is validated by the route preprocessor.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &apierr.ConfigError{Reason: fmt.Sprintf("server.port %d out of range", c.Server.Port)}
	}

	switch c.Session.Mode {
	case SessionStrict, SessionLoose:
	default:
		return &apierr.ConfigError{
			Reason: fmt.Sprintf("session.mode %q: must be strict or loose", c.Session.Mode),
		}
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return &apierr.ConfigError{
			Reason: fmt.Sprintf("cache.mode %q: must be redis, memory or none", c.Cache.Mode),
		}
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return &apierr.ConfigError{Reason: "redis.url is required when cache.mode=redis"}
	}

	switch strings.ToLower(c.Debug.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &apierr.ConfigError{
			Reason: fmt.Sprintf("debug.logLevel %q: must be debug, info, warn or error", c.Debug.LogLevel),
		}
	}

	for name, p := range c.Providers {
		switch p.Type {
		case TypeOpenAI, TypeGemini, TypeCodeWhisperer, TypeAnthropic, TypeLMStudio:
		default:
			return &apierr.ConfigError{
				Reason: fmt.Sprintf("provider %q: unknown type %q", name, p.Type),
			}
		}
		if p.KeyRotation.Enabled {
			switch p.KeyRotation.Strategy {
			case StrategyRoundRobin, StrategyRateLimitAware:
			default:
				return &apierr.ConfigError{
					Reason: fmt.Sprintf("provider %q: keyRotation.strategy %q: must be %s or %s",
						name, p.KeyRotation.Strategy, StrategyRoundRobin, StrategyRateLimitAware),
				}
			}
		}
	}

	return nil
}

// normalizeRouting accepts both YAML forms of a route value: a single
// {provider, model} object, or a list of objects with explicit priorities.
func normalizeRouting(raw any) (map[string][]RouteTarget, error) {
	if raw == nil {
		return nil, nil
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, &apierr.ConfigError{Reason: fmt.Sprintf("routing: expected a map, got %T", raw)}
	}

	out := make(map[string][]RouteTarget, len(root))
	for route, val := range root {
		switch v := val.(type) {
		case map[string]any:
			t, err := decodeTarget(route, v)
			if err != nil {
				return nil, err
			}
			out[route] = []RouteTarget{t}
		case []any:
			targets := make([]RouteTarget, 0, len(v))
			for i, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, &apierr.ConfigError{
						Reason: fmt.Sprintf("routing.%s[%d]: expected an object, got %T", route, i, item),
					}
				}
				t, err := decodeTarget(route, m)
				if err != nil {
					return nil, err
				}
				targets = append(targets, t)
			}
			out[route] = targets
		default:
			return nil, &apierr.ConfigError{
				Reason: fmt.Sprintf("routing.%s: expected an object or list, got %T", route, val),
			}
		}
	}
	return out, nil
}

func decodeTarget(route string, m map[string]any) (RouteTarget, error) {
	t := RouteTarget{}
	t.Provider, _ = m["provider"].(string)
	t.Model, _ = m["model"].(string)
	switch p := m["priority"].(type) {
	case int:
		t.Priority = p
	case int64:
		t.Priority = int(p)
	case float64:
		t.Priority = int(p)
	}
	if t.Provider == "" || t.Model == "" {
		return t, &apierr.ConfigError{
			Reason: fmt.Sprintf("routing.%s: provider and model are required", route),
		}
	}
	return t, nil
}

// normalizeAPIKeys accepts the string and []string wire forms of apiKey.
func normalizeAPIKeys(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		keys := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			if s != "" {
				keys = append(keys, s)
			}
		}
		return keys, nil
	case []string:
		return v, nil
	default:
		return nil, fmt.Errorf("must be a string or list of strings, got %T", raw)
	}
}

// settingValue looks up a settings entry case-insensitively — viper lowers
// nested map keys when reading YAML.
func (p ProviderConfig) settingValue(key string) any {
	if p.Settings == nil {
		return nil
	}
	if v, ok := p.Settings[key]; ok {
		return v
	}
	lower := strings.ToLower(key)
	for k, v := range p.Settings {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return nil
}

// StringSetting returns a string entry of the provider's settings map.
func (p ProviderConfig) StringSetting(key string) string {
	s, _ := p.settingValue(key).(string)
	return s
}

// MapSetting returns a string→string entry of the provider's settings map.
func (p ProviderConfig) MapSetting(key string) map[string]string {
	raw, ok := p.settingValue(key).(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// ListSetting returns a string-list entry of the provider's settings map.
func (p ProviderConfig) ListSetting(key string) []string {
	raw, ok := p.settingValue(key).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &apierr.ConfigError{Reason: fmt.Sprintf("stat %s: %v", path, err)}
	}
	if info.IsDir() {
		return &apierr.ConfigError{Reason: fmt.Sprintf("%s is a directory, expected a file", path)}
	}
	if err := gotenv.Load(path); err != nil {
		return &apierr.ConfigError{Reason: fmt.Sprintf("load %s: %v", path, err)}
	}
	return nil
}
