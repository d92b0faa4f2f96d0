package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
server:
  host: 127.0.0.1
  port: 3456
providers:
  shuaihong-openai:
    type: openai
    endpoint: https://ai.shuaihong.fun/v1
    authentication:
      type: api_key
      credentials:
        apiKey:
          - K1
          - K2
    keyRotation:
      enabled: true
      strategy: round_robin
      cooldownMs: 5000
      maxRetriesPerKey: 2
    timeout: 45s
  google-gemini:
    type: gemini
    authentication:
      credentials:
        apiKey: single-key
routing:
  default:
    provider: shuaihong-openai
    model: gpt-4o-mini
  thinking:
    - provider: google-gemini
      model: gemini-2.5-pro
      priority: 10
    - provider: shuaihong-openai
      model: gpt-4o
      priority: 5
session:
  mode: strict
  idleThreshold: 90m
debug:
  logLevel: info
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3456 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}

	p := cfg.Providers["shuaihong-openai"]
	if len(p.Authentication.Credentials.APIKey) != 2 {
		t.Fatalf("keys = %v", p.Authentication.Credentials.APIKey)
	}
	if p.KeyRotation.Cooldown != 5*time.Second {
		t.Fatalf("cooldown = %v", p.KeyRotation.Cooldown)
	}
	if p.Timeout != 45*time.Second {
		t.Fatalf("timeout = %v", p.Timeout)
	}

	// Single-string apiKey normalizes to a one-element list.
	g := cfg.Providers["google-gemini"]
	if len(g.Authentication.Credentials.APIKey) != 1 || g.Authentication.Credentials.APIKey[0] != "single-key" {
		t.Fatalf("gemini keys = %v", g.Authentication.Credentials.APIKey)
	}

	// Scalar and list routing forms both normalize to target slices.
	if len(cfg.Routing["default"]) != 1 || cfg.Routing["default"][0].Model != "gpt-4o-mini" {
		t.Fatalf("default route = %+v", cfg.Routing["default"])
	}
	thinking := cfg.Routing["thinking"]
	if len(thinking) != 2 || thinking[0].Priority != 10 {
		t.Fatalf("thinking route = %+v", thinking)
	}

	if cfg.Session.IdleThreshold != 90*time.Minute {
		t.Fatalf("idle threshold = %v", cfg.Session.IdleThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_ConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad provider type", `
providers:
  p:
    type: teleport
    authentication: {credentials: {apiKey: k}}
routing:
  default: {provider: p, model: m}
`},
		{"bad session mode", `
session: {mode: chaotic}
providers:
  p:
    type: openai
    authentication: {credentials: {apiKey: k}}
routing:
  default: {provider: p, model: m}
`},
		{"bad rotation strategy", `
providers:
  p:
    type: openai
    authentication: {credentials: {apiKey: k}}
    keyRotation: {enabled: true, strategy: random}
routing:
  default: {provider: p, model: m}
`},
		{"route missing model", `
providers:
  p:
    type: openai
    authentication: {credentials: {apiKey: k}}
routing:
  default: {provider: p}
`},
		{"redis mode without url", `
cache: {mode: redis}
providers:
  p:
    type: openai
    authentication: {credentials: {apiKey: k}}
routing:
  default: {provider: p, model: m}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			var ce *apierr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}
