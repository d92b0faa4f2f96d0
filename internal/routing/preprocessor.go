package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
)

// Materialize builds the immutable routing table from configuration: one
// binding per (route, provider, model) assignment, dialect and adapter
// resolved, credential pools constructed, bindings sorted by priority.
//
// Runs once before the listener opens. Any violation fails with ConfigError
// and no partial table is emitted.
func Materialize(cfg *config.Config) (*Table, error) {
	if len(cfg.Routing) == 0 {
		return nil, &apierr.ConfigError{Reason: "routing: at least one route is required"}
	}

	// One pool per provider instance, shared by every binding on it.
	pools := make(map[string]*CredentialPool, len(cfg.Providers))
	for name, p := range cfg.Providers {
		keys := p.Authentication.Credentials.APIKey
		if len(keys) == 0 {
			return nil, &apierr.ConfigError{
				Reason: fmt.Sprintf("provider %q: at least one credential is required", name),
			}
		}
		pools[name] = NewCredentialPool(name, keys, p.KeyRotation)
	}

	t := &Table{
		routes:   make(map[string][]*Binding, len(cfg.Routing)),
		rotation: make(map[string]*atomic.Uint64, len(cfg.Routing)),
	}

	for route, targets := range cfg.Routing {
		if len(targets) == 0 {
			return nil, &apierr.ConfigError{
				Reason: fmt.Sprintf("routing.%s: at least one target is required", route),
			}
		}
		bindings := make([]*Binding, 0, len(targets))
		for _, target := range targets {
			pc, ok := cfg.Providers[target.Provider]
			if !ok {
				return nil, &apierr.ConfigError{
					Reason: fmt.Sprintf("routing.%s: unknown provider %q", route, target.Provider),
				}
			}

			b, err := materializeBinding(route, target, pc, pools[target.Provider])
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, b)
		}

		// Higher priority first; stable on ties so config order is preserved.
		sort.SliceStable(bindings, func(i, j int) bool {
			return bindings[i].Priority > bindings[j].Priority
		})

		t.routes[route] = bindings
		t.rotation[route] = &atomic.Uint64{}
	}

	return t, nil
}

func materializeBinding(route string, target config.RouteTarget, pc config.ProviderConfig, pool *CredentialPool) (*Binding, error) {
	dialect, err := resolveDialect(pc.Type)
	if err != nil {
		return nil, &apierr.ConfigError{
			Reason: fmt.Sprintf("routing.%s provider %q: %v", route, target.Provider, err),
		}
	}

	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := pc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	stages := StageConfig{
		Transformer:    dialect,
		ProtocolStrict: true,
		CompatAdapter:  resolveAdapter(pc, target.Model),
		Dispatch: DispatchParams{
			Endpoint:     pc.Endpoint,
			ProfileARN:   pc.StringSetting("profileArn"),
			Region:       pc.StringSetting("region"),
			ModelMap:     pc.MapSetting("modelMap"),
			LoadedModels: pc.ListSetting("loadedModels"),
		},
	}

	if err := checkStages(route, target.Provider, dialect, stages); err != nil {
		return nil, err
	}

	return &Binding{
		Route:      route,
		Provider:   target.Provider,
		Dialect:    dialect,
		Model:      target.Model,
		Priority:   target.Priority,
		Pool:       pool,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		Stages:     stages,
	}, nil
}

// resolveDialect maps the provider type tag to the wire dialect. The lmstudio
// type speaks the OpenAI dialect through a local server.
func resolveDialect(providerType string) (Dialect, error) {
	switch providerType {
	case config.TypeOpenAI, config.TypeLMStudio:
		return DialectOpenAI, nil
	case config.TypeGemini:
		return DialectGemini, nil
	case config.TypeCodeWhisperer:
		return DialectCodeWhisperer, nil
	case config.TypeAnthropic:
		return DialectAnthropic, nil
	default:
		return "", fmt.Errorf("unknown provider type %q", providerType)
	}
}

// resolveAdapter picks the server-compatibility adapter: explicit config
// wins, then endpoint/model heuristics, then generic.
func resolveAdapter(pc config.ProviderConfig, model string) string {
	if pc.CompatibilityAdapter != "" {
		return pc.CompatibilityAdapter
	}
	if pc.Type == config.TypeLMStudio {
		return AdapterLMStudio
	}
	if strings.Contains(model, "-mlx") {
		return AdapterLMStudio
	}
	if strings.HasPrefix(model, "ZhipuAI/GLM-") {
		return AdapterModelScope
	}
	if strings.Contains(pc.Endpoint, "modelscope") {
		return AdapterModelScope
	}
	return AdapterGeneric
}

// checkStages type-checks the materialized stage stack against each stage's
// schema so that runtime lookups never see an invalid configuration.
func checkStages(route, provider string, dialect Dialect, s StageConfig) error {
	fail := func(format string, args ...any) error {
		return &apierr.ConfigError{
			Reason: fmt.Sprintf("routing.%s provider %q: %s", route, provider, fmt.Sprintf(format, args...)),
		}
	}

	switch s.Transformer {
	case DialectOpenAI, DialectGemini, DialectCodeWhisperer, DialectAnthropic:
	default:
		return fail("invalid transformer flavor %q", s.Transformer)
	}

	switch s.CompatAdapter {
	case AdapterGeneric, AdapterLMStudio, AdapterModelScope:
	default:
		return fail("unknown compatibility adapter %q", s.CompatAdapter)
	}

	if dialect == DialectCodeWhisperer {
		if s.Dispatch.ProfileARN == "" {
			return fail("codewhisperer requires settings.profileArn")
		}
		if s.Dispatch.Region == "" {
			return fail("codewhisperer requires settings.region")
		}
	}

	return nil
}
