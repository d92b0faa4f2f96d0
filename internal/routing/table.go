// Package routing materializes the configured providers and routes into an
// immutable routing table and selects pipeline bindings at request time.
//
// The table is built once at startup by the Preprocessor; after that the only
// mutable state behind it is the per-route rotation counter and per-credential
// health inside the pools.
package routing

import (
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// Dialect tags the upstream wire protocol of a binding.
type Dialect string

const (
	DialectOpenAI        Dialect = "openai"
	DialectGemini        Dialect = "gemini"
	DialectCodeWhisperer Dialect = "codewhisperer"
	DialectAnthropic     Dialect = "anthropic"
)

// Compatibility adapter tags.
const (
	AdapterGeneric    = "generic"
	AdapterLMStudio   = "lmstudio"
	AdapterModelScope = "modelscope"
)

// StageConfig is the per-binding stage configuration stack, materialized and
// type-checked by the preprocessor.
type StageConfig struct {
	// Transformer is the dialect flavor used for both translation directions.
	Transformer Dialect

	// ProtocolStrict enables the leak validator on both boundaries.
	ProtocolStrict bool

	// CompatAdapter is the server-compatibility adapter tag.
	CompatAdapter string

	// Dispatch carries dialect-specific connection parameters.
	Dispatch DispatchParams
}

// DispatchParams are the upstream connection parameters of one binding.
type DispatchParams struct {
	Endpoint string

	// ProfileARN and Region apply to the codewhisperer dialect only.
	ProfileARN string
	Region     string

	// ModelMap remaps virtual model names to locally loaded ones (lmstudio).
	ModelMap map[string]string

	// LoadedModels is the lmstudio known-loaded set; empty disables the check.
	LoadedModels []string
}

// Binding is one concrete (provider, model, credentials, stages) assignment
// of a virtual route. Immutable after preprocessing.
type Binding struct {
	Route    string
	Provider string
	Dialect  Dialect
	Model    string
	Priority int

	Pool *CredentialPool

	Timeout    time.Duration
	MaxRetries int

	Stages StageConfig
}

// Table is the immutable routing table: virtual route name → bindings sorted
// by descending priority.
type Table struct {
	routes map[string][]*Binding

	// rotation is the per-route round-robin counter used for tie-breaking
	// between same-priority bindings. It is the table's only mutable word.
	rotation map[string]*atomic.Uint64
}

// Routes returns the set of configured virtual route names.
func (t *Table) Routes() []string {
	out := make([]string, 0, len(t.routes))
	for name := range t.routes {
		out = append(out, name)
	}
	return out
}

// Bindings returns the ordered bindings of a route.
func (t *Table) Bindings(route string) ([]*Binding, bool) {
	b, ok := t.routes[route]
	return b, ok
}

// HasRoute reports whether the route exists.
func (t *Table) HasRoute(route string) bool {
	_, ok := t.routes[route]
	return ok
}

// Select returns the first binding of the route whose credential pool has at
// least one selectable credential. Within the highest eligible priority tier
// the choice rotates round-robin so that equal-priority bindings share load.
//
// Fails with NoAvailableProviderError when every binding is exhausted; this
// layer never sleeps or retries.
func (t *Table) Select(route string) (*Binding, error) {
	bindings, ok := t.routes[route]
	if !ok || len(bindings) == 0 {
		return nil, &apierr.RoutingError{Route: route}
	}

	i := 0
	for i < len(bindings) {
		// Collect the contiguous tier of equal priority.
		j := i + 1
		for j < len(bindings) && bindings[j].Priority == bindings[i].Priority {
			j++
		}
		tier := bindings[i:j]

		offset := 0
		if len(tier) > 1 {
			offset = int(t.rotation[route].Add(1)-1) % len(tier)
		}
		for k := 0; k < len(tier); k++ {
			b := tier[(offset+k)%len(tier)]
			if b.Pool.HasAvailable() {
				return b, nil
			}
		}
		i = j
	}

	return nil, &apierr.NoAvailableProviderError{Route: route}
}

// Resolve maps an incoming request to a virtual route name:
//
//  1. explicit metadata route — must exist, never falls back silently;
//  2. the model name matching a route name exactly;
//  3. a prefix rule (haiku-class models route to "background");
//  4. "default".
func (t *Table) Resolve(model, explicit string) (string, error) {
	if explicit != "" {
		if !t.HasRoute(explicit) {
			return "", &apierr.RoutingError{Route: explicit}
		}
		return explicit, nil
	}
	if t.HasRoute(model) {
		return model, nil
	}
	for _, rule := range prefixRules {
		if len(model) >= len(rule.prefix) && model[:len(rule.prefix)] == rule.prefix && t.HasRoute(rule.route) {
			return rule.route, nil
		}
	}
	if !t.HasRoute("default") {
		return "", &apierr.RoutingError{Route: "default"}
	}
	return "default", nil
}

// prefixRules route well-known model name families when no exact route
// matches. Checked in order.
var prefixRules = []struct {
	prefix string
	route  string
}{
	{"claude-3-5-haiku", "background"},
	{"claude-haiku", "background"},
	{"claude-3-haiku", "background"},
}
