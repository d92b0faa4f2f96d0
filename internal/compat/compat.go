// Package compat applies provider-specific quirk handling just outside the
// dialect boundary: after the protocol validator on descent, before it on
// ascent. Adapters fill and reshape; they never introduce fields that are not
// part of the target dialect.
package compat

import (
	"fmt"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

// Adapter is one server-compatibility adapter, selected by the binding's
// compatibilityAdapter tag.
type Adapter interface {
	Name() string

	// AdaptRequest applies last-mile request quirks in place.
	AdaptRequest(p *transform.Payload, b *routing.Binding) error

	// AdaptResponse normalizes the upstream response in place before it
	// re-enters the transformer.
	AdaptResponse(up *transform.Upstream, b *routing.Binding) error
}

// ForTag returns the adapter registered under the binding tag.
func ForTag(tag string) (Adapter, error) {
	switch tag {
	case routing.AdapterGeneric, "":
		return genericAdapter{}, nil
	case routing.AdapterLMStudio:
		return lmStudioAdapter{}, nil
	case routing.AdapterModelScope:
		return modelScopeAdapter{}, nil
	default:
		return nil, fmt.Errorf("compat: unknown adapter %q", tag)
	}
}

// genericAdapter passes payloads through with defensive normalization only.
type genericAdapter struct{}

func (genericAdapter) Name() string { return routing.AdapterGeneric }

func (genericAdapter) AdaptRequest(p *transform.Payload, b *routing.Binding) error {
	return nil
}

func (genericAdapter) AdaptResponse(up *transform.Upstream, b *routing.Binding) error {
	if up != nil && up.OpenAI != nil {
		normalizeOpenAIEnvelope(up, b, false)
	}
	return nil
}
