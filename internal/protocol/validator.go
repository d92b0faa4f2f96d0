// Package protocol enforces the dialect contract at the transformer↔dispatch
// boundary in both directions. A payload that carries fields from the
// opposing dialect — or any internal annotation — aborts the request with
// ProtocolLeakError. This is a correctness guardrail, not a recoverable
// condition: a leak is always a transformer or adapter bug.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// openAIRequestFields is the whitelist of top-level keys an outgoing
// chat-completions payload may carry.
var openAIRequestFields = map[string]struct{}{
	"model":                 {},
	"messages":              {},
	"tools":                 {},
	"tool_choice":           {},
	"parallel_tool_calls":   {},
	"temperature":           {},
	"max_tokens":            {},
	"max_completion_tokens": {},
	"top_p":                 {},
	"stop":                  {},
	"stream":                {},
	"stream_options":        {},
	"n":                     {},
	"seed":                  {},
	"user":                  {},
	"logit_bias":            {},
	"logprobs":              {},
	"top_logprobs":          {},
	"presence_penalty":      {},
	"frequency_penalty":     {},
	"response_format":       {},
	"reasoning_effort":      {},
	"service_tier":          {},
}

// anthropicOnlyFields are keys of the canonical dialect that must never leak
// into an outgoing OpenAI payload, at any depth.
var anthropicOnlyFields = []string{
	"input_schema",
	"max_tokens_to_sample",
	"stop_sequences",
}

// ValidateDescent inspects the downstream payload before dispatch.
func ValidateDescent(p *transform.Payload, b *routing.Binding) error {
	if p == nil {
		return &apierr.ProtocolLeakError{Dialect: string(b.Dialect), Keys: []string{"<nil payload>"}}
	}
	if p.Dialect != b.Dialect {
		return &apierr.ProtocolLeakError{
			Dialect: string(b.Dialect),
			Keys:    []string{fmt.Sprintf("<dialect %s>", p.Dialect)},
		}
	}
	if !b.Stages.ProtocolStrict {
		return nil
	}

	switch p.Dialect {
	case routing.DialectOpenAI:
		return validateOpenAIDescent(p)
	case routing.DialectGemini:
		return validateGeminiDescent(p)
	case routing.DialectCodeWhisperer:
		return validateCodeWhispererDescent(p)
	case routing.DialectAnthropic:
		if p.Anthropic == nil {
			return &apierr.ProtocolLeakError{Dialect: "anthropic", Keys: []string{"<empty variant>"}}
		}
		return nil
	}
	return nil
}

// ValidateAscent checks that the upstream response matches the binding's
// dialect before it re-enters the transformer.
func ValidateAscent(up *transform.Upstream, b *routing.Binding) error {
	if up == nil {
		return &apierr.ProtocolLeakError{Dialect: string(b.Dialect), Keys: []string{"<nil upstream>"}}
	}
	var ok bool
	switch b.Dialect {
	case routing.DialectOpenAI:
		ok = up.OpenAI != nil
	case routing.DialectGemini:
		ok = up.Gemini != nil
	case routing.DialectCodeWhisperer:
		ok = up.CodeWhisperer != nil
	case routing.DialectAnthropic:
		ok = up.Anthropic != nil
	}
	if !ok {
		return &apierr.ProtocolLeakError{
			Dialect: string(b.Dialect),
			Keys:    []string{"<wrong upstream variant>"},
		}
	}
	return nil
}

func validateOpenAIDescent(p *transform.Payload) error {
	if p.OpenAI == nil {
		return &apierr.ProtocolLeakError{Dialect: "openai", Keys: []string{"<empty variant>"}}
	}
	raw, err := json.Marshal(p.OpenAI)
	if err != nil {
		return &apierr.ProtocolLeakError{Dialect: "openai", Keys: []string{"<unmarshalable>"}}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return &apierr.ProtocolLeakError{Dialect: "openai", Keys: []string{"<not an object>"}}
	}

	var bad []string
	for key := range top {
		if _, ok := openAIRequestFields[key]; !ok {
			bad = append(bad, key)
		}
	}

	bad = append(bad, scanForbiddenKeys(raw)...)

	if len(bad) > 0 {
		sort.Strings(bad)
		return &apierr.ProtocolLeakError{Dialect: "openai", Keys: bad}
	}
	return nil
}

// scanForbiddenKeys walks the entire document for keys that may never appear
// at any depth: "__"-prefixed internal annotations and canonical-dialect
// field names.
func scanForbiddenKeys(raw []byte) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	found := map[string]struct{}{}
	walkKeys(doc, func(key string) {
		if strings.HasPrefix(key, "__") {
			found[key] = struct{}{}
			return
		}
		for _, f := range anthropicOnlyFields {
			if key == f {
				found[key] = struct{}{}
			}
		}
	})
	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	return out
}

func walkKeys(v any, fn func(key string)) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			fn(k)
			walkKeys(child, fn)
		}
	case []any:
		for _, child := range t {
			walkKeys(child, fn)
		}
	}
}

func validateGeminiDescent(p *transform.Payload) error {
	g := p.Gemini
	if g == nil {
		return &apierr.ProtocolLeakError{Dialect: "gemini", Keys: []string{"<empty variant>"}}
	}

	for i, c := range g.Contents {
		if c.Role != genai.RoleUser && c.Role != genai.RoleModel {
			return &apierr.ProtocolLeakError{
				Dialect: "gemini",
				Keys:    []string{fmt.Sprintf("contents[%d].role=%s", i, c.Role)},
			}
		}
	}

	// ANY without allowedFunctionNames is a known Gemini misbehavior; the
	// transformer must always populate it.
	if g.Config != nil && g.Config.ToolConfig != nil && g.Config.ToolConfig.FunctionCallingConfig != nil {
		fcc := g.Config.ToolConfig.FunctionCallingConfig
		if fcc.Mode == genai.FunctionCallingConfigModeAny && len(fcc.AllowedFunctionNames) == 0 {
			return &apierr.ProtocolLeakError{
				Dialect: "gemini",
				Keys:    []string{"toolConfig.functionCallingConfig.allowedFunctionNames"},
			}
		}
	}
	return nil
}

func validateCodeWhispererDescent(p *transform.Payload) error {
	cw := p.CodeWhisperer
	if cw == nil {
		return &apierr.ProtocolLeakError{Dialect: "codewhisperer", Keys: []string{"<empty variant>"}}
	}

	raw, err := json.Marshal(cw)
	if err != nil {
		return &apierr.ProtocolLeakError{Dialect: "codewhisperer", Keys: []string{"<unmarshalable>"}}
	}
	if bad := scanForbiddenKeys(raw); len(bad) > 0 {
		sort.Strings(bad)
		return &apierr.ProtocolLeakError{Dialect: "codewhisperer", Keys: bad}
	}

	var env struct {
		ConversationState struct {
			CurrentMessage map[string]json.RawMessage `json:"currentMessage"`
		} `json:"conversationState"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.ConversationState.CurrentMessage) != 1 {
		return &apierr.ProtocolLeakError{
			Dialect: "codewhisperer",
			Keys:    []string{"conversationState.currentMessage"},
		}
	}
	return nil
}
