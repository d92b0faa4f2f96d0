package compat

import (
	"encoding/json"
	"time"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

// modelScopeAdapter normalizes ModelScope responses to the standard OpenAI
// envelope. ModelScope-hosted endpoints omit envelope fields and sometimes
// put the assistant text under delta.content even for non-streaming calls.
// Tool calls pass through untouched.
type modelScopeAdapter struct{}

func (modelScopeAdapter) Name() string { return routing.AdapterModelScope }

func (modelScopeAdapter) AdaptRequest(p *transform.Payload, b *routing.Binding) error {
	return nil
}

func (modelScopeAdapter) AdaptResponse(up *transform.Upstream, b *routing.Binding) error {
	if up == nil || up.OpenAI == nil {
		return nil
	}
	normalizeOpenAIEnvelope(up, b, true)
	return nil
}

// normalizeOpenAIEnvelope fills missing standard envelope fields. With
// coalesce set, stray delta-form content is folded into message.content.
func normalizeOpenAIEnvelope(up *transform.Upstream, b *routing.Binding, coalesce bool) {
	resp := up.OpenAI

	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + b.Provider
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Model == "" {
		resp.Model = b.Model
	}
	if resp.SystemFingerprint == "" {
		resp.SystemFingerprint = "fp_" + b.Provider
	}

	if coalesce {
		for i := range resp.Choices {
			c := &resp.Choices[i]
			if c.Message.Content == "" {
				if text := strayDeltaContent(c.JSON.ExtraFields["delta"].Raw()); text != "" {
					c.Message.Content = text
					c.Message.Role = "assistant"
				}
			}
			if c.FinishReason == "" {
				c.FinishReason = "stop"
			}
		}
	}
}

// strayDeltaContent extracts delta.content from a choice that used the
// streaming shape on a non-streaming call.
func strayDeltaContent(raw string) string {
	if raw == "" {
		return ""
	}
	var delta struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &delta); err != nil {
		return ""
	}
	return delta.Content
}
