// Package transform converts between the canonical Anthropic shapes and the
// upstream dialects (OpenAI chat-completions, Gemini generateContent, the
// CodeWhisperer event stream, and native Anthropic passthrough).
//
// Each transformer runs twice per request: Anthropic → dialect on descent and
// dialect → Anthropic on ascent. The dialect payload is a tagged union —
// exactly one variant is populated, matching the binding's dialect, and the
// protocol validator enforces that at the stage boundary.
package transform

import (
	"fmt"

	openaiSDK "github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
)

type (
	// Payload is the downstream-direction dialect union.
	Payload struct {
		Dialect routing.Dialect

		OpenAI        *openaiSDK.ChatCompletionNewParams
		Gemini        *GeminiRequest
		CodeWhisperer *CodeWhispererRequest
		Anthropic     *anthropic.Request
	}

	// GeminiRequest groups the pieces the genai SDK takes separately.
	GeminiRequest struct {
		Model    string
		Contents []*genai.Content
		Config   *genai.GenerateContentConfig
	}

	// Upstream is the ascent-direction dialect union for non-streaming
	// responses.
	Upstream struct {
		OpenAI        *openaiSDK.ChatCompletion
		Gemini        *genai.GenerateContentResponse
		CodeWhisperer *CodeWhispererResponse
		Anthropic     *anthropic.Response
	}

	// ToolCallDelta is one incremental tool-call fragment of a stream chunk.
	// ID and Name arrive on the first fragment; later fragments carry only
	// Index and ArgsDelta.
	ToolCallDelta struct {
		Index     int
		ID        string
		Name      string
		ArgsDelta string
	}

	// StreamChunk is a dialect-normalized streaming fragment produced by the
	// dispatch clients and consumed by the SSE emitter. StopReason, when set,
	// is already mapped to the Anthropic vocabulary.
	StreamChunk struct {
		TextDelta  string
		ToolCalls  []ToolCallDelta
		StopReason string
		Usage      *anthropic.Usage
		Err        error
	}
)

// Transformer converts one dialect in both directions.
type Transformer interface {
	Dialect() routing.Dialect

	// EncodeRequest converts the canonical request into the dialect payload
	// for the given concrete model name.
	EncodeRequest(req *anthropic.Request, model string) (*Payload, error)

	// DecodeResponse converts a complete upstream response back into the
	// canonical shape.
	DecodeResponse(up *Upstream, requestID, model string) (*anthropic.Response, error)
}

// ForDialect returns the transformer for a binding's dialect.
func ForDialect(d routing.Dialect) (Transformer, error) {
	switch d {
	case routing.DialectOpenAI:
		return openAITransformer{}, nil
	case routing.DialectGemini:
		return geminiTransformer{}, nil
	case routing.DialectCodeWhisperer:
		return codeWhispererTransformer{}, nil
	case routing.DialectAnthropic:
		return passthroughTransformer{}, nil
	default:
		return nil, fmt.Errorf("transform: unknown dialect %q", d)
	}
}

// passthroughTransformer forwards the canonical shape unchanged for bindings
// whose upstream already speaks the Anthropic Messages protocol.
type passthroughTransformer struct{}

func (passthroughTransformer) Dialect() routing.Dialect { return routing.DialectAnthropic }

func (passthroughTransformer) EncodeRequest(req *anthropic.Request, model string) (*Payload, error) {
	out := *req
	out.Model = model
	return &Payload{Dialect: routing.DialectAnthropic, Anthropic: &out}, nil
}

func (passthroughTransformer) DecodeResponse(up *Upstream, requestID, model string) (*anthropic.Response, error) {
	if up == nil || up.Anthropic == nil {
		return nil, fmt.Errorf("transform: anthropic upstream payload missing")
	}
	return up.Anthropic, nil
}
