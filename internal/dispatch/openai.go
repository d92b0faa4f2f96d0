package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient connects OpenAI-dialect bindings (api.openai.com and every
// OpenAI-compatible endpoint, including local LM Studio servers).
type OpenAIClient struct {
	httpClient *http.Client
}

// NewOpenAIClient creates the OpenAI dialect connector.
func NewOpenAIClient(timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *OpenAIClient) Dialect() routing.Dialect { return routing.DialectOpenAI }

func (c *OpenAIClient) client(apiKey string, b *routing.Binding) openaiSDK.Client {
	baseURL := b.Stages.Dispatch.Endpoint
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return openaiSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0), // the dispatcher owns the retry budget
	)
}

func (c *OpenAIClient) Do(ctx context.Context, p *transform.Payload, apiKey string, stream bool, b *routing.Binding) (*Result, error) {
	if p.OpenAI == nil {
		return nil, fmt.Errorf("openai: payload variant missing")
	}
	cl := c.client(apiKey, b)

	if stream {
		return c.doStream(ctx, cl, p, b)
	}

	resp, err := cl.Chat.Completions.New(ctx, *p.OpenAI)
	if err != nil {
		return nil, toOpenAIError(b.Provider, err)
	}
	return &Result{Upstream: &transform.Upstream{OpenAI: resp}}, nil
}

func (c *OpenAIClient) doStream(ctx context.Context, cl openaiSDK.Client, p *transform.Payload, b *routing.Binding) (*Result, error) {
	ch := make(chan transform.StreamChunk, 64)
	sdkStream := cl.Chat.Completions.NewStreaming(ctx, *p.OpenAI)

	go func() {
		defer close(ch)
		delivered := false

		for sdkStream.Next() {
			chunk := sdkStream.Current()

			if chunk.Usage.CompletionTokens > 0 || chunk.Usage.PromptTokens > 0 {
				ch <- transform.StreamChunk{Usage: &anthropic.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := transform.StreamChunk{TextDelta: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, transform.ToolCallDelta{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					ArgsDelta: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != "" {
				out.StopReason = transform.MapOpenAIFinishReason(choice.FinishReason)
			}
			if out.TextDelta != "" || len(out.ToolCalls) > 0 || out.StopReason != "" {
				delivered = true
				ch <- out
			}
		}

		if err := sdkStream.Err(); err != nil {
			wrapped := toOpenAIError(b.Provider, err)
			if delivered {
				wrapped = &partialStreamError{Provider: b.Provider, Err: wrapped}
			}
			ch <- transform.StreamChunk{Err: wrapped}
		}
	}()

	return &Result{Stream: ch}, nil
}

func toOpenAIError(provider string, err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &upstreamError{
			Provider: provider,
			Status:   sdkErr.StatusCode,
			Message:  sdkErr.Error(),
		}
	}
	return err
}
