package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

// GeminiClient connects Gemini-dialect bindings through the official GenAI
// SDK. Clients are cached per (endpoint, key) because the SDK binds the API
// key at construction time.
type GeminiClient struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates the Gemini dialect connector.
func NewGeminiClient(timeout time.Duration) *GeminiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiClient{
		httpClient: &http.Client{Timeout: timeout},
		clients:    make(map[string]*genai.Client),
	}
}

func (c *GeminiClient) Dialect() routing.Dialect { return routing.DialectGemini }

func (c *GeminiClient) clientForKey(ctx context.Context, apiKey string, b *routing.Binding) (*genai.Client, error) {
	cacheKey := b.Stages.Dispatch.Endpoint + "\x00" + apiKey

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[cacheKey]; ok {
		return cl, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if b.Stages.Dispatch.Endpoint != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: b.Stages.Dispatch.Endpoint}
	}

	cl, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	c.clients[cacheKey] = cl
	return cl, nil
}

func (c *GeminiClient) Do(ctx context.Context, p *transform.Payload, apiKey string, stream bool, b *routing.Binding) (*Result, error) {
	if p.Gemini == nil {
		return nil, fmt.Errorf("gemini: payload variant missing")
	}
	cl, err := c.clientForKey(ctx, apiKey, b)
	if err != nil {
		return nil, err
	}

	g := p.Gemini
	if stream {
		return c.doStream(ctx, cl, g, b)
	}

	resp, err := cl.Models.GenerateContent(ctx, g.Model, g.Contents, g.Config)
	if err != nil {
		return nil, toGeminiError(b.Provider, err)
	}
	return &Result{Upstream: &transform.Upstream{Gemini: resp}}, nil
}

func (c *GeminiClient) doStream(ctx context.Context, cl *genai.Client, g *transform.GeminiRequest, b *routing.Binding) (*Result, error) {
	ch := make(chan transform.StreamChunk, 64)

	go func() {
		defer close(ch)
		delivered := false
		toolIndex := 0

		for resp, err := range cl.Models.GenerateContentStream(ctx, g.Model, g.Contents, g.Config) {
			if err != nil {
				wrapped := toGeminiError(b.Provider, err)
				if delivered {
					wrapped = &partialStreamError{Provider: b.Provider, Err: wrapped}
				}
				ch <- transform.StreamChunk{Err: wrapped}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				ch <- transform.StreamChunk{Usage: &anthropic.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]

			var out transform.StreamChunk
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					if part == nil {
						continue
					}
					out.TextDelta += part.Text
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						out.ToolCalls = append(out.ToolCalls, transform.ToolCallDelta{
							Index:     toolIndex,
							ID:        fmt.Sprintf("toolu_%s_%d", resp.ResponseID, toolIndex),
							Name:      part.FunctionCall.Name,
							ArgsDelta: string(args),
						})
						toolIndex++
					}
				}
			}
			if cand.FinishReason != "" {
				out.StopReason = transform.MapGeminiFinishReason(string(cand.FinishReason))
			}
			if out.TextDelta != "" || len(out.ToolCalls) > 0 || out.StopReason != "" {
				delivered = true
				ch <- out
			}
		}
	}()

	return &Result{Stream: ch}, nil
}

func toGeminiError(provider string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &upstreamError{
			Provider: provider,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return err
}
