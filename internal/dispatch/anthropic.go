package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicClient connects passthrough bindings whose upstream already speaks
// the Messages protocol (api.anthropic.com or compatible relays).
type AnthropicClient struct {
	httpClient *http.Client
}

// NewAnthropicClient creates the passthrough dialect connector.
func NewAnthropicClient(timeout time.Duration) *AnthropicClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *AnthropicClient) Dialect() routing.Dialect { return routing.DialectAnthropic }

func (c *AnthropicClient) client(apiKey string, b *routing.Binding) anthropicSDK.Client {
	baseURL := b.Stages.Dispatch.Endpoint
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return anthropicSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0), // the dispatcher owns the retry budget
	)
}

func (c *AnthropicClient) Do(ctx context.Context, p *transform.Payload, apiKey string, stream bool, b *routing.Binding) (*Result, error) {
	if p.Anthropic == nil {
		return nil, fmt.Errorf("anthropic: payload variant missing")
	}
	params, err := buildMessageParams(p.Anthropic)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	cl := c.client(apiKey, b)

	if stream {
		return c.doStream(ctx, cl, params, b)
	}

	msg, err := cl.Messages.New(ctx, params)
	if err != nil {
		return nil, toAnthropicError(b.Provider, err)
	}
	return &Result{Upstream: &transform.Upstream{Anthropic: decodeSDKMessage(msg)}}, nil
}

func (c *AnthropicClient) doStream(ctx context.Context, cl anthropicSDK.Client, params anthropicSDK.MessageNewParams, b *routing.Binding) (*Result, error) {
	ch := make(chan transform.StreamChunk, 64)
	sdkStream := cl.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		delivered := false

		for sdkStream.Next() {
			ev := sdkStream.Current()

			switch variant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockStartEvent:
				if tu, ok := variant.ContentBlock.AsAny().(anthropicSDK.ToolUseBlock); ok {
					delivered = true
					ch <- transform.StreamChunk{ToolCalls: []transform.ToolCallDelta{{
						ID: tu.ID, Name: tu.Name,
					}}}
				}

			case anthropicSDK.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if delta.Text != "" {
						delivered = true
						ch <- transform.StreamChunk{TextDelta: delta.Text}
					}
				case anthropicSDK.InputJSONDelta:
					if delta.PartialJSON != "" {
						delivered = true
						ch <- transform.StreamChunk{ToolCalls: []transform.ToolCallDelta{{
							ArgsDelta: delta.PartialJSON,
						}}}
					}
				}

			case anthropicSDK.MessageDeltaEvent:
				out := transform.StreamChunk{StopReason: string(variant.Delta.StopReason)}
				if variant.Usage.OutputTokens > 0 {
					out.Usage = &anthropic.Usage{OutputTokens: int(variant.Usage.OutputTokens)}
				}
				ch <- out
			}
		}

		if err := sdkStream.Err(); err != nil {
			wrapped := toAnthropicError(b.Provider, err)
			if delivered {
				wrapped = &partialStreamError{Provider: b.Provider, Err: wrapped}
			}
			ch <- transform.StreamChunk{Err: wrapped}
		}
	}()

	return &Result{Stream: ch}, nil
}

// buildMessageParams converts the canonical request into SDK params.
func buildMessageParams(req *anthropic.Request) (anthropicSDK.MessageNewParams, error) {
	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}

	if req.System.Text != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: req.System.Text}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropicSDK.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	for i, m := range req.Messages {
		role := anthropicSDK.MessageParamRoleUser
		if m.Role == anthropic.RoleAssistant {
			role = anthropicSDK.MessageParamRoleAssistant
		}
		blocks := make([]anthropicSDK.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case anthropic.BlockText:
				blocks = append(blocks, anthropicSDK.ContentBlockParamUnion{
					OfText: &anthropicSDK.TextBlockParam{Text: b.Text},
				})
			case anthropic.BlockToolUse:
				var input any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return params, fmt.Errorf("messages[%d]: tool_use input: %w", i, err)
					}
				}
				blocks = append(blocks, anthropicSDK.ContentBlockParamUnion{
					OfToolUse: &anthropicSDK.ToolUseBlockParam{
						ID: b.ID, Name: b.Name, Input: input,
					},
				})
			case anthropic.BlockToolResult:
				tr := &anthropicSDK.ToolResultBlockParam{ToolUseID: b.ToolUseID}
				if b.IsError {
					tr.IsError = anthropicSDK.Bool(true)
				}
				if len(b.Content) > 0 {
					tr.Content = []anthropicSDK.ToolResultBlockParamContentUnion{{
						OfText: &anthropicSDK.TextBlockParam{Text: toolResultString(b)},
					}}
				}
				blocks = append(blocks, anthropicSDK.ContentBlockParamUnion{OfToolResult: tr})
			}
		}
		params.Messages = append(params.Messages, anthropicSDK.MessageParam{
			Role: role, Content: blocks,
		})
	}

	for _, t := range req.Tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return params, fmt.Errorf("tool %q: input_schema: %w", t.Name, err)
		}
		tool := anthropicSDK.ToolParam{
			Name: t.Name,
			InputSchema: anthropicSDK.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if t.Description != "" {
			tool.Description = anthropicSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropicSDK.ToolUnionParam{OfTool: &tool})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case anthropic.ToolChoiceAuto:
			params.ToolChoice = anthropicSDK.ToolChoiceUnionParam{
				OfAuto: &anthropicSDK.ToolChoiceAutoParam{},
			}
		case anthropic.ToolChoiceAny:
			params.ToolChoice = anthropicSDK.ToolChoiceUnionParam{
				OfAny: &anthropicSDK.ToolChoiceAnyParam{},
			}
		case anthropic.ToolChoiceTool:
			params.ToolChoice = anthropicSDK.ToolChoiceUnionParam{
				OfTool: &anthropicSDK.ToolChoiceToolParam{Name: req.ToolChoice.Name},
			}
		}
	}

	return params, nil
}

// decodeSDKMessage converts an SDK message back into the canonical shape.
func decodeSDKMessage(msg *anthropicSDK.Message) *anthropic.Response {
	out := anthropic.NewResponse(msg.ID, string(msg.Model))
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropicSDK.TextBlock:
			out.Content = append(out.Content, anthropic.TextBlock(v.Text))
		case anthropicSDK.ToolUseBlock:
			out.Content = append(out.Content, anthropic.ToolUseBlock(
				v.ID, v.Name, json.RawMessage(v.Input)))
		}
	}
	out.StopReason = string(msg.StopReason)
	out.Usage = anthropic.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out
}

func toolResultString(b anthropic.ContentBlock) string {
	if len(b.Content) == 0 {
		return ""
	}
	if b.Content[0] == '"' {
		var s string
		if json.Unmarshal(b.Content, &s) == nil {
			return s
		}
	}
	return string(b.Content)
}

func toAnthropicError(provider string, err error) error {
	var sdkErr *anthropicSDK.Error
	if errors.As(err, &sdkErr) {
		return &upstreamError{
			Provider: provider,
			Status:   sdkErr.StatusCode,
			Message:  sdkErr.Error(),
		}
	}
	return err
}
