package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
)

// openAITransformer converts Anthropic ↔ OpenAI chat-completions.
type openAITransformer struct{}

func (openAITransformer) Dialect() routing.Dialect { return routing.DialectOpenAI }

// EncodeRequest maps the canonical request onto ChatCompletionNewParams:
//
//   - system blocks concatenate into one leading system message;
//   - text blocks become content strings, tool_use blocks become assistant
//     tool_calls, tool_result blocks become separate role:"tool" messages;
//   - tools map 1:1 with input_schema renamed to parameters;
//   - tool_choice: auto→"auto", any→"required", tool(name)→named function;
//   - stop_sequences renames to stop.
func (openAITransformer) EncodeRequest(req *anthropic.Request, model string) (*Payload, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if req.System.Text != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System.Text))
	}

	for i, m := range req.Messages {
		converted, err := encodeOpenAIMessage(m)
		if err != nil {
			return nil, fmt.Errorf("transform: messages[%d]: %w", i, err)
		}
		msgs = append(msgs, converted...)
	}

	params := &openaiSDK.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.StopSequences,
		}
	}

	for _, t := range req.Tools {
		var schema shared.FunctionParameters
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("transform: tool %q: input_schema: %w", t.Name, err)
		}
		def := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: schema,
		}
		if t.Description != "" {
			def.Description = openaiSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(def))
	}

	if req.ToolChoice != nil && len(req.Tools) > 0 {
		switch req.ToolChoice.Type {
		case anthropic.ToolChoiceAuto:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaiSDK.String("auto"),
			}
		case anthropic.ToolChoiceAny:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaiSDK.String("required"),
			}
		case anthropic.ToolChoiceTool:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
					Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{
						Name: req.ToolChoice.Name,
					},
				},
			}
		}
	}

	return &Payload{Dialect: routing.DialectOpenAI, OpenAI: params}, nil
}

// encodeOpenAIMessage expands one Anthropic message into its OpenAI
// counterparts. Tool results split off into their own role:"tool" messages.
func encodeOpenAIMessage(m anthropic.Message) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	var (
		out       []openaiSDK.ChatCompletionMessageParamUnion
		text      strings.Builder
		toolCalls []openaiSDK.ChatCompletionMessageToolCallUnionParam
	)

	for _, b := range m.Content {
		switch b.Type {
		case anthropic.BlockText:
			text.WriteString(b.Text)

		case anthropic.BlockToolUse:
			if m.Role != anthropic.RoleAssistant {
				return nil, fmt.Errorf("tool_use block in %s message", m.Role)
			}
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: b.ID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      b.Name,
						Arguments: args,
					},
				},
			})

		case anthropic.BlockToolResult:
			out = append(out, openaiSDK.ToolMessage(toolResultText(b), b.ToolUseID))

		default:
			return nil, fmt.Errorf("unsupported block type %q", b.Type)
		}
	}

	switch m.Role {
	case anthropic.RoleAssistant:
		if text.Len() > 0 || len(toolCalls) > 0 {
			assistant := openaiSDK.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if text.Len() > 0 {
				assistant.Content = openaiSDK.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openaiSDK.String(text.String()),
				}
			}
			out = append(out, openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	default:
		if text.Len() > 0 {
			// Tool messages (if any) must follow the assistant turn they
			// answer, so the user text goes after them.
			out = append(out, openaiSDK.UserMessage(text.String()))
		}
	}

	return out, nil
}

// toolResultText flattens a tool_result content value (string or text blocks)
// into the plain string OpenAI tool messages carry.
func toolResultText(b anthropic.ContentBlock) string {
	if len(b.Content) == 0 {
		return ""
	}
	if b.Content[0] == '"' {
		var s string
		if json.Unmarshal(b.Content, &s) == nil {
			return s
		}
	}
	var blocks []anthropic.ContentBlock
	if json.Unmarshal(b.Content, &blocks) == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			if blk.Type == anthropic.BlockText {
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

// DecodeResponse maps a chat completion back onto the canonical shape.
// Malformed tool arguments get one repair pass; a second failure keeps the
// raw string under _raw and marks the envelope partial.
func (openAITransformer) DecodeResponse(up *Upstream, requestID, model string) (*anthropic.Response, error) {
	if up == nil || up.OpenAI == nil {
		return nil, fmt.Errorf("transform: openai upstream payload missing")
	}
	resp := up.OpenAI

	id := resp.ID
	if id == "" {
		id = requestID
	}
	out := anthropic.NewResponse(id, model)

	if len(resp.Choices) == 0 {
		out.StopReason = anthropic.StopEndTurn
		return out, nil
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		out.Content = append(out.Content, anthropic.TextBlock(choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		input, raw, ok := parseToolInput(tc.Function.Arguments)
		block := anthropic.ToolUseBlock(tc.ID, tc.Function.Name, input)
		if !ok {
			block.Raw = raw
			out.Partial = true
		}
		out.Content = append(out.Content, block)
	}

	out.StopReason = MapOpenAIFinishReason(string(choice.FinishReason))
	out.Usage = anthropic.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	return out, nil
}

// MapOpenAIFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown reasons log a warning and fall back to end_turn.
func MapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop", "eos", "":
		return anthropic.StopEndTurn
	case "length":
		return anthropic.StopMaxTokens
	case "tool_calls", "function_call":
		return anthropic.StopToolUse
	case "content_filter":
		return anthropic.StopStopSequence
	default:
		slog.Warn("unknown_finish_reason", slog.String("finish_reason", reason))
		return anthropic.StopEndTurn
	}
}
