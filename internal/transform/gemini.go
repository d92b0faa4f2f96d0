package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
)

// geminiTransformer converts Anthropic ↔ Gemini generateContent.
type geminiTransformer struct{}

func (geminiTransformer) Dialect() routing.Dialect { return routing.DialectGemini }

// EncodeRequest maps the canonical request onto Gemini contents + config:
//
//   - messages → contents with assistant mapped to the model role;
//   - text → {text} parts, tool_use → functionCall parts, tool_result →
//     functionResponse parts (the function name is recovered from the
//     tool_use block the result answers);
//   - tools collapse into a single functionDeclarations entry;
//   - tool_choice → toolConfig.functionCallingConfig. Under mode ANY the
//     allowedFunctionNames list is always populated — Gemini misbehaves when
//     it is omitted.
func (geminiTransformer) EncodeRequest(req *anthropic.Request, model string) (*Payload, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))

	// tool_use id → function name, for resolving tool_result parts.
	toolNames := make(map[string]string)

	for i, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == anthropic.RoleAssistant {
			role = genai.RoleModel
		}

		parts := make([]*genai.Part, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case anthropic.BlockText:
				parts = append(parts, &genai.Part{Text: b.Text})

			case anthropic.BlockToolUse:
				var args map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &args); err != nil {
						return nil, fmt.Errorf("transform: messages[%d]: tool_use input: %w", i, err)
					}
				}
				toolNames[b.ID] = b.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: b.Name, Args: args},
				})

			case anthropic.BlockToolResult:
				name := toolNames[b.ToolUseID]
				if name == "" {
					return nil, fmt.Errorf("transform: messages[%d]: tool_result answers unknown tool_use %q", i, b.ToolUseID)
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     name,
						Response: map[string]any{"result": toolResultText(b)},
					},
				})

			default:
				return nil, fmt.Errorf("transform: messages[%d]: unsupported block type %q", i, b.Type)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	cfg := &genai.GenerateContentConfig{}

	if req.System.Text != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System.Text}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("transform: tool %q: input_schema: %w", t.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		if req.ToolChoice != nil {
			fcc := &genai.FunctionCallingConfig{}
			switch req.ToolChoice.Type {
			case anthropic.ToolChoiceAuto:
				fcc.Mode = genai.FunctionCallingConfigModeAuto
			case anthropic.ToolChoiceAny:
				fcc.Mode = genai.FunctionCallingConfigModeAny
				for _, t := range req.Tools {
					fcc.AllowedFunctionNames = append(fcc.AllowedFunctionNames, t.Name)
				}
			case anthropic.ToolChoiceTool:
				fcc.Mode = genai.FunctionCallingConfigModeAny
				fcc.AllowedFunctionNames = []string{req.ToolChoice.Name}
			}
			cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
		}
	}

	return &Payload{
		Dialect: routing.DialectGemini,
		Gemini:  &GeminiRequest{Model: model, Contents: contents, Config: cfg},
	}, nil
}

// DecodeResponse maps a generateContent response back onto the canonical
// shape: text parts accumulate into one text block, functionCall parts become
// tool_use blocks. An UNEXPECTED_TOOL_CALL finish is surfaced as a
// well-formed tool_use response with a diagnostic text block, never as a
// silent empty response.
func (geminiTransformer) DecodeResponse(up *Upstream, requestID, model string) (*anthropic.Response, error) {
	if up == nil || up.Gemini == nil {
		return nil, fmt.Errorf("transform: gemini upstream payload missing")
	}
	resp := up.Gemini

	id := requestID
	if resp.ResponseID != "" {
		id = resp.ResponseID
	}
	out := anthropic.NewResponse(id, model)

	if resp.UsageMetadata != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		out.StopReason = anthropic.StopEndTurn
		return out, nil
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	toolIndex := 0
	var toolBlocks []anthropic.ContentBlock

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p == nil {
				continue
			}
			if p.Text != "" {
				text.WriteString(p.Text)
			}
			if p.FunctionCall != nil {
				input, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					input = []byte("{}")
				}
				toolBlocks = append(toolBlocks, anthropic.ToolUseBlock(
					geminiToolUseID(id, toolIndex), p.FunctionCall.Name, input))
				toolIndex++
			}
		}
	}

	if text.Len() > 0 {
		out.Content = append(out.Content, anthropic.TextBlock(text.String()))
	}
	out.Content = append(out.Content, toolBlocks...)

	out.StopReason = MapGeminiFinishReason(string(cand.FinishReason))

	if string(cand.FinishReason) == "UNEXPECTED_TOOL_CALL" {
		if len(toolBlocks) == 0 {
			out.Content = append(out.Content, anthropic.TextBlock(
				"The model attempted a tool call outside the declared tool set."))
		}
		out.StopReason = anthropic.StopToolUse
	}

	return out, nil
}

// MapGeminiFinishReason converts a Gemini finishReason to an Anthropic
// stop_reason.
func MapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return anthropic.StopEndTurn
	case "MAX_TOKENS":
		return anthropic.StopMaxTokens
	case "UNEXPECTED_TOOL_CALL":
		return anthropic.StopToolUse
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return anthropic.StopStopSequence
	default:
		slog.Warn("unknown_finish_reason", slog.String("finish_reason", reason))
		return anthropic.StopEndTurn
	}
}

// geminiToolUseID synthesizes a stable tool_use id — Gemini function calls
// carry none.
func geminiToolUseID(responseID string, index int) string {
	return fmt.Sprintf("toolu_%s_%d", strings.TrimPrefix(responseID, "resp_"), index)
}
