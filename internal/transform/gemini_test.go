package transform

import (
	"testing"

	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

func TestGeminiEncode_RolesAndSystem(t *testing.T) {
	req := mustDecode(t, `{
		"model":"m","max_tokens":64,"system":"be brief",
		"messages":[
			{"role":"user","content":"hi"},
			{"role":"assistant","content":"hello"},
			{"role":"user","content":"again"}
		]
	}`)

	p, err := geminiTransformer{}.EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	g := p.Gemini
	if g.Model != "gemini-2.0-flash" {
		t.Fatalf("model = %s", g.Model)
	}
	if len(g.Contents) != 3 {
		t.Fatalf("contents = %d", len(g.Contents))
	}
	if g.Contents[0].Role != genai.RoleUser || g.Contents[1].Role != genai.RoleModel {
		t.Fatalf("role mapping broken: %s / %s", g.Contents[0].Role, g.Contents[1].Role)
	}
	if g.Config.SystemInstruction == nil || g.Config.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatal("system instruction missing")
	}
	if g.Config.MaxOutputTokens != 64 {
		t.Fatalf("max output tokens = %d", g.Config.MaxOutputTokens)
	}
}

// Scenario: tool_choice "any" MUST produce mode ANY with allowedFunctionNames
// populated — omitting the list is a known Gemini misbehavior.
func TestGeminiEncode_ToolChoiceAny(t *testing.T) {
	req := mustDecode(t, `{
		"model":"m","max_tokens":1,
		"messages":[{"role":"user","content":"8+9"}],
		"tools":[{"name":"calculator","description":"adds","input_schema":{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}}],
		"tool_choice":"any"
	}`)

	p, err := geminiTransformer{}.EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	cfg := p.Gemini.Config

	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", cfg.Tools)
	}
	decl := cfg.Tools[0].FunctionDeclarations[0]
	if decl.Name != "calculator" || decl.ParametersJsonSchema == nil {
		t.Fatalf("declaration = %+v", decl)
	}

	fcc := cfg.ToolConfig.FunctionCallingConfig
	if fcc.Mode != genai.FunctionCallingConfigModeAny {
		t.Fatalf("mode = %s, want ANY", fcc.Mode)
	}
	if len(fcc.AllowedFunctionNames) != 1 || fcc.AllowedFunctionNames[0] != "calculator" {
		t.Fatalf("allowedFunctionNames = %v", fcc.AllowedFunctionNames)
	}
}

func TestGeminiEncode_ToolTraffic(t *testing.T) {
	req := mustDecode(t, `{
		"model":"m","max_tokens":1,
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"calc","input":{"a":8}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"17"}]}
		]
	}`)

	p, err := geminiTransformer{}.EncodeRequest(req, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	contents := p.Gemini.Contents

	fc := contents[0].Parts[0].FunctionCall
	if fc == nil || fc.Name != "calc" || fc.Args["a"] != float64(8) {
		t.Fatalf("functionCall = %+v", fc)
	}
	fr := contents[1].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "calc" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	if fr.Response["result"] != "17" {
		t.Fatalf("functionResponse payload = %+v", fr.Response)
	}
}

// Scenario S2: a functionCall part with finishReason STOP becomes a tool_use
// block with stop_reason end_turn (tool use is indicated by the block).
func TestGeminiDecode_FunctionCall(t *testing.T) {
	up := &Upstream{Gemini: &genai.GenerateContentResponse{
		ResponseID: "resp_1",
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{
				FunctionCall: &genai.FunctionCall{
					Name: "calculator",
					Args: map[string]any{"a": float64(8), "b": float64(9)},
				},
			}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}}

	resp, err := geminiTransformer{}.DecodeResponse(up, "req-1", "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Type != anthropic.BlockToolUse {
		t.Fatalf("content = %+v", resp.Content)
	}
	block := resp.Content[0]
	if block.Name != "calculator" {
		t.Fatalf("tool name = %s", block.Name)
	}
	if string(block.Input) != `{"a":8,"b":9}` {
		t.Fatalf("tool input = %s", block.Input)
	}
	if block.ID == "" {
		t.Fatal("tool_use id must be synthesized")
	}
	if resp.StopReason != anthropic.StopEndTurn {
		t.Fatalf("stop_reason = %s, want end_turn", resp.StopReason)
	}
}

// An UNEXPECTED_TOOL_CALL finish surfaces as a well-formed tool_use response
// with a diagnostic block — never a silent empty response.
func TestGeminiDecode_UnexpectedToolCall(t *testing.T) {
	up := &Upstream{Gemini: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []*genai.Part{}},
			FinishReason: genai.FinishReason("UNEXPECTED_TOOL_CALL"),
		}},
	}}

	resp, err := geminiTransformer{}.DecodeResponse(up, "req-1", "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.StopReason != anthropic.StopToolUse {
		t.Fatalf("stop_reason = %s", resp.StopReason)
	}
	if len(resp.Content) == 0 {
		t.Fatal("diagnostic block missing — response is silently empty")
	}
}

func TestGeminiDecode_TextAccumulates(t *testing.T) {
	up := &Upstream{Gemini: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "hel"}, {Text: "lo"},
			}},
			FinishReason: genai.FinishReasonMaxTokens,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 2,
		},
	}}

	resp, err := geminiTransformer{}.DecodeResponse(up, "req-1", "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.StopReason != anthropic.StopMaxTokens {
		t.Fatalf("stop_reason = %s", resp.StopReason)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}
