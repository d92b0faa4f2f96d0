package compat

import (
	"errors"
	"testing"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

func lmBinding() *routing.Binding {
	return &routing.Binding{
		Provider: "lmstudio-local",
		Dialect:  routing.DialectOpenAI,
		Model:    "gpt-oss-20b",
		Stages: routing.StageConfig{
			CompatAdapter: routing.AdapterLMStudio,
			Dispatch: routing.DispatchParams{
				ModelMap:     map[string]string{"gpt-oss-20b": "gpt-oss-20b-mlx"},
				LoadedModels: []string{"gpt-oss-20b-mlx"},
			},
		},
	}
}

func TestLMStudio_ModelRemap(t *testing.T) {
	adapter, err := ForTag(routing.AdapterLMStudio)
	if err != nil {
		t.Fatal(err)
	}
	p := &transform.Payload{
		Dialect: routing.DialectOpenAI,
		OpenAI:  &openaiSDK.ChatCompletionNewParams{Model: shared.ChatModel("gpt-oss-20b")},
	}
	if err := adapter.AdaptRequest(p, lmBinding()); err != nil {
		t.Fatalf("AdaptRequest: %v", err)
	}
	if string(p.OpenAI.Model) != "gpt-oss-20b-mlx" {
		t.Fatalf("model = %s", p.OpenAI.Model)
	}
}

func TestLMStudio_RejectsUnloadedModel(t *testing.T) {
	adapter, _ := ForTag(routing.AdapterLMStudio)
	p := &transform.Payload{
		Dialect: routing.DialectOpenAI,
		OpenAI:  &openaiSDK.ChatCompletionNewParams{Model: shared.ChatModel("mystery-model")},
	}
	err := adapter.AdaptRequest(p, lmBinding())
	var uce *apierr.UpstreamClientError
	if !errors.As(err, &uce) || uce.Status != 404 {
		t.Fatalf("expected 404 UpstreamClientError, got %v", err)
	}
}

// Scenario S6: a GLM-style embedded call becomes a proper tool_call and the
// triggering text is elided.
func TestLMStudio_ExtractsEmbeddedToolCall(t *testing.T) {
	adapter, _ := ForTag(routing.AdapterLMStudio)
	up := &transform.Upstream{OpenAI: &openaiSDK.ChatCompletion{
		Choices: []openaiSDK.ChatCompletionChoice{{
			Message: openaiSDK.ChatCompletionMessage{
				Role:    "assistant",
				Content: `Sure. Tool call: get_time({"timezone":"UTC"})`,
			},
			FinishReason: "stop",
		}},
	}}

	if err := adapter.AdaptResponse(up, lmBinding()); err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	choice := up.OpenAI.Choices[0]
	if choice.Message.Content != "" {
		t.Fatalf("triggering text not elided: %q", choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %+v", choice.Message.ToolCalls)
	}
	tc := choice.Message.ToolCalls[0]
	if tc.Function.Name != "get_time" || tc.Function.Arguments != `{"timezone":"UTC"}` {
		t.Fatalf("extracted call = %+v", tc)
	}
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %s", choice.FinishReason)
	}
}

// Scenario S6 (negative): tutorial/quoted examples are never extracted.
func TestLMStudio_TutorialContextNotExtracted(t *testing.T) {
	adapter, _ := ForTag(routing.AdapterLMStudio)
	up := &transform.Upstream{OpenAI: &openaiSDK.ChatCompletion{
		Choices: []openaiSDK.ChatCompletionChoice{{
			Message: openaiSDK.ChatCompletionMessage{
				Role:    "assistant",
				Content: `Here is how tools work: Tool call: Foo({"x":1}) — this is just an example.`,
			},
			FinishReason: "stop",
		}},
	}}

	if err := adapter.AdaptResponse(up, lmBinding()); err != nil {
		t.Fatalf("AdaptResponse: %v", err)
	}
	choice := up.OpenAI.Choices[0]
	if len(choice.Message.ToolCalls) != 0 {
		t.Fatalf("tutorial example was extracted: %+v", choice.Message.ToolCalls)
	}
	if choice.Message.Content == "" {
		t.Fatal("original content must survive when nothing is extracted")
	}
}

func TestLMStudio_RealToolCallsWin(t *testing.T) {
	adapter, _ := ForTag(routing.AdapterLMStudio)
	up := &transform.Upstream{OpenAI: &openaiSDK.ChatCompletion{
		Choices: []openaiSDK.ChatCompletionChoice{{
			Message: openaiSDK.ChatCompletionMessage{
				Role:    "assistant",
				Content: `Tool call: ignored({"x":1})`,
				ToolCalls: []openaiSDK.ChatCompletionMessageToolCallUnion{{
					ID: "call_real", Type: "function",
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunction{
						Name: "real", Arguments: "{}",
					},
				}},
			},
		}},
	}}

	if err := adapter.AdaptResponse(up, lmBinding()); err != nil {
		t.Fatal(err)
	}
	if len(up.OpenAI.Choices[0].Message.ToolCalls) != 1 {
		t.Fatal("extraction must never run when real tool_calls exist")
	}
}

func TestExtractEmbeddedToolCall_Variants(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantOK  bool
		tool    string
	}{
		{"glm", `Tool call: get_time({"tz":"UTC"})`, true, "get_time"},
		{"glm underscore", `Tool_call: get_time({"tz":"UTC"})`, true, "get_time"},
		{"function style", `functions.lookup({"q":"x"})`, true, "lookup"},
		{"bracketed", `[TOOL_CALL] lookup({"q":"x"})`, true, "lookup"},
		{"channel commentary", `<|channel|>commentary to=lookup <|message|>{"q":"x"}`, true, "lookup"},
		{"inside fence", "```\nTool call: x({\"a\":1})\n```", false, ""},
		{"trailing prose", `Tool call: x({"a":1}) and then more text`, false, ""},
		{"numbered tutorial", "1. First do this:\n```example```\nTool call: x({\"a\":1})", false, ""},
		{"unbalanced json", `Tool call: x({"a":1)`, false, ""},
		{"plain text", `no calls here`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			name, _, _, ok := ExtractEmbeddedToolCall(tc.content)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && name != tc.tool {
				t.Fatalf("name = %s, want %s", name, tc.tool)
			}
		})
	}
}
