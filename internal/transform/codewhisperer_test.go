package transform

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

func TestCodeWhispererEncode_Envelope(t *testing.T) {
	req := mustDecode(t, `{
		"model":"m","max_tokens":1,"system":"stay factual",
		"messages":[
			{"role":"user","content":"first"},
			{"role":"assistant","content":"reply"},
			{"role":"user","content":"second"}
		],
		"tools":[{"name":"lookup","description":"finds","input_schema":{"type":"object"}}]
	}`)

	p, err := codeWhispererTransformer{}.EncodeRequest(req, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	cs := p.CodeWhisperer.ConversationState

	if cs.ChatTriggerType != "MANUAL" || cs.ConversationID == "" {
		t.Fatalf("conversation state = %+v", cs)
	}
	if len(cs.History) != 2 {
		t.Fatalf("history = %d entries", len(cs.History))
	}
	if cs.History[0].UserInputMessage == nil || cs.History[1].AssistantResponseMessage == nil {
		t.Fatal("history variants wrong")
	}

	cur := cs.CurrentMessage.UserInputMessage
	if cur == nil {
		t.Fatal("currentMessage must be the last user turn")
	}
	if cur.ModelID != "claude-sonnet-4" || cur.Origin != "AI_EDITOR" {
		t.Fatalf("current = %+v", cur)
	}
	// System prompt prefixes the current content.
	if cur.Content != "stay factual\n\nsecond" {
		t.Fatalf("content = %q", cur.Content)
	}
	if cur.Context == nil || len(cur.Context.Tools) != 1 ||
		cur.Context.Tools[0].ToolSpecification.Name != "lookup" {
		t.Fatalf("tool context = %+v", cur.Context)
	}
}

func TestCodeWhispererEncode_ToolTraffic(t *testing.T) {
	req := mustDecode(t, `{
		"model":"m","max_tokens":1,
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"lookup","input":{"q":"x"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"found","is_error":false}]}
		]
	}`)

	p, err := codeWhispererTransformer{}.EncodeRequest(req, "claude-sonnet-4")
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	cs := p.CodeWhisperer.ConversationState

	asst := cs.History[0].AssistantResponseMessage
	if len(asst.ToolUses) != 1 || asst.ToolUses[0].Name != "lookup" {
		t.Fatalf("assistant toolUses = %+v", asst.ToolUses)
	}

	cur := cs.CurrentMessage.UserInputMessage
	if cur.Context == nil || len(cur.Context.ToolResults) != 1 {
		t.Fatalf("toolResults missing: %+v", cur.Context)
	}
	tr := cur.Context.ToolResults[0]
	if tr.ToolUseID != "tu_1" || tr.Status != "success" || tr.Content[0].Text != "found" {
		t.Fatalf("toolResult = %+v", tr)
	}
}

func TestParseCodeWhispererEvent(t *testing.T) {
	chunk, ok := ParseCodeWhispererEvent("assistantResponseEvent", []byte(`{"content":"hi"}`))
	if !ok || chunk.TextDelta != "hi" {
		t.Fatalf("assistantResponseEvent = %+v, %v", chunk, ok)
	}

	chunk, ok = ParseCodeWhispererEvent("toolUseEvent",
		[]byte(`{"toolUseId":"tu_1","name":"lookup","input":"{\"q\":"}`))
	if !ok || len(chunk.ToolCalls) != 1 || chunk.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("toolUseEvent = %+v, %v", chunk, ok)
	}

	if _, ok = ParseCodeWhispererEvent("somethingElse", []byte(`{}`)); ok {
		t.Fatal("unknown events must be skipped")
	}
	if _, ok = ParseCodeWhispererEvent("assistantResponseEvent", []byte(`{"content":""}`)); ok {
		t.Fatal("empty content carries nothing")
	}
}

func TestAssembleCodeWhispererResponse(t *testing.T) {
	chunks := []StreamChunk{
		{TextDelta: "let me "},
		{TextDelta: "look"},
		{ToolCalls: []ToolCallDelta{{ID: "tu_1", Name: "lookup", ArgsDelta: `{"q":`}}},
		{ToolCalls: []ToolCallDelta{{ArgsDelta: `"x"}`}}}, // continuation without id
		{StopReason: anthropic.StopEndTurn},
	}

	resp := AssembleCodeWhispererResponse(chunks)
	if resp.Content != "let me look" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(resp.ToolUses) != 1 {
		t.Fatalf("toolUses = %+v", resp.ToolUses)
	}
	tu := resp.ToolUses[0]
	if tu.ToolUseID != "tu_1" || tu.Name != "lookup" || string(tu.Input) != `{"q":"x"}` {
		t.Fatalf("assembled tool use = %+v", tu)
	}
}

func TestCodeWhispererDecode(t *testing.T) {
	up := &Upstream{CodeWhisperer: &CodeWhispererResponse{
		Content: "answer",
		ToolUses: []cwToolUse{
			{ToolUseID: "tu_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		},
	}}

	resp, err := codeWhispererTransformer{}.DecodeResponse(up, "req-1", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Content[0].Text != "answer" || resp.Content[1].Name != "lookup" {
		t.Fatalf("blocks = %+v", resp.Content)
	}
	if resp.StopReason != anthropic.StopEndTurn {
		t.Fatalf("stop_reason = %s", resp.StopReason)
	}
	if resp.Usage.OutputTokens == 0 {
		t.Fatal("output tokens must be estimated when the stream has no usage")
	}
}
