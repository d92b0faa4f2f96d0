package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/routing"
)

// codeWhispererTransformer re-frames the canonical request onto the
// CodeWhisperer conversation envelope and coalesces its binary event stream
// back into a single response.
type codeWhispererTransformer struct{}

func (codeWhispererTransformer) Dialect() routing.Dialect { return routing.DialectCodeWhisperer }

// ── Envelope types ───────────────────────────────────────────────────────────

type (
	// CodeWhispererRequest is the generateAssistantResponse envelope.
	CodeWhispererRequest struct {
		ConversationState cwConversationState `json:"conversationState"`
		ProfileARN        string              `json:"profileArn,omitempty"`
	}

	cwConversationState struct {
		ChatTriggerType string      `json:"chatTriggerType"`
		ConversationID  string      `json:"conversationId"`
		CurrentMessage  cwMessage   `json:"currentMessage"`
		History         []cwMessage `json:"history,omitempty"`
	}

	// cwMessage holds exactly one of its two variants.
	cwMessage struct {
		UserInputMessage         *cwUserInputMessage         `json:"userInputMessage,omitempty"`
		AssistantResponseMessage *cwAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
	}

	cwUserInputMessage struct {
		Content string          `json:"content"`
		ModelID string          `json:"modelId"`
		Origin  string          `json:"origin"`
		Context *cwInputContext `json:"userInputMessageContext,omitempty"`
	}

	cwInputContext struct {
		Tools       []cwTool       `json:"tools,omitempty"`
		ToolResults []cwToolResult `json:"toolResults,omitempty"`
	}

	cwTool struct {
		ToolSpecification cwToolSpec `json:"toolSpecification"`
	}

	cwToolSpec struct {
		Name        string       `json:"name"`
		Description string       `json:"description,omitempty"`
		InputSchema cwJSONSchema `json:"inputSchema"`
	}

	cwJSONSchema struct {
		JSON json.RawMessage `json:"json"`
	}

	cwToolResult struct {
		ToolUseID string              `json:"toolUseId"`
		Status    string              `json:"status"`
		Content   []cwToolResultBlock `json:"content"`
	}

	cwToolResultBlock struct {
		Text string `json:"text,omitempty"`
	}

	cwAssistantResponseMessage struct {
		Content  string      `json:"content"`
		ToolUses []cwToolUse `json:"toolUses,omitempty"`
	}

	cwToolUse struct {
		ToolUseID string          `json:"toolUseId"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	}

	// CodeWhispererResponse is the coalesced event stream: ordered text and
	// tool-use deltas assembled by the dispatch client.
	CodeWhispererResponse struct {
		Content  string
		ToolUses []cwToolUse
		Usage    anthropic.Usage
	}
)

const cwOrigin = "AI_EDITOR"

// EncodeRequest folds the message history into the CodeWhisperer envelope:
// the last user message becomes currentMessage, everything before it becomes
// history, and tool declarations ride in userInputMessageContext.
func (codeWhispererTransformer) EncodeRequest(req *anthropic.Request, model string) (*Payload, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("transform: codewhisperer requires at least one message")
	}

	toCW := func(m anthropic.Message) cwMessage {
		if m.Role == anthropic.RoleAssistant {
			asst := &cwAssistantResponseMessage{}
			for _, b := range m.Content {
				switch b.Type {
				case anthropic.BlockText:
					asst.Content += b.Text
				case anthropic.BlockToolUse:
					input := b.Input
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					asst.ToolUses = append(asst.ToolUses, cwToolUse{
						ToolUseID: b.ID, Name: b.Name, Input: input,
					})
				}
			}
			return cwMessage{AssistantResponseMessage: asst}
		}

		user := &cwUserInputMessage{ModelID: model, Origin: cwOrigin}
		var cx cwInputContext
		for _, b := range m.Content {
			switch b.Type {
			case anthropic.BlockText:
				user.Content += b.Text
			case anthropic.BlockToolResult:
				status := "success"
				if b.IsError {
					status = "error"
				}
				cx.ToolResults = append(cx.ToolResults, cwToolResult{
					ToolUseID: b.ToolUseID,
					Status:    status,
					Content:   []cwToolResultBlock{{Text: toolResultText(b)}},
				})
			}
		}
		if len(cx.ToolResults) > 0 {
			user.Context = &cx
		}
		return cwMessage{UserInputMessage: user}
	}

	history := make([]cwMessage, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, toCW(m))
	}
	current := toCW(req.Messages[len(req.Messages)-1])

	// CodeWhisperer has no separate system slot; the system prompt prefixes
	// the current user content.
	if current.UserInputMessage != nil && req.System.Text != "" {
		current.UserInputMessage.Content = req.System.Text + "\n\n" + current.UserInputMessage.Content
	}

	if current.UserInputMessage != nil && len(req.Tools) > 0 {
		if current.UserInputMessage.Context == nil {
			current.UserInputMessage.Context = &cwInputContext{}
		}
		for _, t := range req.Tools {
			current.UserInputMessage.Context.Tools = append(
				current.UserInputMessage.Context.Tools, cwTool{
					ToolSpecification: cwToolSpec{
						Name:        t.Name,
						Description: t.Description,
						InputSchema: cwJSONSchema{JSON: t.InputSchema},
					},
				})
		}
	}

	env := &CodeWhispererRequest{
		ConversationState: cwConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			CurrentMessage:  current,
			History:         history,
		},
	}

	return &Payload{Dialect: routing.DialectCodeWhisperer, CodeWhisperer: env}, nil
}

// DecodeResponse converts the coalesced event stream into the canonical shape.
func (codeWhispererTransformer) DecodeResponse(up *Upstream, requestID, model string) (*anthropic.Response, error) {
	if up == nil || up.CodeWhisperer == nil {
		return nil, fmt.Errorf("transform: codewhisperer upstream payload missing")
	}
	resp := up.CodeWhisperer

	out := anthropic.NewResponse(requestID, model)
	if resp.Content != "" {
		out.Content = append(out.Content, anthropic.TextBlock(resp.Content))
	}
	for _, tu := range resp.ToolUses {
		input, raw, ok := parseToolInput(string(tu.Input))
		block := anthropic.ToolUseBlock(tu.ToolUseID, tu.Name, input)
		if !ok {
			block.Raw = raw
			out.Partial = true
		}
		out.Content = append(out.Content, block)
	}

	out.StopReason = anthropic.StopEndTurn
	out.Usage = resp.Usage
	if out.Usage.OutputTokens == 0 {
		// The stream carries no usage metadata; estimate ~4 chars per token.
		out.Usage.OutputTokens = len(resp.Content)/4 + 1
	}

	return out, nil
}

// ── Event parsing ────────────────────────────────────────────────────────────

// cwEvent is the JSON body of one event-stream frame. The :event-type header
// selects which variant is populated; unknown events are skipped.
type cwEvent struct {
	Content   string `json:"content,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

// ParseCodeWhispererEvent converts one decoded event frame into a normalized
// stream chunk. Returns (chunk, false) for events that carry nothing.
func ParseCodeWhispererEvent(eventType string, payload []byte) (StreamChunk, bool) {
	var ev cwEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return StreamChunk{}, false
	}

	switch eventType {
	case "assistantResponseEvent":
		if ev.Content == "" {
			return StreamChunk{}, false
		}
		return StreamChunk{TextDelta: ev.Content}, true

	case "toolUseEvent":
		if ev.ToolUseID == "" && ev.Name == "" && ev.Input == "" {
			return StreamChunk{}, false
		}
		return StreamChunk{ToolCalls: []ToolCallDelta{{
			ID:        ev.ToolUseID,
			Name:      ev.Name,
			ArgsDelta: ev.Input,
		}}}, true

	case "messageStopEvent":
		return StreamChunk{StopReason: anthropic.StopEndTurn}, true

	default:
		return StreamChunk{}, false
	}
}

// AssembleCodeWhispererResponse folds an ordered chunk sequence into the
// coalesced response used by the non-streaming path.
func AssembleCodeWhispererResponse(chunks []StreamChunk) *CodeWhispererResponse {
	var (
		text  strings.Builder
		uses  []cwToolUse
		byID  = map[string]int{}
		blank = func(tu cwToolUse) bool { return tu.ToolUseID == "" && tu.Name == "" }
	)

	var argBuf = map[string]*strings.Builder{}
	var lastID string

	for _, c := range chunks {
		text.WriteString(c.TextDelta)
		for _, tc := range c.ToolCalls {
			id := tc.ID
			if id == "" {
				id = lastID
			} else {
				lastID = id
			}
			idx, ok := byID[id]
			if !ok {
				byID[id] = len(uses)
				idx = len(uses)
				uses = append(uses, cwToolUse{ToolUseID: id, Name: tc.Name})
				argBuf[id] = &strings.Builder{}
			}
			if tc.Name != "" && uses[idx].Name == "" {
				uses[idx].Name = tc.Name
			}
			argBuf[id].WriteString(tc.ArgsDelta)
		}
	}

	out := &CodeWhispererResponse{Content: text.String()}
	for _, tu := range uses {
		if blank(tu) {
			continue
		}
		args := argBuf[tu.ToolUseID].String()
		if args == "" {
			args = "{}"
		}
		tu.Input = json.RawMessage(args)
		out.ToolUses = append(out.ToolUses, tu)
	}
	return out
}
