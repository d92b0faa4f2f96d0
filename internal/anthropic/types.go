// Package anthropic defines the canonical request/response shapes of the
// Anthropic Messages protocol as used on the gateway's ingress side, plus the
// server-sent event types emitted for streaming responses.
//
// Every pipeline stage consumes or produces these shapes on the Anthropic side
// of the dialect boundary; the transformer packages convert between them and
// the upstream dialects.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block discriminants.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// Tool choice modes.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
)

type (
	// Request is the Anthropic Messages API request body. Model carries the
	// virtual route name until the router resolves a concrete binding.
	Request struct {
		Model         string       `json:"model"`
		Messages      []Message    `json:"messages"`
		System        SystemPrompt `json:"system,omitempty"`
		Tools         []Tool       `json:"tools,omitempty"`
		ToolChoice    *ToolChoice  `json:"tool_choice,omitempty"`
		MaxTokens     int          `json:"max_tokens"`
		Temperature   *float64     `json:"temperature,omitempty"`
		TopP          *float64     `json:"top_p,omitempty"`
		StopSequences []string     `json:"stop_sequences,omitempty"`
		Stream        bool         `json:"stream,omitempty"`
		Metadata      *Metadata    `json:"metadata,omitempty"`
		raw           json.RawMessage
	}

	// Metadata carries optional client hints; VirtualRoute overrides route
	// resolution when set.
	Metadata struct {
		UserID       string `json:"user_id,omitempty"`
		VirtualRoute string `json:"virtual_route,omitempty"`
	}

	// Message is one conversation turn. Content is a string or block sequence
	// on the wire; it is normalized to blocks during decode.
	Message struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	}

	// ContentBlock is the tagged union over text / tool_use / tool_result.
	// Exactly the fields of the active variant are populated.
	ContentBlock struct {
		Type string `json:"type"`

		// text
		Text string `json:"text,omitempty"`

		// tool_use
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// Raw carries unparseable tool input verbatim when the repair pass
		// failed; the envelope is marked partial in that case.
		Raw string `json:"_raw,omitempty"`

		// tool_result
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}

	// SystemPrompt accepts both the string and block-sequence wire forms.
	SystemPrompt struct {
		Text string
	}

	// Tool is a client-declared tool definition.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema"`
	}

	// ToolChoice selects how the model may call tools.
	ToolChoice struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}

	// Usage — token accounting.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Response is the Anthropic Messages API response body.
	Response struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Role       string         `json:"role"`
		Model      string         `json:"model"`
		Content    []ContentBlock `json:"content"`
		StopReason string         `json:"stop_reason,omitempty"`
		Usage      Usage          `json:"usage"`

		// Partial marks a response whose tool input survived only as _raw.
		// Internal; never serialized.
		Partial bool `json:"-"`
	}
)

// UnmarshalJSON accepts both the string and block forms of message content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role

	if len(wire.Content) == 0 {
		return nil
	}
	if wire.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(wire.Content, &s); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: BlockText, Text: s}}
		return nil
	}
	return json.Unmarshal(wire.Content, &m.Content)
}

// MarshalJSON always emits the block form.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	}
	return json.Marshal(wire{Role: m.Role, Content: m.Content})
}

// UnmarshalJSON accepts "system" as a string or as a sequence of text blocks;
// block texts are concatenated in order.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &s.Text)
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	for i, b := range blocks {
		if b.Type != BlockText {
			return fmt.Errorf("system block %d: unsupported type %q", i, b.Type)
		}
		if i > 0 {
			s.Text += "\n"
		}
		s.Text += b.Text
	}
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

// UnmarshalJSON accepts tool_choice as a string shorthand or object form.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &tc.Type)
	}
	type wire ToolChoice
	return json.Unmarshal(data, (*wire)(tc))
}

// Decode parses and structurally validates an ingress request body.
func Decode(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &apierr.ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	req.raw = body
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Raw returns the original wire body (set by Decode).
func (r *Request) Raw() json.RawMessage { return r.raw }

// Validate enforces the structural contract of the Messages protocol:
// required fields, role values, block-union discriminants, and the
// tool_choice/tools relationship.
func (r *Request) Validate() error {
	if r.Model == "" {
		return &apierr.ValidationError{Field: "model", Reason: "required"}
	}
	if len(r.Messages) == 0 {
		return &apierr.ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	if r.MaxTokens <= 0 {
		return &apierr.ValidationError{Field: "max_tokens", Reason: "must be > 0"}
	}

	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &apierr.ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("must be user or assistant, got %q", m.Role),
			}
		}
		for j, b := range m.Content {
			if err := b.validate(); err != nil {
				return &apierr.ValidationError{
					Field:  fmt.Sprintf("messages[%d].content[%d]", i, j),
					Reason: err.Error(),
				}
			}
		}
	}

	toolNames := make(map[string]struct{}, len(r.Tools))
	for i, t := range r.Tools {
		if t.Name == "" {
			return &apierr.ValidationError{
				Field:  fmt.Sprintf("tools[%d].name", i),
				Reason: "required",
			}
		}
		if len(t.InputSchema) == 0 {
			return &apierr.ValidationError{
				Field:  fmt.Sprintf("tools[%d].input_schema", i),
				Reason: "required",
			}
		}
		if !json.Valid(t.InputSchema) {
			return &apierr.ValidationError{
				Field:  fmt.Sprintf("tools[%d].input_schema", i),
				Reason: "not valid JSON",
			}
		}
		toolNames[t.Name] = struct{}{}
	}

	if r.ToolChoice != nil {
		switch r.ToolChoice.Type {
		case ToolChoiceAuto, ToolChoiceAny:
		case ToolChoiceTool:
			if _, ok := toolNames[r.ToolChoice.Name]; !ok {
				return &apierr.ValidationError{
					Field:  "tool_choice.name",
					Reason: fmt.Sprintf("names undeclared tool %q", r.ToolChoice.Name),
				}
			}
		default:
			return &apierr.ValidationError{
				Field:  "tool_choice.type",
				Reason: fmt.Sprintf("must be auto, any or tool, got %q", r.ToolChoice.Type),
			}
		}
		if len(r.Tools) == 0 {
			return &apierr.ValidationError{
				Field:  "tool_choice",
				Reason: "may only be specified while providing tools",
			}
		}
	}

	return nil
}

func (b *ContentBlock) validate() error {
	switch b.Type {
	case BlockText:
		return nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use requires id and name")
		}
		return nil
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result requires tool_use_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewResponse builds a response envelope with the fixed type/role fields set.
func NewResponse(id, model string) *Response {
	return &Response{
		ID:    id,
		Type:  "message",
		Role:  RoleAssistant,
		Model: model,
	}
}
