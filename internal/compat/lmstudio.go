package compat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// lmStudioAdapter handles local LM Studio / MLX servers:
//
//   - request: remap the binding's model name to the locally available MLX
//     name (table-driven) and validate it against the known-loaded set;
//   - response: local GLM-family models emit tool calls as assistant text
//     instead of tool_calls — extract them into proper tool_calls.
type lmStudioAdapter struct{}

func (lmStudioAdapter) Name() string { return routing.AdapterLMStudio }

func (lmStudioAdapter) AdaptRequest(p *transform.Payload, b *routing.Binding) error {
	if p == nil || p.OpenAI == nil {
		return nil
	}
	model := string(p.OpenAI.Model)
	if mapped, ok := b.Stages.Dispatch.ModelMap[model]; ok {
		model = mapped
		p.OpenAI.Model = shared.ChatModel(mapped)
	}
	if loaded := b.Stages.Dispatch.LoadedModels; len(loaded) > 0 {
		for _, m := range loaded {
			if m == model {
				return nil
			}
		}
		return &apierr.UpstreamClientError{
			Provider: b.Provider,
			Status:   404,
			Message:  fmt.Sprintf("model %q is not loaded", model),
		}
	}
	return nil
}

func (lmStudioAdapter) AdaptResponse(up *transform.Upstream, b *routing.Binding) error {
	if up == nil || up.OpenAI == nil {
		return nil
	}
	normalizeOpenAIEnvelope(up, b, false)

	for i := range up.OpenAI.Choices {
		c := &up.OpenAI.Choices[i]
		if len(c.Message.ToolCalls) > 0 {
			continue // real tool_calls win; never double-extract
		}
		name, args, _, ok := ExtractEmbeddedToolCall(c.Message.Content)
		if !ok {
			continue
		}
		// The triggering text is preamble chatter around the call; elide it
		// so the reply carries the tool_use alone.
		c.Message.Content = ""
		c.Message.ToolCalls = append(c.Message.ToolCalls, openaiSDK.ChatCompletionMessageToolCallUnion{
			ID:   fmt.Sprintf("call_embedded_%d", i),
			Type: "function",
			Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunction{
				Name:      name,
				Arguments: args,
			},
		})
		c.FinishReason = "tool_calls"
	}
	return nil
}

// Embedded tool-call markers, tried in order. Each match position must then
// be followed by an identifier and a balanced-brace JSON argument.
var embeddedCallMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)tool[ _]call:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`),                           // GLM: Tool call: Name({...})
	regexp.MustCompile(`functions\.([A-Za-z_][A-Za-z0-9_]*)\s*\(`),                                    // function-call style
	regexp.MustCompile(`\[TOOL_CALL\]\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`),                               // bracketed
	regexp.MustCompile(`<\|channel\|>commentary to=([A-Za-z_][A-Za-z0-9_.]*)\s*<\|message\|>\s*(\{)`), // channel commentary
}

var numberedListMarker = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)

// ExtractEmbeddedToolCall parses a text-embedded tool call out of assistant
// content. Extraction is deliberately tight: the call must be the last
// structured element of the message, outside any fenced code block, and not
// in tutorial context (a numbered list introducing a code fence). Returns the
// tool name, its JSON arguments, the remaining text, and whether a call was
// extracted.
func ExtractEmbeddedToolCall(content string) (name, args, rest string, ok bool) {
	if content == "" {
		return "", "", content, false
	}

	for _, marker := range embeddedCallMarkers {
		locs := marker.FindAllStringSubmatchIndex(content, -1)
		if len(locs) == 0 {
			continue
		}
		// Only the last occurrence can be the message's final structured
		// element.
		loc := locs[len(locs)-1]
		matchStart, matchEnd := loc[0], loc[1]
		name = content[loc[2]:loc[3]]

		// The channel-commentary form opens the JSON directly; the others
		// open a parenthesized argument.
		jsonStart := matchEnd
		parenWrapped := true
		if len(loc) >= 6 && loc[4] >= 0 {
			jsonStart = loc[4]
			parenWrapped = false
		}

		rawArgs, end, balanced := scanBalancedJSON(content, jsonStart)
		if !balanced {
			continue
		}
		if parenWrapped {
			// Require the closing paren of the call syntax.
			tail := strings.TrimLeft(content[end:], " \t")
			if !strings.HasPrefix(tail, ")") {
				continue
			}
			end += strings.Index(content[end:], ")") + 1
		}

		if insideCodeFence(content, matchStart) {
			continue
		}
		if tutorialContext(content, matchStart) {
			continue
		}
		// Last structured element: nothing but whitespace may follow.
		if strings.TrimSpace(content[end:]) != "" {
			continue
		}
		if !json.Valid([]byte(rawArgs)) {
			continue
		}

		rest = strings.TrimSpace(content[:matchStart])
		return name, rawArgs, rest, true
	}

	return "", "", content, false
}

// scanBalancedJSON scans a brace-balanced JSON object starting at or after
// pos. Returns the object text and the index just past it.
func scanBalancedJSON(s string, pos int) (string, int, bool) {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n') {
		pos++
	}
	if pos >= len(s) || s[pos] != '{' {
		return "", pos, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := pos; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[pos : i+1], i + 1, true
			}
		}
	}
	return "", pos, false
}

// insideCodeFence reports whether pos falls inside a ``` fenced block.
func insideCodeFence(s string, pos int) bool {
	return strings.Count(s[:pos], "```")%2 == 1
}

// tutorialContext applies the quoted-example heuristic: a numbered list
// marker followed by a code fence in the text leading up to the call means
// the call is being shown, not made.
func tutorialContext(s string, pos int) bool {
	prefix := s[:pos]
	if !numberedListMarker.MatchString(prefix) {
		return false
	}
	return strings.Contains(prefix, "```")
}
