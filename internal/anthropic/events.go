package anthropic

import (
	"encoding/json"
	"fmt"
)

// SSE event type constants, in canonical emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta type constants.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

type (
	// StreamEvent is one server-sent event of a streaming response. Exactly
	// one payload field matching Type is populated.
	StreamEvent struct {
		Type string `json:"type"`

		Message      *Response     `json:"message,omitempty"`
		Index        *int          `json:"index,omitempty"`
		ContentBlock *ContentBlock `json:"content_block,omitempty"`
		Delta        *Delta        `json:"delta,omitempty"`
		Usage        *DeltaUsage   `json:"usage,omitempty"`
	}

	// Delta carries incremental content or the terminal stop_reason.
	Delta struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	}

	// DeltaUsage is the output-token counter attached to message_delta.
	DeltaUsage struct {
		OutputTokens int `json:"output_tokens"`
	}
)

// MessageStartEvent opens a stream. The embedded message has empty content.
func MessageStartEvent(id, model string) StreamEvent {
	msg := NewResponse(id, model)
	msg.Content = []ContentBlock{}
	return StreamEvent{Type: EventMessageStart, Message: msg}
}

// ContentBlockStartEvent opens block index with its initial (empty) shape.
func ContentBlockStartEvent(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: intp(index), ContentBlock: &block}
}

// TextDeltaEvent appends text to an open text block.
func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: intp(index),
		Delta: &Delta{Type: DeltaText, Text: text},
	}
}

// InputJSONDeltaEvent appends partial tool-input JSON to an open tool_use block.
func InputJSONDeltaEvent(index int, partial string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: intp(index),
		Delta: &Delta{Type: DeltaInputJSON, PartialJSON: partial},
	}
}

// ContentBlockStopEvent closes block index.
func ContentBlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: intp(index)}
}

// MessageDeltaEvent carries the terminal stop_reason and output usage.
func MessageDeltaEvent(stopReason string, outputTokens int) StreamEvent {
	return StreamEvent{
		Type:  EventMessageDelta,
		Delta: &Delta{StopReason: stopReason},
		Usage: &DeltaUsage{OutputTokens: outputTokens},
	}
}

// MessageStopEvent terminates the stream.
func MessageStopEvent() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}

// Encode renders the event in SSE wire framing.
func (e StreamEvent) Encode() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))
}

func intp(i int) *int { return &i }
