package transform

import (
	"encoding/json"
	"strconv"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// Emitter converts a normalized upstream chunk sequence into the canonical
// Anthropic SSE event order:
//
//	message_start
//	(content_block_start content_block_delta* content_block_stop)*
//	message_delta
//	message_stop
//
// Block indices are contiguous from 0 and every opened block is closed, even
// when the upstream aborts — Finish emits a terminal frame in all cases.
type Emitter struct {
	sink      func([]byte) error
	requestID string
	model     string

	started  bool
	finished bool

	nextIndex int

	// open block bookkeeping: at most one block is open at a time.
	openIndex int    // -1 when nothing is open
	openKind  string // text | tool_use
	openTool  string // upstream tool-call key of the open tool block

	toolArgsSeen map[string]string // accumulated args per tool key (non-incremental upstreams)
	lastToolKey  string

	stopReason  string
	usage       anthropic.Usage
	outputChars int
}

// NewEmitter creates an emitter writing encoded SSE bytes through sink.
func NewEmitter(requestID, model string, sink func([]byte) error) *Emitter {
	return &Emitter{
		sink:         sink,
		requestID:    requestID,
		model:        model,
		openIndex:    -1,
		toolArgsSeen: make(map[string]string),
	}
}

func (e *Emitter) send(ev anthropic.StreamEvent) error {
	return e.sink(ev.Encode())
}

func (e *Emitter) start() error {
	if e.started {
		return nil
	}
	e.started = true
	return e.send(anthropic.MessageStartEvent(e.requestID, e.model))
}

// Emit processes one upstream chunk.
func (e *Emitter) Emit(c StreamChunk) error {
	if e.finished {
		return nil
	}
	if c.Err != nil {
		return e.Finish(c.Err)
	}
	if err := e.start(); err != nil {
		return err
	}

	if c.TextDelta != "" {
		if err := e.ensureTextBlock(); err != nil {
			return err
		}
		e.outputChars += len(c.TextDelta)
		if err := e.send(anthropic.TextDeltaEvent(e.openIndex, c.TextDelta)); err != nil {
			return err
		}
	}

	for _, tc := range c.ToolCalls {
		if err := e.emitToolDelta(tc); err != nil {
			return err
		}
	}

	if c.StopReason != "" {
		e.stopReason = c.StopReason
	}
	if c.Usage != nil {
		e.usage = *c.Usage
	}
	return nil
}

func (e *Emitter) ensureTextBlock() error {
	if e.openKind == anthropic.BlockText {
		return nil
	}
	if err := e.closeOpenBlock(); err != nil {
		return err
	}
	e.openIndex = e.nextIndex
	e.nextIndex++
	e.openKind = anthropic.BlockText
	return e.send(anthropic.ContentBlockStartEvent(e.openIndex, anthropic.TextBlock("")))
}

func (e *Emitter) emitToolDelta(tc ToolCallDelta) error {
	key := toolKey(tc, e.lastToolKey)
	if key == "" {
		return nil
	}
	e.lastToolKey = key

	if e.openKind != anthropic.BlockToolUse || e.openTool != key {
		if err := e.closeOpenBlock(); err != nil {
			return err
		}
		e.openIndex = e.nextIndex
		e.nextIndex++
		e.openKind = anthropic.BlockToolUse
		e.openTool = key

		block := anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Name,
			Input: json.RawMessage("{}"),
		}
		if err := e.send(anthropic.ContentBlockStartEvent(e.openIndex, block)); err != nil {
			return err
		}
	}

	if tc.ArgsDelta == "" {
		return nil
	}

	// Some upstreams resend the full argument string instead of the suffix;
	// emit only the new part when the previous value is a prefix.
	delta := tc.ArgsDelta
	if seen := e.toolArgsSeen[key]; seen != "" {
		full := tc.ArgsDelta
		if len(full) > len(seen) && full[:len(seen)] == seen {
			delta = full[len(seen):]
			e.toolArgsSeen[key] = full
		} else {
			e.toolArgsSeen[key] = seen + delta
		}
	} else {
		e.toolArgsSeen[key] = delta
	}

	e.outputChars += len(delta)
	return e.send(anthropic.InputJSONDeltaEvent(e.openIndex, delta))
}

func (e *Emitter) closeOpenBlock() error {
	if e.openIndex < 0 {
		return nil
	}
	idx := e.openIndex
	e.openIndex = -1
	e.openKind = ""
	e.openTool = ""
	return e.send(anthropic.ContentBlockStopEvent(idx))
}

// Finish terminates the stream. With a nil error it emits the canonical
// message_delta + message_stop tail; with an error it closes any open block
// and writes a terminal error frame instead — the stream is never truncated
// silently. Finish is idempotent.
func (e *Emitter) Finish(cause error) error {
	if e.finished {
		return nil
	}
	e.finished = true

	if err := e.start(); err != nil {
		return err
	}
	if err := e.closeOpenBlock(); err != nil {
		return err
	}

	if cause != nil {
		return e.sink(apierr.SSEFrame(cause))
	}

	stop := e.stopReason
	if stop == "" {
		stop = anthropic.StopEndTurn
	}
	outTokens := e.usage.OutputTokens
	if outTokens == 0 && e.outputChars > 0 {
		outTokens = e.outputChars/4 + 1
	}

	if err := e.send(anthropic.MessageDeltaEvent(stop, outTokens)); err != nil {
		return err
	}
	return e.send(anthropic.MessageStopEvent())
}

// toolKey identifies a tool call across fragments: by ID when present, by
// upstream index otherwise, falling back to the previous key for trailing
// argument fragments.
func toolKey(tc ToolCallDelta, last string) string {
	if tc.ID != "" {
		return tc.ID
	}
	if tc.Index > 0 || tc.Name != "" {
		return "idx_" + strconv.Itoa(tc.Index)
	}
	if last != "" {
		return last
	}
	return "idx_0"
}
