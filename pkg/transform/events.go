// Package transform converts a live sequence of model text deltas into text
// and tool-call events. One Transformer exists per model response; it owns
// its buffer and in-flight call state and holds no globals, so concurrent
// responses with different tool sets stay isolated.
package transform

import "fmt"

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries plain passthrough text.
	EventTextDelta EventType = "text-delta"
	// EventToolCallStart announces a recognized call once its tool name is
	// known.
	EventToolCallStart EventType = "tool-call-start"
	// EventToolCallDelta carries an incremental fragment of the captured
	// call body.
	EventToolCallDelta EventType = "tool-call-delta"
	// EventToolCallEnd carries the fully coerced input of a finished call.
	EventToolCallEnd EventType = "tool-call-end"
	// EventParseFailure reports a segment that stayed unrecoverable. The raw
	// captured text is always emitted as a preceding text-delta so model
	// output is never dropped.
	EventParseFailure EventType = "parse-failure"
	// EventStreamError reports that the chunk source failed mid-stream. It is
	// always the final event; buffered state is flushed before it.
	EventStreamError EventType = "stream-error"
)

// Event is one output of the Transformer.
type Event struct {
	Type     EventType
	Text     string
	ToolName string
	CallID   string
	Delta    string
	Input    any
	Warnings []string
	Err      error
}

func (e Event) String() string {
	switch e.Type {
	case EventTextDelta:
		return fmt.Sprintf("text-delta(%q)", e.Text)
	case EventToolCallStart:
		return fmt.Sprintf("tool-call-start(%s id=%s)", e.ToolName, e.CallID)
	case EventToolCallDelta:
		return fmt.Sprintf("tool-call-delta(%q)", e.Delta)
	case EventToolCallEnd:
		return fmt.Sprintf("tool-call-end(%s)", e.ToolName)
	case EventParseFailure:
		return fmt.Sprintf("parse-failure(%s: %v)", e.ToolName, e.Err)
	case EventStreamError:
		return fmt.Sprintf("stream-error(%v)", e.Err)
	}
	return string(e.Type)
}

// PartType discriminates non-streaming output parts.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool-call"
)

// Part is one element of the non-streaming output sequence.
type Part struct {
	Type     PartType
	Text     string
	ToolName string
	CallID   string
	Input    any
	Warnings []string
	// Err is set on a text part that is really a degraded tool-call segment.
	Err error
}
