// Package events defines the AG-UI-compatible SSE event vocabulary the
// gateway streams to clients, and the sinks that fan those events out.
package events

import (
	"encoding/json"
	"sync/atomic"
)

// EventType is the AG-UI event name carried on the wire.
type EventType string

const (
	RunStarted     EventType = "RUN_STARTED"
	RunFinished    EventType = "RUN_FINISHED"
	RunError       EventType = "RUN_ERROR"
	StepStarted    EventType = "STEP_STARTED"
	StepFinished   EventType = "STEP_FINISHED"

	TextMessageStart   EventType = "TEXT_MESSAGE_START"
	TextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     EventType = "TEXT_MESSAGE_END"

	ToolCallStart  EventType = "TOOL_CALL_START"
	ToolCallArgs   EventType = "TOOL_CALL_ARGS"
	ToolCallEnd    EventType = "TOOL_CALL_END"
	ToolCallResult EventType = "TOOL_CALL_RESULT"

	StateSnapshot    EventType = "STATE_SNAPSHOT"
	StateDelta       EventType = "STATE_DELTA"
	MessagesSnapshot EventType = "MESSAGES_SNAPSHOT"

	Custom EventType = "CUSTOM"
)

// Event is a single point on the run's event timeline. Sequence is a
// monotonically increasing per-process counter so consumers can detect
// gaps or reordering across transport hops.
type Event struct {
	Type     EventType      `json:"type"`
	Sequence uint64         `json:"sequence"`
	RunID    string         `json:"run_id,omitempty"`
	Data     map[string]any `json:"-"`
}

// MarshalJSON flattens Data alongside the event's own fields, matching the
// wire shape of {"type": ..., "sequence": ..., ...data}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type, "sequence": e.Sequence}
	if e.RunID != "" {
		out["run_id"] = e.RunID
	}
	for k, v := range e.Data {
		out[k] = v
	}
	return json.Marshal(out)
}

var seq uint64

func nextSeq() uint64 {
	return atomic.AddUint64(&seq, 1)
}

func newEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Sequence: nextSeq(), Data: data}
}

func NewRunStarted(runID string) Event {
	e := newEvent(RunStarted, nil)
	e.RunID = runID
	return e
}

func NewRunFinished(runID, stopReason string, usage map[string]any, model string) Event {
	data := map[string]any{"stop_reason": stopReason}
	if usage != nil {
		data["usage"] = usage
	}
	if model != "" {
		data["model"] = model
	}
	e := newEvent(RunFinished, data)
	e.RunID = runID
	return e
}

func NewRunError(runID, message, code string) Event {
	e := newEvent(RunError, map[string]any{"message": message, "code": code})
	e.RunID = runID
	return e
}

func NewTextMessageContent(text string) Event {
	return newEvent(TextMessageContent, map[string]any{"text": text})
}

func NewToolCallStart(id, name string) Event {
	return newEvent(ToolCallStart, map[string]any{"id": id, "name": name})
}

func NewToolCallArgs(id string, arguments json.RawMessage) Event {
	return newEvent(ToolCallArgs, map[string]any{"id": id, "arguments": json.RawMessage(arguments)})
}

func NewToolCallEnd(id, name string, ok bool, result any, errInfo map[string]any) Event {
	data := map[string]any{"id": id, "name": name, "ok": ok}
	if ok {
		data["result"] = result
	} else if errInfo != nil {
		data["error"] = errInfo
	}
	return newEvent(ToolCallEnd, data)
}

// NewClarificationRequest is a CUSTOM event signaling the UI to render an
// interactive prompt and wait for resolution via the interrupts API before
// the run can continue.
func NewClarificationRequest(interruptID, question string, options []string, inputType, reason string, context map[string]any) Event {
	data := map[string]any{
		"name":        "clarification_request",
		"interrupt_id": interruptID,
		"question":    question,
		"input_type":  inputType,
	}
	if len(options) > 0 {
		data["options"] = options
	}
	if reason != "" {
		data["reason"] = reason
	}
	if context != nil {
		data["context"] = context
	}
	return newEvent(Custom, data)
}

// ToSSE renders an event as a wire-ready SSE "data:" frame.
func ToSSE(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// DoneFrame is the terminal SSE marker written after the last Event.
const DoneFrame = "data: [DONE]\n\n"
