// Package toolloop drives the provider-agnostic tool-calling loop: stream
// from a backend, intercept tool calls (native or XML-embedded), execute
// them, inject results, and repeat until the model stops or a budget is
// hit.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/backend"
	"github.com/agentgateway/gateway/internal/events"
	"github.com/agentgateway/gateway/internal/xmltool"
)

// maxConsecutiveFailures bounds how many backend-stream failures in a row
// the loop tolerates before giving up on the run entirely.
const maxConsecutiveFailures = 3

// defaultMaxToolCalls is the unlimited sentinel; 0 means no cap.
const defaultMaxToolCalls = 0

// ToolExecutor invokes a tool by name with parsed JSON arguments and
// returns its result. Implementations must always return a ToolResult
// with ID/Name left for the caller to fill in.
type ToolExecutor func(ctx context.Context, name string, arguments json.RawMessage) (backend.ToolResult, error)

// Loop is a single configured tool-calling driver. A Loop is reusable
// across runs but not safe for concurrent Run calls against the same
// message slice.
type Loop struct {
	Backend        backend.Backend
	ToolExecutor   ToolExecutor
	Tools          []backend.ToolSchema
	MaxToolCalls   int
	WorkerID       string
	ModelOverride  string
	Temperature    float64
	MaxTokens      int

	// CanInterrupt reports whether this run is allowed to pause for a
	// human-in-the-loop clarification. Only a leader run may; a worker
	// run that hits a pending tool result has that result rejected
	// synchronously with ok=false instead, matching the
	// InterruptAuthorization error kind.
	CanInterrupt bool
}

// NewLoop constructs a Loop. maxToolCalls follows the clamping rule: a
// positive value is clamped to [1, 50], 0 means unlimited.
func NewLoop(be backend.Backend, executor ToolExecutor, tools []backend.ToolSchema, maxToolCalls int, workerID string) *Loop {
	if maxToolCalls > 0 {
		if maxToolCalls > 50 {
			maxToolCalls = 50
		}
		if maxToolCalls < 1 {
			maxToolCalls = 1
		}
	}
	return &Loop{
		Backend:      be,
		ToolExecutor: executor,
		Tools:        tools,
		MaxToolCalls: maxToolCalls,
		WorkerID:     workerID,
		CanInterrupt: true,
	}
}

// Run drives the loop against messages (mutated in place by appending
// assistant/tool turns) and emits events to sink as it progresses. It
// returns once the run reaches a terminal state: natural completion, a
// tool-limit cutoff, a human-in-the-loop interrupt, or repeated failure.
func (l *Loop) Run(ctx context.Context, runID string, messages *[]backend.Message, sink events.Sink) {
	sink.Emit(ctx, events.NewRunStarted(runID))

	toolCallCount := 0
	consecutiveFailures := 0

	cfg := backend.Config{
		Model:       l.ModelOverride,
		Temperature: l.Temperature,
		MaxTokens:   l.MaxTokens,
		Tools:       l.Tools,
	}
	if cfg.Model == "" {
		cfg.Model = l.Backend.DefaultModel()
	}

	for {
		accumulated := ""
		var nativeCalls []backend.ToolCall
		stopReason := ""
		var usage *backend.Usage
		model := cfg.Model
		hadError := false
		var errMessage, errCode string

		stream, err := l.Backend.StreamChat(ctx, *messages, cfg)
		if err != nil {
			hadError = true
			errMessage, errCode = err.Error(), "backend_error"
		} else {
			for evt := range stream {
				switch evt.Type {
				case backend.EventDelta:
					if evt.Text == "" {
						continue
					}
					accumulated += evt.Text
					if l.Backend.SupportsNativeTools() || !xmltool.HasPartialToolCall(accumulated) {
						sink.Emit(ctx, events.NewTextMessageContent(evt.Text))
					}

				case backend.EventToolCall:
					tc := *evt.ToolCall
					if tc.ID == "" {
						tc.ID = "native_" + uuid.NewString()[:8]
					}
					nativeCalls = append(nativeCalls, tc)

				case backend.EventDone:
					stopReason = evt.StopReason
					usage = evt.Usage
					if evt.Model != "" {
						model = evt.Model
					}

				case backend.EventError:
					hadError = true
					errMessage, errCode = evt.ErrMessage, evt.ErrCode
					sink.Emit(ctx, events.NewRunError(runID, errMessage, errCode))
				}
			}
		}

		if hadError {
			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFailures {
				sink.Emit(ctx, events.NewRunFinished(runID, "max_failures", usageMap(usage), model))
				return
			}
			if errMessage != "" {
				sink.Emit(ctx, events.NewRunError(runID, errMessage, errCode))
			}
			continue
		}
		consecutiveFailures = 0

		cleanText := accumulated
		var xmlCalls []backend.ToolCall
		if !l.Backend.SupportsNativeTools() && accumulated != "" {
			cleanText, xmlCalls = xmltool.ExtractToolCalls(accumulated, l.Backend.Name())
		}

		allCalls := append(nativeCalls, xmlCalls...)

		if len(allCalls) == 0 {
			if cleanText != "" {
				*messages = append(*messages, backend.Message{Role: backend.RoleAssistant, Content: cleanText})
			}
			if stopReason == "" {
				stopReason = "end_turn"
			}
			sink.Emit(ctx, events.NewRunFinished(runID, stopReason, usageMap(usage), model))
			return
		}

		toolCallCount += len(allCalls)
		if l.MaxToolCalls > 0 && toolCallCount > l.MaxToolCalls {
			sink.Emit(ctx, events.NewRunError(runID, fmt.Sprintf("tool call limit exceeded (%d)", l.MaxToolCalls), "tool_limit_exceeded"))
			*messages = append(*messages, backend.Message{
				Role:    backend.RoleAssistant,
				Content: fmt.Sprintf("I've reached the maximum number of tool calls (%d). Let me summarize what I found so far.", l.MaxToolCalls),
			})
			sink.Emit(ctx, events.NewRunFinished(runID, "tool_limit", usageMap(usage), model))
			return
		}

		*messages = append(*messages, backend.Message{
			Role:      backend.RoleAssistant,
			Content:   cleanText,
			ToolCalls: allCalls,
		})

		for _, tc := range allCalls {
			sink.Emit(ctx, events.NewToolCallStart(tc.ID, tc.Name))
			sink.Emit(ctx, events.NewToolCallArgs(tc.ID, tc.Arguments))

			result, execErr := l.ToolExecutor(ctx, tc.Name, tc.Arguments)
			result.ID = tc.ID
			result.Name = tc.Name
			if execErr != nil {
				result.OK = false
				result.Error = &backend.ToolResultError{Code: "tool_execution_error", Message: execErr.Error()}
			}

			interrupt, pending := pendingInterrupt(result)
			if pending && !l.CanInterrupt {
				pending = false
				result.OK = false
				result.Content = nil
				result.Error = &backend.ToolResultError{
					Code:    "interrupt_authorization",
					Message: "worker agents may not create an interrupt",
				}
			}

			if result.OK {
				sink.Emit(ctx, events.NewToolCallEnd(tc.ID, tc.Name, true, result.Content, nil))
			} else {
				var errInfo map[string]any
				if result.Error != nil {
					errInfo = map[string]any{"code": result.Error.Code, "message": result.Error.Message}
				}
				sink.Emit(ctx, events.NewToolCallEnd(tc.ID, tc.Name, false, nil, errInfo))
			}

			if pending {
				sink.Emit(ctx, events.NewClarificationRequest(
					interrupt.id, interrupt.question, interrupt.options, interrupt.inputType, interrupt.reason, interrupt.context,
				))
				sink.Emit(ctx, events.NewRunFinished(runID, "interrupt", usageMap(usage), model))
				return
			}

			if result.Error != nil && result.Error.Code == "interrupt_authorization" {
				sink.Emit(ctx, events.NewRunError(runID, result.Error.Message, result.Error.Code))
				sink.Emit(ctx, events.NewRunFinished(runID, "error", usageMap(usage), model))
				return
			}

			*messages = append(*messages, backend.Message{
				Role:       backend.RoleTool,
				Content:    toolResultContent(result),
				Name:       tc.Name,
				ToolCallID: tc.ID,
			})
		}
	}
}

type pendingClarification struct {
	id        string
	question  string
	options   []string
	inputType string
	reason    string
	context   map[string]any
}

// pendingInterrupt inspects a tool result for the human-in-the-loop
// convention: a successful result whose content is an object carrying
// pending=true signals that execution must pause for a clarification.
func pendingInterrupt(result backend.ToolResult) (pendingClarification, bool) {
	if !result.OK {
		return pendingClarification{}, false
	}
	content, ok := result.Content.(map[string]any)
	if !ok {
		return pendingClarification{}, false
	}
	pending, _ := content["pending"].(bool)
	if !pending {
		return pendingClarification{}, false
	}

	out := pendingClarification{
		id:        stringOr(content["prompt_id"], result.ID),
		question:  stringOr(content["question"], "Clarification needed"),
		inputType: stringOr(content["input_type"], "text"),
		reason:    stringOr(content["reason"], ""),
	}
	if rawOpts, ok := content["options"].([]any); ok {
		for _, o := range rawOpts {
			if s, ok := o.(string); ok {
				out.options = append(out.options, s)
			}
		}
	}
	if ctxMap, ok := content["context"].(map[string]any); ok {
		out.context = ctxMap
	}
	return out, true
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func toolResultContent(result backend.ToolResult) string {
	if s, ok := result.Content.(string); ok {
		return s
	}
	if result.Error != nil {
		return result.Error.Message
	}
	encoded, err := json.Marshal(result.Content)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func usageMap(u *backend.Usage) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens}
}
