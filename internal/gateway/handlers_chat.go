package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/backend"
	"github.com/agentgateway/gateway/internal/contextpacks"
	"github.com/agentgateway/gateway/internal/events"
	"github.com/agentgateway/gateway/internal/gatewayerr"
	"github.com/agentgateway/gateway/internal/interrupts"
	"github.com/agentgateway/gateway/internal/mcpclient"
	"github.com/agentgateway/gateway/internal/toolloop"
	"github.com/agentgateway/gateway/internal/toolmsg"
)

type chatStreamRequest struct {
	ThreadID         string               `json:"thread_id,omitempty"`
	Messages         []backend.Message    `json:"messages"`
	Model            string               `json:"model,omitempty"`
	Temperature      float64              `json:"temperature,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	Tools            []backend.ToolSchema `json:"tools,omitempty"`
	Backend          string               `json:"backend,omitempty"`
	Extra            map[string]any       `json:"extra,omitempty"`
	MaxToolCalls     int                  `json:"max_tool_calls,omitempty"`
	SpawnWorkerRunID string               `json:"spawn_worker_run_id,omitempty"`
}

func newRunID() string {
	ts := time.Now().UTC().Format("20060102_150405")
	return ts + "_" + uuid.NewString()[:8]
}

// handleChatStream is the core of the HTTP surface: it validates the
// role/run-id contract, resolves (or loads) the conversation context,
// and drives the tool loop with events streamed back over SSE.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	role := r.Header.Get("X-Agent-Role")
	if role == "" {
		role = "leader"
	}
	if role != "leader" && role != "worker" {
		writeError(w, http.StatusBadRequest, `X-Agent-Role must be "leader" or "worker"`)
		return
	}
	workerID := r.Header.Get("X-Worker-Id")

	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runID := r.Header.Get("X-Agent-Run-Id")
	threadID := req.ThreadID
	messages := req.Messages

	if role == "worker" {
		if runID == "" || !contextpacks.RunIDPattern.MatchString(runID) {
			writeGatewayErr(w, gatewayerr.New(gatewayerr.KindInvalidRunID, "worker run id %q is missing or malformed", runID))
			return
		}
		pack, ok := s.contextPacks.Get(runID)
		if !ok {
			writeGatewayErr(w, gatewayerr.New(gatewayerr.KindMissingContextPack, "no context pack persisted for run id %q", runID))
			return
		}
		messages = append(append([]backend.Message{}, pack.Messages...), messages...)
		if threadID == "" {
			threadID = pack.ParentThreadID
		}
	} else if runID == "" {
		runID = newRunID()
	}
	if threadID == "" {
		threadID = runID
	}

	be, err := s.resolveBackend(r.Context(), req.Backend)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.WriteHeader(http.StatusOK)

	if r.URL.Query().Get("direct") == "true" {
		s.streamDirect(r, w, flusher, be, runID, messages, req)
		return
	}

	s.streamOrchestrated(r, w, flusher, be, runID, threadID, role, workerID, messages, req)
}

func (s *Server) resolveBackend(ctx context.Context, name string) (backend.Backend, error) {
	if name != "" {
		return s.backends.GetBackend(name)
	}
	return s.backends.GetHealthyBackend(ctx)
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	frame, err := events.ToSSE(e)
	if err != nil {
		return
	}
	_, _ = w.Write(frame)
	f.Flush()
}

func writeDone(w http.ResponseWriter, f http.Flusher) {
	_, _ = w.Write([]byte(events.DoneFrame))
	f.Flush()
}

// streamDirect bypasses the tool loop entirely: one backend turn, no tool
// execution, matching the "direct=true short-circuits all orchestration"
// contract.
func (s *Server) streamDirect(r *http.Request, w http.ResponseWriter, f http.Flusher, be backend.Backend, runID string, messages []backend.Message, req chatStreamRequest) {
	defer writeDone(w, f)

	cfg := backend.Config{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens, Tools: req.Tools, Extra: req.Extra}
	if cfg.Model == "" {
		cfg.Model = be.DefaultModel()
	}

	writeSSE(w, f, events.NewRunStarted(runID))

	stream, err := be.StreamChat(r.Context(), messages, cfg)
	if err != nil {
		writeSSE(w, f, events.NewRunError(runID, err.Error(), string(gatewayerr.ClassifyBackendError(err))))
		writeSSE(w, f, events.NewRunFinished(runID, "error", nil, cfg.Model))
		return
	}

	model := cfg.Model
	stopReason := ""
	var usage *backend.Usage
	for evt := range stream {
		switch evt.Type {
		case backend.EventDelta:
			if evt.Text != "" {
				writeSSE(w, f, events.NewTextMessageContent(evt.Text))
			}
		case backend.EventToolCall:
			if evt.ToolCall != nil {
				writeSSE(w, f, events.NewToolCallStart(evt.ToolCall.ID, evt.ToolCall.Name))
				writeSSE(w, f, events.NewToolCallArgs(evt.ToolCall.ID, evt.ToolCall.Arguments))
			}
		case backend.EventDone:
			stopReason = evt.StopReason
			usage = evt.Usage
			if evt.Model != "" {
				model = evt.Model
			}
		case backend.EventError:
			writeSSE(w, f, events.NewRunError(runID, evt.ErrMessage, evt.ErrCode))
		}
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	writeSSE(w, f, events.NewRunFinished(runID, stopReason, usageToMap(usage), model))
}

func usageToMap(u *backend.Usage) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens}
}

// streamOrchestrated drives the full tool loop: tool discovery via MCP,
// per-worker tool-call budget resolution, and human-in-the-loop interrupt
// persistence when the loop pauses for a clarification.
func (s *Server) streamOrchestrated(r *http.Request, w http.ResponseWriter, f http.Flusher, be backend.Backend, runID, threadID, role, workerID string, messages []backend.Message, req chatStreamRequest) {
	defer writeDone(w, f)

	tools := req.Tools
	if len(tools) == 0 && s.mcp != nil {
		if discovered, err := s.mcp.ListTools(r.Context(), false); err == nil {
			tools = convertMCPTools(discovered)
		}
	}

	maxToolCalls := req.MaxToolCalls
	if maxToolCalls == 0 && workerID != "" {
		if limit, ok := s.workerLimits.Get(workerID); ok {
			maxToolCalls = limit.MaxToolCalls
		}
	}
	if maxToolCalls == 0 && s.cfg != nil {
		maxToolCalls = s.cfg.Limits.DefaultMaxToolCalls
	}

	loop := toolloop.NewLoop(be, s.buildToolExecutor(tools), tools, maxToolCalls, workerID)
	loop.ModelOverride = req.Model
	loop.Temperature = req.Temperature
	loop.MaxTokens = req.MaxTokens
	// Only a leader may pause a run for a clarification; a worker's pending
	// tool result is rejected synchronously (ok=false) inside the loop
	// itself, before any event reaches this sink.
	loop.CanInterrupt = role == "leader"

	agentID := workerID
	if agentID == "" {
		agentID = role
	}

	// persistInterrupt can still fail for a leader run (e.g. a store write
	// error); interruptBlocked rewrites the run's terminal event in that
	// case. Authorization rejection itself never reaches here any more —
	// the loop already turned it into an ok=false tool result for workers.
	interruptBlocked := false

	sink := events.CallbackSink{Fn: func(e events.Event) {
		if e.Type == events.Custom && e.Data["name"] == "clarification_request" {
			if err := s.persistInterrupt(threadID, runID, agentID, role, e); err != nil {
				interruptBlocked = true
				ge, _ := gatewayerr.As(err)
				code, msg := "interrupt_authorization", err.Error()
				if ge != nil {
					code, msg = string(ge.Kind), ge.Message
				}
				writeSSE(w, f, events.NewRunError(runID, msg, code))
				return
			}
		}
		if interruptBlocked && e.Type == events.RunFinished {
			model, _ := e.Data["model"].(string)
			writeSSE(w, f, events.NewRunFinished(runID, "error", nil, model))
			return
		}
		writeSSE(w, f, e)
	}}

	loop.Run(r.Context(), runID, &messages, sink)

	if role == "leader" && req.SpawnWorkerRunID != "" {
		_ = s.contextPacks.Put(req.SpawnWorkerRunID, threadID, messages)
	}
}

func (s *Server) persistInterrupt(threadID, runID, agentID, role string, e events.Event) error {
	question, _ := e.Data["question"].(string)
	inputType, _ := e.Data["input_type"].(string)
	reasonStr, _ := e.Data["reason"].(string)
	var opts []string
	if rawOpts, ok := e.Data["options"].([]string); ok {
		opts = rawOpts
	}
	var ctxData map[string]any
	if cm, ok := e.Data["context"].(map[string]any); ok {
		ctxData = cm
	}

	reason := interrupts.Reason(reasonStr)
	if reason == "" {
		reason = interrupts.ReasonClarification
	}

	_, err := s.interrupts.CreateInterrupt(threadID, runID, agentID, role, reason, interrupts.Payload{
		Question:  question,
		Options:   opts,
		InputType: inputType,
		Context:   ctxData,
	})
	return err
}

func convertMCPTools(tools []mcpclient.Tool) []backend.ToolSchema {
	out := make([]backend.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, backend.ToolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// buildToolExecutor validates arguments against a tool's declared schema
// before dispatching to MCP, so a malformed call never reaches the tool
// server.
func (s *Server) buildToolExecutor(tools []backend.ToolSchema) toolloop.ToolExecutor {
	byName := make(map[string]backend.ToolSchema, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return func(ctx context.Context, name string, arguments json.RawMessage) (backend.ToolResult, error) {
		if tool, ok := byName[name]; ok {
			if err := toolmsg.ValidateArguments(tool, backend.ToolCall{Name: name, Arguments: arguments}); err != nil {
				return backend.ToolResult{
					Name: name, OK: false,
					Error: &backend.ToolResultError{Code: "parse_error", Message: err.Error()},
				}, nil
			}
		}
		if s.mcp == nil {
			return backend.ToolResult{
				Name: name, OK: false,
				Error: &backend.ToolResultError{Code: "tool_execution_error", Message: "no MCP server configured"},
			}, nil
		}
		return s.mcp.CallTool(ctx, name, arguments)
	}
}

type chatClarifyRequest struct {
	ThreadID      string         `json:"thread_id"`
	InterruptID   string         `json:"interrupt_id"`
	Answer        any            `json:"answer"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

func (s *Server) handleChatClarify(w http.ResponseWriter, r *http.Request) {
	var req chatClarifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resolution, ok := s.interrupts.ResolveInterrupt(req.ThreadID, req.InterruptID, req.Answer, req.Modifications)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("interrupt %q not found for thread %q", req.InterruptID, req.ThreadID))
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) handleChatInterrupts(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	writeJSON(w, http.StatusOK, map[string]any{"interrupts": s.interrupts.GetPending(threadID)})
}
