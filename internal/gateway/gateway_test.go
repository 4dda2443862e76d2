package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgateway/gateway/internal/agents"
	"github.com/agentgateway/gateway/internal/backend"
	"github.com/agentgateway/gateway/internal/config"
	"github.com/agentgateway/gateway/internal/contextpacks"
	"github.com/agentgateway/gateway/internal/gateway"
	"github.com/agentgateway/gateway/internal/interrupts"
	"github.com/agentgateway/gateway/internal/registry"
	"github.com/agentgateway/gateway/internal/toolloop"
)

// fakeBackend is a minimal backend.Backend for exercising the HTTP
// surface without a real provider.
type fakeBackend struct {
	name string
}

func (f *fakeBackend) Name() string                 { return f.name }
func (f *fakeBackend) SupportsNativeTools() bool     { return true }
func (f *fakeBackend) DefaultModel() string          { return "fake-model" }
func (f *fakeBackend) Health(context.Context) backend.Health { return backend.Health{OK: true} }

func (f *fakeBackend) StreamChat(ctx context.Context, messages []backend.Message, cfg backend.Config) (<-chan backend.StreamEvent, error) {
	ch := make(chan backend.StreamEvent, 4)
	go func() {
		defer close(ch)
		ch <- backend.StreamEvent{Type: backend.EventDelta, Text: "hello"}
		ch <- backend.StreamEvent{Type: backend.EventDone, StopReason: "end_turn", Model: f.name}
	}()
	return ch, nil
}

type testHarness struct {
	server       *httptest.Server
	contextPacks *contextpacks.Store
	interrupts   *interrupts.Store
	agentsReg    *agents.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	backends := registry.New()
	backends.Register(&fakeBackend{name: "fake"}, 0)

	agentsReg := agents.New(time.Second, nil)
	interruptStore := interrupts.NewStore("")
	packs := contextpacks.NewStore("")

	srv := gateway.New(gateway.Deps{
		Config: &config.Config{
			Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
			Limits: config.LimitsConfig{DefaultMaxToolCalls: 5},
		},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Backends:     backends,
		Agents:       agentsReg,
		Interrupts:   interruptStore,
		ContextPacks: packs,
		WorkerLimits: toolloop.NewWorkerLimits(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHarness{server: ts, contextPacks: packs, interrupts: interruptStore, agentsReg: agentsReg}
}

func sseFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || chunk == "data: [DONE]" {
			continue
		}
		data := strings.TrimPrefix(chunk, "data: ")
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		out = append(out, frame)
	}
	return out
}

func TestChatStream_DirectMode_StreamsVerbatimAndTerminatesWithDone(t *testing.T) {
	h := newHarness(t)

	reqBody := `{"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(h.server.URL+"/v2/chat/stream?direct=true", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))

	frames := sseFrames(t, string(body))
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "RUN_STARTED", frames[0]["type"])
	assert.Equal(t, "RUN_FINISHED", frames[len(frames)-1]["type"])
}

func TestChatStream_OrchestratedMode_NoToolsEndsTurn(t *testing.T) {
	h := newHarness(t)

	reqBody := `{"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(h.server.URL+"/v2/chat/stream", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := sseFrames(t, string(body))
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "RUN_FINISHED", last["type"])
	assert.Equal(t, "end_turn", last["stop_reason"])
}

func TestChatStream_InvalidRoleHeaderRejected(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v2/chat/stream", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Role", "bogus")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStream_WorkerMissingRunIDRejected(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v2/chat/stream", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Role", "worker")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStream_WorkerMalformedRunIDRejected(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v2/chat/stream", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Role", "worker")
	req.Header.Set("X-Agent-Run-Id", "not-a-valid-run-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStream_WorkerMissingContextPackReturns404(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v2/chat/stream", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Role", "worker")
	req.Header.Set("X-Agent-Run-Id", "20260730_101112_deadbeef")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStream_WorkerWithPersistedContextPackResumes(t *testing.T) {
	h := newHarness(t)
	runID := "20260730_101112_deadbeef"
	require.NoError(t, h.contextPacks.Put(runID, "thread-1", []backend.Message{
		{Role: backend.RoleUser, Content: "earlier turn"},
	}))

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v2/chat/stream", strings.NewReader(`{"messages":[{"role":"user","content":"continue"}]}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-Role", "worker")
	req.Header.Set("X-Agent-Run-Id", runID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := sseFrames(t, string(body))
	require.NotEmpty(t, frames)
	assert.Equal(t, "RUN_FINISHED", frames[len(frames)-1]["type"])
}

func TestChatClarify_UnknownInterruptReturns404(t *testing.T) {
	h := newHarness(t)

	reqBody := `{"thread_id":"thread-1","interrupt_id":"missing","answer":"yes"}`
	resp, err := http.Post(h.server.URL+"/v2/chat/clarify", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatClarify_ResolvesKnownInterrupt(t *testing.T) {
	h := newHarness(t)
	req, err := h.interrupts.CreateInterrupt("thread-1", "run-1", "agent-1", "leader", interrupts.ReasonClarification, interrupts.Payload{Question: "which env?"})
	require.NoError(t, err)

	body := `{"thread_id":"thread-1","interrupt_id":"` + req.InterruptID + `","answer":"staging"}`
	resp, err := http.Post(h.server.URL+"/v2/chat/clarify", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatInterrupts_ReturnsPendingForThread(t *testing.T) {
	h := newHarness(t)
	_, err := h.interrupts.CreateInterrupt("thread-9", "run-1", "agent-1", "leader", interrupts.ReasonPlanReview, interrupts.Payload{Question: "approve?"})
	require.NoError(t, err)

	resp, err := http.Get(h.server.URL + "/v2/chat/interrupts/thread-9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Interrupts []map[string]any `json:"interrupts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Interrupts, 1)
}

func TestAgentRegisterListGetDeregister(t *testing.T) {
	h := newHarness(t)

	registerResp, err := http.Post(h.server.URL+"/v1/agents/register", "application/json",
		bytes.NewReader([]byte(`{"model_name":"claude","role":"leader"}`)))
	require.NoError(t, err)
	defer registerResp.Body.Close()
	require.Equal(t, http.StatusOK, registerResp.StatusCode)

	var registered struct {
		Agent struct {
			AgentID string `json:"agent_id"`
		} `json:"agent"`
	}
	require.NoError(t, json.NewDecoder(registerResp.Body).Decode(&registered))
	require.NotEmpty(t, registered.Agent.AgentID)

	getResp, err := http.Get(h.server.URL + "/v1/agents/" + registered.Agent.AgentID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	listResp, err := http.Get(h.server.URL + "/v1/agents/list")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	delReq, err := http.NewRequest(http.MethodDelete, h.server.URL+"/v1/agents/"+registered.Agent.AgentID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	missingResp, err := http.Get(h.server.URL + "/v1/agents/" + registered.Agent.AgentID)
	require.NoError(t, err)
	defer missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestAgentLeader_NoneRegisteredReturns404(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/v1/agents/leader")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentHeartbeat_UnknownAgentReturns404(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.server.URL+"/v1/agents/heartbeat", "application/json",
		strings.NewReader(`{"agent_id":"does-not-exist"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendsList_ReturnsRegisteredChain(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/api/backends")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Chain []string `json:"chain"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Chain, "fake")
}

func TestWorkerToolLimit_SetAndGet(t *testing.T) {
	h := newHarness(t)

	putReq, err := http.NewRequest(http.MethodPut, h.server.URL+"/v1/workers/worker-1/tool-limit",
		strings.NewReader(`{"max_tool_calls":5}`))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	assert.Equal(t, http.StatusOK, putResp.StatusCode)

	getResp, err := http.Get(h.server.URL + "/v1/workers/worker-1/tool-limit")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var limit struct {
		MaxToolCalls int `json:"MaxToolCalls"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&limit))
	assert.Equal(t, 5, limit.MaxToolCalls)
}

func TestAgentSetTimeout_UpdatesRegistryFlooredAt100ms(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPut, h.server.URL+"/v1/agents/timeout",
		strings.NewReader(`{"heartbeat_timeout_seconds":0.001}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 100*time.Millisecond, out.HeartbeatTimeout)

	stats := h.agentsReg.Stats()
	assert.Equal(t, 100*time.Millisecond, stats.HeartbeatTimeout)
}

func TestHealthz_ReportsOK(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
