// Package gateway implements the HTTP surface: the streaming chat
// endpoint that drives the tool loop, the agent registry and interrupt
// REST wrappers, and the backend/MCP inspection endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgateway/gateway/internal/agents"
	"github.com/agentgateway/gateway/internal/config"
	"github.com/agentgateway/gateway/internal/contextpacks"
	"github.com/agentgateway/gateway/internal/interrupts"
	"github.com/agentgateway/gateway/internal/mcpclient"
	"github.com/agentgateway/gateway/internal/registry"
	"github.com/agentgateway/gateway/internal/toolloop"
)

// Server wires every component of the gateway behind the HTTP surface of
// §4.J. None of its dependencies are package-level globals; everything a
// handler needs is a field here, constructed once at startup.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	backends     *registry.Registry
	agentReg     *agents.Registry
	interrupts   *interrupts.Store
	contextPacks *contextpacks.Store
	mcp          *mcpclient.Client
	workerLimits *toolloop.WorkerLimits
	tracer       trace.Tracer

	httpServer   *http.Server
	httpListener net.Listener
}

// Deps bundles every component New needs. All fields are required except
// MCP, which may be nil if no MCP server is configured (the tool-call
// surface then always fails with a clear error instead of a nil panic).
type Deps struct {
	Config       *config.Config
	Logger       *slog.Logger
	Backends     *registry.Registry
	Agents       *agents.Registry
	Interrupts   *interrupts.Store
	ContextPacks *contextpacks.Store
	MCP          *mcpclient.Client
	WorkerLimits *toolloop.WorkerLimits
}

// New constructs a Server. It does not start listening; call ListenAndServe.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          d.Config,
		logger:       logger,
		backends:     d.Backends,
		agentReg:     d.Agents,
		interrupts:   d.Interrupts,
		contextPacks: d.ContextPacks,
		mcp:          d.MCP,
		workerLimits: d.WorkerLimits,
		tracer:       otel.Tracer("github.com/agentgateway/gateway/internal/gateway"),
	}
}

// Handler returns the fully wired HTTP handler, for use in tests via
// httptest.NewServer or for an external caller embedding the gateway in
// its own process rather than calling ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.mux()
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v2/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /v2/chat/clarify", s.handleChatClarify)
	mux.HandleFunc("GET /v2/chat/interrupts/{thread_id}", s.handleChatInterrupts)

	mux.HandleFunc("POST /v1/agents/register", s.handleAgentRegister)
	mux.HandleFunc("POST /v1/agents/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("GET /v1/agents/list", s.handleAgentList)
	mux.HandleFunc("GET /v1/agents/leader", s.handleAgentLeader)
	mux.HandleFunc("GET /v1/agents/stats", s.handleAgentStats)
	mux.HandleFunc("DELETE /v1/agents/dead", s.handleAgentPurgeDead)
	mux.HandleFunc("DELETE /v1/agents/all/purge", s.handleAgentPurgeAll)
	mux.HandleFunc("PUT /v1/agents/timeout", s.handleAgentSetTimeout)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleAgentGet)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleAgentDeregister)

	mux.HandleFunc("GET /api/backends", s.handleBackendsList)
	mux.HandleFunc("GET /api/backends/current", s.handleBackendsCurrent)
	mux.HandleFunc("POST /api/backends/invalidate", s.handleBackendsInvalidate)

	mux.HandleFunc("GET /v1/tools", s.handleToolsList)
	mux.HandleFunc("POST /v1/mcp/call", s.handleMCPCall)
	mux.HandleFunc("GET /v1/mcp/resources", s.handleMCPResources)
	mux.HandleFunc("GET /v1/mcp/prompts", s.handleMCPPrompts)

	mux.HandleFunc("PUT /v1/workers/{id}/tool-limit", s.handleWorkerLimitSet)
	mux.HandleFunc("GET /v1/workers/{id}/tool-limit", s.handleWorkerLimitGet)

	var handler http.Handler = mux
	handler = s.withRequestLog(handler)
	handler = s.withAuth(handler)
	return handler
}

// ListenAndServe binds the configured host/port and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpListener = listener

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"leader":   s.agentReg.GetLeader() != nil,
		"backends": s.backends.ListBackends(),
	})
}
