package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/backend"
)

const (
	handshakeTimeout = 30 * time.Second
	listTimeout      = 30 * time.Second
	callToolTimeout  = 20 * time.Second
	healthTimeout    = 5 * time.Second
	toolCacheTTL     = 30 * time.Second
)

// Client is an HTTP-transport MCP client for a single server.
type Client struct {
	baseURL string
	http    *http.Client
	info    clientInfo

	mu          sync.Mutex
	serverInfo  serverInfo
	initialized bool

	toolsMu    sync.RWMutex
	tools      []Tool
	toolsAt    time.Time
}

// NewClient constructs a Client pointed at an MCP server's HTTP endpoint.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		info:    clientInfo{Name: "agentgateway", Version: "1"},
	}
}

// Connect performs the initialize handshake. It is idempotent: calling it
// again after a successful handshake is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	params, err := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      c.info,
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return err
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var initResult initializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("mcpclient: decode initialize result: %w", err)
	}

	if _, err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// ListTools returns the server's tool catalog, serving a cached copy when
// it is younger than 30s unless forceRefresh is set.
func (c *Client) ListTools(ctx context.Context, forceRefresh bool) ([]Tool, error) {
	if !forceRefresh {
		c.toolsMu.RLock()
		fresh := time.Since(c.toolsAt) < toolCacheTTL
		cached := c.tools
		c.toolsMu.RUnlock()
		if fresh {
			return cached, nil
		}
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var listResult listToolsResult
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, fmt.Errorf("mcpclient: decode tools/list result: %w", err)
	}

	c.toolsMu.Lock()
	c.tools = listResult.Tools
	c.toolsAt = time.Now()
	c.toolsMu.Unlock()
	return listResult.Tools, nil
}

// ListResources lists the server's resources. Unlike tools, resources are
// not cached: they are expected to change more often and are used far
// less frequently in the hot path.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	result, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var out listResourcesResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("mcpclient: decode resources/list result: %w", err)
	}
	return out.Resources, nil
}

// ListPrompts lists the server's prompt templates.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	result, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var out listPromptsResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("mcpclient: decode prompts/list result: %w", err)
	}
	return out.Prompts, nil
}

// CallTool invokes a tool and returns a backend.ToolResult whose content
// is the concatenated text of every content block in the response. It
// never returns a transport error for a tool-level failure: MCP failures
// (IsError, JSON-RPC error, HTTP error, connection error, timeout) are all
// folded into ToolResult.Error so the tool loop can hand them back to the
// model.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (backend.ToolResult, error) {
	if err := c.Connect(ctx); err != nil {
		return toolFailure(name, fmt.Sprintf("cannot connect to MCP server: %v", err)), nil
	}

	params, err := json.Marshal(callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return toolFailure(name, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	result, err := c.call(callCtx, "tools/call", params)
	if err != nil {
		return toolFailure(name, err.Error()), nil
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return toolFailure(name, fmt.Sprintf("decode tools/call result: %v", err)), nil
	}

	var text strings.Builder
	for _, block := range callResult.Content {
		if block.Text != "" {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		}
	}

	if callResult.IsError {
		return toolFailure(name, text.String()), nil
	}
	return backend.ToolResult{Name: name, OK: true, Content: text.String()}, nil
}

func toolFailure(name, message string) backend.ToolResult {
	return backend.ToolResult{
		Name: name,
		OK:   false,
		Error: &backend.ToolResultError{
			Code:    "mcp_tool_error",
			Message: message,
		},
	}
}

// HealthCheck performs a bounded liveness probe against the server.
func (c *Client) HealthCheck(ctx context.Context) backend.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return backend.Health{OK: false, Detail: err.Error()}
	}
	return backend.Health{OK: true}
}

// call issues a JSON-RPC request and returns its result field, mapping
// every failure mode (connection, non-2xx, timeout, JSON-RPC error) to a
// single error type the caller can present uniformly.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mcp request timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("cannot connect to MCP server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return nil, fmt.Errorf("MCP server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode MCP response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// notify issues a JSON-RPC notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	payload := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to MCP server: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil, nil
}
