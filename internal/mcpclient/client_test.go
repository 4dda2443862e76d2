package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler func(method string) (json.RawMessage, *jsonRPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		result, rpcErr := handler(req.Method)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestConnect_Idempotent(t *testing.T) {
	calls := 0
	srv := newTestServer(t, func(method string) (json.RawMessage, *jsonRPCError) {
		if method == "initialize" {
			calls++
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"test","version":"1"}}`), nil
		}
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestListTools_CachesWithinTTL(t *testing.T) {
	calls := 0
	srv := newTestServer(t, func(method string) (json.RawMessage, *jsonRPCError) {
		switch method {
		case "initialize":
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"test","version":"1"}}`), nil
		case "tools/list":
			calls++
			return json.RawMessage(`{"tools":[{"name":"search","inputSchema":{}}]}`), nil
		}
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	tools, err := c.ListTools(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, tools, 1)

	tools2, err := c.ListTools(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, tools, tools2)
	assert.Equal(t, 1, calls)

	_, err = c.ListTools(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallTool_SuccessConcatenatesTextBlocks(t *testing.T) {
	srv := newTestServer(t, func(method string) (json.RawMessage, *jsonRPCError) {
		switch method {
		case "initialize":
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"test","version":"1"}}`), nil
		case "tools/call":
			return json.RawMessage(`{"content":[{"type":"text","text":"first"},{"type":"text","text":"second"}]}`), nil
		}
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.CallTool(context.Background(), "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "first\nsecond", result.Content)
}

func TestCallTool_JSONRPCErrorBecomesToolError(t *testing.T) {
	srv := newTestServer(t, func(method string) (json.RawMessage, *jsonRPCError) {
		switch method {
		case "initialize":
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"test","version":"1"}}`), nil
		case "tools/call":
			return nil, &jsonRPCError{Code: -32000, Message: "tool crashed"}
		}
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.CallTool(context.Background(), "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "tool crashed")
}

func TestCallTool_ConnectionErrorBecomesToolError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	result, err := c.CallTool(context.Background(), "search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
}
