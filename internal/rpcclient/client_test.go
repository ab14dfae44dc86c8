package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "echo":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": req.Params, "id": req.ID})
		case "slow":
			time.Sleep(200 * time.Millisecond)
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": nil, "id": req.ID})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": -32601, "message": "method not found"},
				"id":      req.ID,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCall_Result(t *testing.T) {
	c := New(newEchoServer(t).URL)

	var got map[string]string
	if err := c.Call("echo", map[string]string{"host": "10.0.0.1:8899"}, &got); err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got["host"] != "10.0.0.1:8899" {
		t.Errorf("result = %v", got)
	}
}

func TestCall_RPCError(t *testing.T) {
	c := New(newEchoServer(t).URL)

	err := c.Call("nope", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Code = %d, want -32601", rpcErr.Code)
	}
}

func TestCallContext_Cancelled(t *testing.T) {
	c := New(newEchoServer(t).URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.CallContext(ctx, "slow", nil, nil); err == nil {
		t.Error("CallContext() should fail when the context expires")
	}
}

func TestCall_Unreachable(t *testing.T) {
	c := NewWithTimeout("http://127.0.0.1:1", time.Second)
	if err := c.Call("echo", nil, nil); err == nil {
		t.Error("Call() to closed port should fail")
	}
}
