package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingnet-icp/config"
	klog "github.com/Klingon-tech/klingnet-icp/internal/log"
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/relay"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
)

// fakeRelay records admin calls.
type fakeRelay struct {
	mu        sync.Mutex
	connected map[string]bool
	records   []txrelay.Record
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{connected: make(map[string]bool)}
}

func (f *fakeRelay) Connect(addr string) (string, error) {
	host, err := p2p.ParsePeerAddress(addr)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected[host] {
		return relay.ReplyAlreadyConnected, nil
	}
	f.connected[host] = true
	return relay.ReplyAddedConnection, nil
}

func (f *fakeRelay) Disconnect(addr string) (string, error) {
	host, err := p2p.ParsePeerAddress(addr)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[host] {
		return relay.ReplyNotConnected, nil
	}
	delete(f.connected, host)
	return relay.ReplyRemovedConnection, nil
}

func (f *fakeRelay) Status() relay.Status {
	return relay.Status{NodeID: "node-1", SendPointer: 42, Relayed: 17, Head: 50, LIB: 45}
}

func (f *fakeRelay) Connections() []p2p.ConnInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []p2p.ConnInfo
	for host := range f.connected {
		out = append(out, p2p.ConnInfo{Host: host, Direction: "outbound", State: "connecting"})
	}
	return out
}

func (f *fakeRelay) Transactions() []txrelay.Record {
	return f.records
}

type testEnv struct {
	server *Server
	relay  *fakeRelay
	url    string
}

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWithConfig(t, config.RPCConfig{})
}

func setupTestEnvWithConfig(t *testing.T, rpcCfg config.RPCConfig) *testEnv {
	t.Helper()
	klog.Disable()

	fr := newFakeRelay()
	fr.records = []txrelay.Record{
		{Seq: 3, State: txrelay.StateSubmitted, Actions: []string{"addblocks"}},
		{Seq: 2, State: txrelay.StateConfirmed, Actions: []string{"addblocks"}, BlockNum: 90},
		{Seq: 1, State: txrelay.StateConfirmed, Actions: []string{"addnode"}, BlockNum: 80},
	}

	srv := New("127.0.0.1:0", fr, rpcCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server: srv,
		relay:  fr,
		url:    fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

// rpcCall sends a JSON-RPC request and decodes the result into out.
func rpcCall(t *testing.T, url, method string, params, out interface{}) *Error {
	t.Helper()
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			t.Fatalf("decode %s result: %v", method, err)
		}
	}
	return nil
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRPC_ConnectDisconnect(t *testing.T) {
	env := setupTestEnv(t)

	var res ConnectResult
	if rpcErr := rpcCall(t, env.url, "relay_connect", HostParam{Host: "peer.example.com:8899"}, &res); rpcErr != nil {
		t.Fatalf("relay_connect error: %s", rpcErr.Message)
	}
	if res.Result != relay.ReplyAddedConnection {
		t.Errorf("first connect = %q, want %q", res.Result, relay.ReplyAddedConnection)
	}

	rpcCall(t, env.url, "relay_connect", HostParam{Host: "/dns4/peer.example.com/tcp/8899"}, &res)
	if res.Result != relay.ReplyAlreadyConnected {
		t.Errorf("second connect = %q, want %q", res.Result, relay.ReplyAlreadyConnected)
	}

	var conns ConnectionsResult
	if rpcErr := rpcCall(t, env.url, "relay_connections", nil, &conns); rpcErr != nil {
		t.Fatalf("relay_connections error: %s", rpcErr.Message)
	}
	if conns.Count != 1 || conns.Connections[0].Host != "peer.example.com:8899" {
		t.Errorf("connections = %+v", conns)
	}

	rpcCall(t, env.url, "relay_disconnect", HostParam{Host: "peer.example.com:8899"}, &res)
	if res.Result != relay.ReplyRemovedConnection {
		t.Errorf("disconnect = %q, want %q", res.Result, relay.ReplyRemovedConnection)
	}
	rpcCall(t, env.url, "relay_disconnect", HostParam{Host: "peer.example.com:8899"}, &res)
	if res.Result != relay.ReplyNotConnected {
		t.Errorf("second disconnect = %q, want %q", res.Result, relay.ReplyNotConnected)
	}

	rpcCall(t, env.url, "relay_connections", nil, &conns)
	if conns.Count != 0 || conns.Connections == nil {
		t.Errorf("connections after disconnect = %+v, want empty list", conns)
	}
}

func TestRPC_ConnectInvalidParams(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		params interface{}
	}{
		{"missing params", nil},
		{"empty host", HostParam{}},
		{"bad address", HostParam{Host: "no-port"}},
		{"wrong type", map[string]int{"host": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := rpcCall(t, env.url, "relay_connect", tt.params, nil)
			if rpcErr == nil {
				t.Fatal("expected error")
			}
			if rpcErr.Code != CodeInvalidParams {
				t.Errorf("error code = %d, want %d", rpcErr.Code, CodeInvalidParams)
			}
		})
	}
}

func TestRPC_Status(t *testing.T) {
	env := setupTestEnv(t)

	var st relay.Status
	if rpcErr := rpcCall(t, env.url, "relay_status", nil, &st); rpcErr != nil {
		t.Fatalf("relay_status error: %s", rpcErr.Message)
	}
	if st.NodeID != "node-1" || st.SendPointer != 42 || st.Relayed != 17 {
		t.Errorf("status = %+v", st)
	}
}

func TestRPC_Transactions(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		params interface{}
		want   []uint64
	}{
		{"all", nil, []uint64{3, 2, 1}},
		{"limit", TransactionsParam{Limit: 2}, []uint64{3, 2}},
		{"state", TransactionsParam{State: "confirmed"}, []uint64{2, 1}},
		{"state and limit", TransactionsParam{State: "confirmed", Limit: 1}, []uint64{2}},
		{"no match", TransactionsParam{State: "rejected"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res TransactionsResult
			if rpcErr := rpcCall(t, env.url, "relay_transactions", tt.params, &res); rpcErr != nil {
				t.Fatalf("relay_transactions error: %s", rpcErr.Message)
			}
			if res.Count != len(tt.want) {
				t.Fatalf("count = %d, want %d", res.Count, len(tt.want))
			}
			for i, seq := range tt.want {
				if res.Transactions[i].Seq != seq {
					t.Errorf("transactions[%d].Seq = %d, want %d", i, res.Transactions[i].Seq, seq)
				}
			}
		})
	}

	if rpcErr := rpcCall(t, env.url, "relay_transactions", TransactionsParam{Limit: -1}, nil); rpcErr == nil {
		t.Error("expected error for negative limit")
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	rpcErr := rpcCall(t, env.url, "chain_getInfo", nil, nil)
	if rpcErr == nil {
		t.Fatal("expected error for unknown method")
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if rpcResp.Error.Code != CodeParseError {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeParseError)
	}
}

func TestRPC_WrongVersion(t *testing.T) {
	env := setupTestEnv(t)

	body := []byte(`{"jsonrpc":"1.0","method":"relay_status","id":7}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", rpcResp.Error)
	}
}

func TestRPC_BodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)

	body := bytes.Repeat([]byte(" "), maxBodySize+10)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", rpcResp.Error)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for GET request")
	}
	if rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeInvalidRequest)
	}
}

func TestRPC_Metrics(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url + "metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "icprelay_net_peers_connected") {
		t.Error("metrics output missing icprelay_net_peers_connected")
	}
}

// --- IP Filtering ---

func TestRPC_IPFilter_Allowed(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"127.0.0.1"},
	})

	if rpcErr := rpcCall(t, env.url, "relay_status", nil, nil); rpcErr != nil {
		t.Errorf("expected success for 127.0.0.1, got error: %s", rpcErr.Message)
	}
}

func TestRPC_IPFilter_Blocked(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"10.0.0.0/8"}, // Only allow 10.x.x.x.
	})

	for _, path := range []string{"", "metrics"} {
		body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "relay_status", ID: 1})
		resp, err := http.Post(env.url+path, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("/%s: expected 403, got %d", path, resp.StatusCode)
		}
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"10.0.0.0/8", "192.168.1.5", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d nets, want 3", len(nets))
	}
	if ones, bits := nets[1].Mask.Size(); ones != 32 || bits != 32 {
		t.Errorf("single IPv4 mask = /%d of %d, want /32", ones, bits)
	}
	if ones, _ := nets[2].Mask.Size(); ones != 128 {
		t.Errorf("single IPv6 mask = /%d, want /128", ones)
	}
}

// --- CORS ---

func TestRPC_CORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "http://example.com", "*"},
		{"specific match", []string{"http://myapp.com"}, "http://myapp.com", "http://myapp.com"},
		{"specific mismatch", []string{"http://myapp.com"}, "http://evil.com", ""},
		{"disabled", nil, "http://example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvWithConfig(t, config.RPCConfig{CORSOrigins: tt.origins})

			body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "relay_status", ID: 1})
			httpReq, _ := http.NewRequest("POST", env.url, bytes.NewReader(body))
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Origin", tt.origin)

			resp, err := http.DefaultClient.Do(httpReq)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("CORS origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		CORSOrigins: []string{"*"},
	})

	httpReq, _ := http.NewRequest("OPTIONS", env.url, nil)
	httpReq.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should have Allow-Methods header")
	}
}
