package rpc

import (
	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HostParam is used by relay_connect and relay_disconnect.
type HostParam struct {
	Host string `json:"host"`
}

// TransactionsParam is used by relay_transactions. Limit 0 returns every
// record the pipeline still remembers.
type TransactionsParam struct {
	Limit int    `json:"limit,omitempty"`
	State string `json:"state,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// ConnectResult is returned by relay_connect and relay_disconnect.
type ConnectResult struct {
	Host   string `json:"host"`
	Result string `json:"result"`
}

// ConnectionsResult is returned by relay_connections.
type ConnectionsResult struct {
	Count       int            `json:"count"`
	Connections []p2p.ConnInfo `json:"connections"`
}

// TransactionsResult is returned by relay_transactions.
type TransactionsResult struct {
	Count        int              `json:"count"`
	Transactions []txrelay.Record `json:"transactions"`
}
