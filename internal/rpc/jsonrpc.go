package rpc

import "encoding/json"

// JSON-RPC 2.0 framing for the WebSocket transport.

const jsonrpcVersion = "2.0"

// Error codes per the JSON-RPC 2.0 spec, plus the implementation-defined
// server error used for internal failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// request is an incoming JSON-RPC call.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is an outgoing JSON-RPC reply.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// notification is a server-initiated push (no id, no reply expected).
type notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcError is the error member of a failed response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id json.RawMessage, code int, message string) response {
	return response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}

func resultResponse(id json.RawMessage, result interface{}) response {
	return response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  result,
	}
}
