// Package mcp provides JSON-RPC message helpers for the raw MCP proxy
// listener: decode, wrap with flow metadata, and inspect method/params.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a message flows through the proxy.
type Direction int

const (
	// ClientToServer is a message from an MCP client toward an upstream.
	ClientToServer Direction = iota
	// ServerToClient is a message from an upstream back to the client.
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with proxy metadata. The raw
// bytes are kept alongside the decoded form so unmodified messages pass
// through verbatim.
type Message struct {
	// Raw is the original wire bytes.
	Raw []byte

	// Direction records the flow direction.
	Direction Direction

	// Decoded is the parsed message: *jsonrpc.Request or
	// *jsonrpc.Response. Nil when parsing failed but passthrough is
	// still wanted.
	Decoded jsonrpc.Message

	// Timestamp is when the proxy received the message.
	Timestamp time.Time

	// ParsedParams caches the request params after ParseParams.
	ParsedParams map[string]any
}

// IsRequest reports whether the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse reports whether the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the request method, or "" for responses.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall reports whether this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// Request returns the underlying request, or nil.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying response, or nil.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses and caches the request params. Returns nil for
// responses and unparseable params.
func (m *Message) ParseParams() map[string]any {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}

// ToolName returns params.name for a tools/call request, or "".
func (m *Message) ToolName() string {
	if !m.IsToolCall() {
		return ""
	}
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// RawID extracts the request ID straight from the raw bytes, preserving
// its original JSON form (number, string or null).
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
