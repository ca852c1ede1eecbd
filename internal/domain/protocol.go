package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const JSONRPCVersion = "2.0"

// MCP method names spoken by the host.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"

	NotificationInitialized  = "notifications/initialized"
	NotificationLogMessage   = "notifications/message"
	NotificationProgress     = "notifications/progress"
	NotificationToolsChanged = "notifications/tools/list_changed"
)

// Message is one newline-delimited JSON-RPC 2.0 document. A request has
// Method and ID, a notification has Method and no ID, a response has ID
// and exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// RequestID encodes a host-assigned numeric request id for the wire.
func RequestID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// ParseRequestID recovers a host-assigned id from an inbound message.
// Servers must echo ids verbatim, but a quoted number is tolerated.
func ParseRequestID(raw json.RawMessage) (int64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false
		}
		trimmed = []byte(s)
	}
	n, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RPCError is a server-returned JSON-RPC error object, surfaced to
// callers verbatim.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Initialization handshake payloads. Fields beyond what the host
// inspects are passed through opaquely.

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ClientCapabilities struct{}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

type ServerCapabilities struct {
	Tools   *ToolsCapability   `json:"tools,omitempty"`
	Logging *LoggingCapability `json:"logging,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type LogMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken,omitempty"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}
