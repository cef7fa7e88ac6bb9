package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/qri-io/jsonschema"
)

// RequestID identifies a request. It holds a string or a json.Number, the two id forms JSON-RPC
// allows, and is echoed back in exactly the form it arrived in. A string "1" and a number 1 are
// different ids. A nil RequestID means the message carries no id.
type RequestID any

// NumberID returns a numeric request id.
func NumberID(n uint64) RequestID {
	return json.Number(strconv.FormatUint(n, 10))
}

// JSONRPCMessage is the envelope every frame travels in. Which fields are set decides the kind:
//   - request: ID and Method, Params optional
//   - response: ID and Result
//   - error: ID and Error
//   - notification: Method without ID
//
// Kind reports the kind, EncodeMessage and DecodeMessage enforce that exactly one applies.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"` // always JSONRPCVersion
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error object of an error envelope. Code is one of the Code constants,
// Data carries optional details such as the supported protocol versions.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities. The protocol core defines no client
// features of its own, so only experimental entries are carried.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ListToolsResult represents the list of tools returned by ListTools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams names the tool to run. Arguments are validated against the tool's InputSchema
// before its handler sees them.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Content represents a message content block with its type. Results may carry several
// blocks, in order.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// InitializeParams is sent by the client to open the handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to InitializeParams.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// ContentType represents the type of content in messages.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP protocol revision this package speaks by default.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the keep-alive request either party may send.
	MethodPing = "ping"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodNotificationsInitialized confirms the handshake from the client side.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled asks the other side to abandon an in-flight request.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsToolsListChanged tells the client to refresh its tool list.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"

	userCancelledReason = "User requested cancellation"
)

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("rpc error %d: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("rpc error %d: %s %v", j.Code, j.Message, j.Data)
}
