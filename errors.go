package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes. The reserved range comes from the JSON-RPC 2.0 specification, the
// -320xx codes are the implementation-defined server errors this package emits.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolNotFound    = -32001
	CodeSessionNotReady = -32002
	CodeToolExecution   = -32003
)

var (
	// ErrDecode reports a malformed wire message. Match it with errors.Is on a *DecodeError.
	ErrDecode = errors.New("malformed message")

	// ErrUnknownID is returned when a response arrives for an id that was never registered.
	ErrUnknownID = errors.New("unknown message id")
	// ErrDuplicateID is returned when an id is registered while a call with the same id is pending.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrSessionNotReady rejects anything but the handshake before the session is established.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrSessionClosed rejects every message once the session has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyInitialized rejects a second handshake on a session that already completed one.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrVersionMismatch closes a session whose peer speaks an unsupported protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrToolNotFound is reported for calls to a tool name the registry doesn't hold.
	ErrToolNotFound = errors.New("tool not found")
	// ErrValidation is reported when tool arguments don't satisfy the tool's input schema.
	ErrValidation = errors.New("invalid tool arguments")
	// ErrDuplicateTool is returned when registering a tool name twice.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrTimeout resolves a pending call whose deadline elapsed before a response arrived.
	ErrTimeout = errors.New("request timeout")
	// ErrCancelled resolves a pending call that was abandoned, by its caller or by session close.
	ErrCancelled = errors.New("request cancelled")

	// ErrTransport reports a failure of the underlying channel. Match it with errors.Is on a
	// *TransportError.
	ErrTransport = errors.New("transport failure")
)

// DecodeError describes why a payload could not be decoded into a JSONRPCMessage.
type DecodeError struct {
	Reason string
	Err    error
}

// TransportError wraps a failure of the stream or submission channel.
type TransportError struct {
	Op  string
	Err error
}

// ToolError is the error condition of a tool invocation. It travels to the client as a JSON-RPC
// error object with the same code, message and data.
type ToolError struct {
	Code    int
	Message string
	Data    map[string]any
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

// Is reports ErrDecode as the sentinel for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Is reports ErrTransport as the sentinel for every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error, code: %d, message: %s", e.Code, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// JSONRPC converts the tool error into its wire representation.
func (e *ToolError) JSONRPC() *JSONRPCError {
	return &JSONRPCError{
		Code:    e.Code,
		Message: e.Message,
		Data:    e.Data,
	}
}

func newDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}
