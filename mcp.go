package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close all the Session it produce, the caller would already do that when callling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession opens the stream channel to the server and returns once the session is able
	// to submit messages. Operations are canceled when the context is canceled, and appropriate
	// errors are returned for connection or protocol failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents one connection between server and client. Messages sent by one side
// arrive, in order, through the other side's Messages iterator.
//
// On the server, Send pushes onto the stream channel and Messages yields what the client
// submitted. On the client it is the other way around: Send submits, Messages reads the stream.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party. Failures of the underlying channel are
	// reported as *TransportError.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// A payload that fails to decode is yielded as a *DecodeError with a zero message, the
	// iteration goes on after it. The implementations should exit the iteration if the
	// session is closed or the connection is lost.
	Messages() iter.Seq2[JSONRPCMessage, error]

	// Stop stops the session. It is safe to call more than once and from any goroutine,
	// including the one ranging over Messages.
	Stop()
}

// ToolListWatcher is notified when the server announces that its tool list changed.
// Clients can then refresh their cached tool lists by calling ListTools again.
type ToolListWatcher interface {
	OnToolListChanged()
}
