package mcp

import (
	"fmt"
	"slices"
	"sync"
)

// SessionState is the lifecycle position of a protocol session.
type SessionState int

// Session states. A session only moves forward: Uninitialized, then Ready, then Closed.
const (
	StateUninitialized SessionState = iota
	StateReady
	StateClosed
)

// SessionMachine tracks the handshake and lifecycle of one protocol session, on either side of
// the connection. It is safe for concurrent use.
type SessionMachine struct {
	mu sync.RWMutex

	state      SessionState
	negotiated bool
	closeErr   error

	supportedVersions []string
	protocolVersion   string
	peerInfo          Info

	serverCapabilities ServerCapabilities
	clientCapabilities ClientCapabilities
}

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NewSessionMachine creates an uninitialized session that accepts the given protocol versions.
// ProtocolVersion is used when none are given.
func NewSessionMachine(supportedVersions ...string) *SessionMachine {
	if len(supportedVersions) == 0 {
		supportedVersions = []string{ProtocolVersion}
	}
	return &SessionMachine{
		state:             StateUninitialized,
		supportedVersions: slices.Clone(supportedVersions),
	}
}

// State returns the current state.
func (m *SessionMachine) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ProtocolVersion returns the negotiated version, empty before the handshake.
func (m *SessionMachine) ProtocolVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.protocolVersion
}

// PeerInfo returns the identity the other side announced during the handshake.
func (m *SessionMachine) PeerInfo() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peerInfo
}

// ServerCapabilities returns the capabilities the server offered during the handshake.
func (m *SessionMachine) ServerCapabilities() ServerCapabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverCapabilities
}

// ClientCapabilities returns the capabilities the client announced during the handshake.
func (m *SessionMachine) ClientCapabilities() ClientCapabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientCapabilities
}

// Err returns the reason the session was closed, nil while it is open or when it was closed
// without a specific reason.
func (m *SessionMachine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closeErr
}

// Supports reports whether version is one of the accepted protocol versions.
func (m *SessionMachine) Supports(version string) bool {
	return slices.Contains(m.supportedVersions, version)
}

// Check gates a message travelling in either direction. Pings and the handshake itself pass
// while uninitialized, everything else needs a Ready session.
func (m *SessionMachine) Check(msg JSONRPCMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateClosed:
		return ErrSessionClosed
	case StateReady:
		return nil
	}

	switch msg.Method {
	case MethodInitialize, MethodPing:
		return nil
	case MethodNotificationsInitialized:
		if m.negotiated {
			return nil
		}
		return ErrSessionNotReady
	case "":
		// Responses are only expected to our own pings and handshake before Ready.
		return nil
	default:
		return ErrSessionNotReady
	}
}

// Negotiate is the server half of the handshake. It validates the client's requested version
// and records what both sides declared. An unsupported version closes the session with
// ErrVersionMismatch. The session stays Uninitialized until Confirm is called.
func (m *SessionMachine) Negotiate(
	params InitializeParams,
	serverCap ServerCapabilities,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateClosed:
		return "", ErrSessionClosed
	case m.state == StateReady || m.negotiated:
		return "", ErrAlreadyInitialized
	}

	if !slices.Contains(m.supportedVersions, params.ProtocolVersion) {
		m.closeLocked(fmt.Errorf("%w: client requested %q, supported %v", ErrVersionMismatch,
			params.ProtocolVersion, m.supportedVersions))
		return "", m.closeErr
	}

	m.negotiated = true
	m.protocolVersion = params.ProtocolVersion
	m.peerInfo = params.ClientInfo
	m.clientCapabilities = params.Capabilities
	m.serverCapabilities = serverCap
	return params.ProtocolVersion, nil
}

// Accept is the client half of the handshake. It validates the version the server chose and
// records the server's identity and capabilities. A version the client doesn't support closes
// the session with ErrVersionMismatch.
func (m *SessionMachine) Accept(result InitializeResult, clientCap ClientCapabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateClosed:
		return ErrSessionClosed
	case m.state == StateReady || m.negotiated:
		return ErrAlreadyInitialized
	}

	if !slices.Contains(m.supportedVersions, result.ProtocolVersion) {
		m.closeLocked(fmt.Errorf("%w: server chose %q, supported %v", ErrVersionMismatch,
			result.ProtocolVersion, m.supportedVersions))
		return m.closeErr
	}

	m.negotiated = true
	m.protocolVersion = result.ProtocolVersion
	m.peerInfo = result.ServerInfo
	m.serverCapabilities = result.Capabilities
	m.clientCapabilities = clientCap
	return nil
}

// Confirm moves a negotiated session to Ready. On the server it runs when the initialized
// notification arrives, on the client right after that notification is sent.
func (m *SessionMachine) Confirm() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateClosed:
		return ErrSessionClosed
	case m.state == StateReady:
		return nil
	case !m.negotiated:
		return ErrSessionNotReady
	}
	m.state = StateReady
	return nil
}

// Close moves the session to Closed. The first reason given is kept. It reports whether this
// call performed the transition.
func (m *SessionMachine) Close(reason error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return false
	}
	m.closeLocked(reason)
	return true
}

func (m *SessionMachine) closeLocked(reason error) {
	m.state = StateClosed
	m.closeErr = reason
}
