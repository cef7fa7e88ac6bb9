package mcp_test

import (
	"errors"
	"testing"

	"github.com/TangGee/weather-mcp"
)

func TestSessionMachineHandshake(t *testing.T) {
	m := mcp.NewSessionMachine()

	if m.State() != mcp.StateUninitialized {
		t.Fatalf("State() = %v, want uninitialized", m.State())
	}

	serverCap := mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}}
	version, err := m.Negotiate(mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.Info{Name: "weather-client", Version: "1.0.0"},
	}, serverCap)
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if version != mcp.ProtocolVersion {
		t.Errorf("Negotiate() version = %q, want %q", version, mcp.ProtocolVersion)
	}

	// Still gated until the initialized notification arrives.
	if err := m.Check(request(mcp.MethodToolsList)); !errors.Is(err, mcp.ErrSessionNotReady) {
		t.Errorf("Check(tools/list) error = %v, want ErrSessionNotReady", err)
	}

	if err := m.Confirm(); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if m.State() != mcp.StateReady {
		t.Fatalf("State() = %v, want ready", m.State())
	}
	if m.PeerInfo().Name != "weather-client" {
		t.Errorf("PeerInfo() = %+v", m.PeerInfo())
	}
	if err := m.Check(request(mcp.MethodToolsList)); err != nil {
		t.Errorf("Check(tools/list) error = %v, want nil", err)
	}

	// A second handshake is refused but the session carries on.
	if _, err := m.Negotiate(mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion}, serverCap); !errors.Is(err, mcp.ErrAlreadyInitialized) {
		t.Errorf("Negotiate() again error = %v, want ErrAlreadyInitialized", err)
	}
	if m.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", m.State())
	}
}

func TestSessionMachineGate(t *testing.T) {
	tests := []struct {
		name    string
		msg     mcp.JSONRPCMessage
		wantErr error
	}{
		{name: "initialize", msg: request(mcp.MethodInitialize), wantErr: nil},
		{name: "ping", msg: request(mcp.MethodPing), wantErr: nil},
		{name: "response", msg: mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Result: []byte(`{}`)}},
		{name: "tools/list", msg: request(mcp.MethodToolsList), wantErr: mcp.ErrSessionNotReady},
		{name: "tools/call", msg: request(mcp.MethodToolsCall), wantErr: mcp.ErrSessionNotReady},
		{name: "initialized before negotiation", msg: notification(mcp.MethodNotificationsInitialized), wantErr: mcp.ErrSessionNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mcp.NewSessionMachine()
			err := m.Check(tt.msg)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Check() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Check() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionMachineVersionMismatch(t *testing.T) {
	m := mcp.NewSessionMachine(mcp.ProtocolVersion)

	_, err := m.Negotiate(mcp.InitializeParams{ProtocolVersion: "1999-01-01"}, mcp.ServerCapabilities{})
	if !errors.Is(err, mcp.ErrVersionMismatch) {
		t.Fatalf("Negotiate() error = %v, want ErrVersionMismatch", err)
	}
	if m.State() != mcp.StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}
	if !errors.Is(m.Err(), mcp.ErrVersionMismatch) {
		t.Errorf("Err() = %v, want ErrVersionMismatch", m.Err())
	}
	if err := m.Check(request(mcp.MethodPing)); !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("Check() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionMachineAccept(t *testing.T) {
	t.Run("supported version", func(t *testing.T) {
		m := mcp.NewSessionMachine()
		err := m.Accept(mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      mcp.Info{Name: "weather-server", Version: "1.0.0"},
		}, mcp.ClientCapabilities{})
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if err := m.Check(notification(mcp.MethodNotificationsInitialized)); err != nil {
			t.Errorf("Check(initialized) error = %v, want nil", err)
		}
		if err := m.Confirm(); err != nil {
			t.Fatalf("Confirm() error = %v", err)
		}
		if m.ServerCapabilities().Tools == nil {
			t.Error("ServerCapabilities().Tools is nil")
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		m := mcp.NewSessionMachine()
		err := m.Accept(mcp.InitializeResult{ProtocolVersion: "2099-01-01"}, mcp.ClientCapabilities{})
		if !errors.Is(err, mcp.ErrVersionMismatch) {
			t.Fatalf("Accept() error = %v, want ErrVersionMismatch", err)
		}
		if m.State() != mcp.StateClosed {
			t.Errorf("State() = %v, want closed", m.State())
		}
	})
}

func TestSessionMachineClose(t *testing.T) {
	m := mcp.NewSessionMachine()

	reason := errors.New("stream lost")
	if !m.Close(reason) {
		t.Fatal("Close() = false, want true")
	}
	if m.Close(errors.New("other")) {
		t.Error("second Close() = true, want false")
	}
	if !errors.Is(m.Err(), reason) {
		t.Errorf("Err() = %v, want first reason", m.Err())
	}
	if err := m.Confirm(); !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("Confirm() error = %v, want ErrSessionClosed", err)
	}
}

func request(method string) mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: method}
}

func notification(method string) mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method}
}
