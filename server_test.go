package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/weather-mcp"
)

// rawPeer speaks to a Server over a pipe without a Client, so tests can send exactly the
// bytes they want, malformed ones included.
type rawPeer struct {
	t      *testing.T
	w      io.WriteCloser
	msgs   chan mcp.JSONRPCMessage
	server mcp.Server

	disconnected chan struct{}
}

func newRawPeer(t *testing.T, registry *mcp.ToolRegistry, options ...mcp.ServerOption) *rawPeer {
	t.Helper()

	srvReader, peerWriter := io.Pipe()
	peerReader, srvWriter := io.Pipe()

	p := &rawPeer{
		t:            t,
		w:            peerWriter,
		msgs:         make(chan mcp.JSONRPCMessage, 16),
		disconnected: make(chan struct{}),
	}

	options = append(options, mcp.WithServerOnClientDisconnected(func(string) {
		close(p.disconnected)
	}))
	p.server = mcp.NewServer(mcp.Info{Name: "weather-server", Version: "1.0.0"},
		mcp.NewStdIO(srvReader, srvWriter), registry, options...)
	go p.server.Serve()

	go func() {
		reader := bufio.NewReader(peerReader)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			msg, err := mcp.DecodeMessage(line)
			if err != nil {
				t.Errorf("server sent malformed message %q: %v", line, err)
				return
			}
			p.msgs <- msg
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		peerWriter.Close()
		srvWriter.Close()
	})

	return p
}

func (p *rawPeer) writeRaw(line string) {
	p.t.Helper()
	if _, err := io.WriteString(p.w, line+"\n"); err != nil {
		p.t.Fatalf("failed to write: %v", err)
	}
}

func (p *rawPeer) send(id mcp.RequestID, method string, params any) {
	p.t.Helper()
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			p.t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = bs
	}
	bs, err := mcp.EncodeMessage(msg)
	if err != nil {
		p.t.Fatalf("failed to encode: %v", err)
	}
	p.writeRaw(string(bs))
}

func (p *rawPeer) next() mcp.JSONRPCMessage {
	p.t.Helper()
	select {
	case msg := <-p.msgs:
		return msg
	case <-time.After(2 * time.Second):
		p.t.Fatal("timeout waiting for message from server")
		return mcp.JSONRPCMessage{}
	}
}

// response skips server pings until the message answering id arrives.
func (p *rawPeer) response(id mcp.RequestID) mcp.JSONRPCMessage {
	p.t.Helper()
	for {
		msg := p.next()
		if msg.Method == mcp.MethodPing {
			continue
		}
		if msg.ID != id {
			p.t.Fatalf("got message %+v, want response to %q", msg, id)
		}
		return msg
	}
}

func (p *rawPeer) handshake() {
	p.t.Helper()
	p.send("init", mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.Info{Name: "raw-peer", Version: "1.0"},
	})
	if res := p.response("init"); res.Error != nil {
		p.t.Fatalf("initialize failed: %v", res.Error)
	}
	p.send(nil, mcp.MethodNotificationsInitialized, nil)
}

func (p *rawPeer) waitDisconnected() {
	p.t.Helper()
	select {
	case <-p.disconnected:
	case <-time.After(2 * time.Second):
		p.t.Fatal("timeout waiting for the server to close the session")
	}
}

func TestServerRejectsRequestsBeforeHandshake(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))

	p.send("1", mcp.MethodToolsList, nil)
	res := p.response("1")
	if res.Error == nil || res.Error.Code != mcp.CodeSessionNotReady {
		t.Fatalf("tools/list before handshake = %+v, want error %d", res, mcp.CodeSessionNotReady)
	}

	// Pings are allowed before the handshake.
	p.send("2", mcp.MethodPing, nil)
	if res := p.response("2"); res.Error != nil || string(res.Result) != "{}" {
		t.Fatalf("ping = %+v, want empty result", res)
	}

	p.handshake()

	p.send("3", mcp.MethodToolsList, nil)
	res = p.response("3")
	if res.Error != nil {
		t.Fatalf("tools/list after handshake error = %v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("failed to unmarshal tools/list result: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(list.Tools))
	}
}

func TestServerHandshakeResult(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))

	p.send("0", mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.Info{Name: "raw-peer", Version: "1.0"},
	})
	res := p.response("0")
	if res.Error != nil {
		t.Fatalf("initialize error = %v", res.Error)
	}

	want := `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},` +
		`"serverInfo":{"name":"weather-server","version":"1.0.0"}}`
	if string(res.Result) != want {
		t.Errorf("initialize result = %s, want %s", res.Result, want)
	}
}

func TestServerVersionMismatch(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))

	p.send("0", mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: "1999-01-01",
		ClientInfo:      mcp.Info{Name: "raw-peer", Version: "1.0"},
	})
	res := p.response("0")
	if res.Error == nil || res.Error.Code != mcp.CodeInvalidParams {
		t.Fatalf("initialize = %+v, want error %d", res, mcp.CodeInvalidParams)
	}
	if res.Error.Data["supported"] == nil {
		t.Errorf("error data = %v, want supported versions", res.Error.Data)
	}

	p.waitDisconnected()
}

func TestServerSecondInitialize(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))
	p.handshake()

	p.send("again", mcp.MethodInitialize, mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
	res := p.response("again")
	if res.Error == nil || res.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("second initialize = %+v, want error %d", res, mcp.CodeInvalidRequest)
	}

	p.send("ping", mcp.MethodPing, nil)
	if res := p.response("ping"); res.Error != nil {
		t.Errorf("ping after second initialize error = %v", res.Error)
	}
}

func TestServerMethodNotFound(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))
	p.handshake()

	p.send("1", "resources/list", nil)
	res := p.response("1")
	if res.Error == nil || res.Error.Code != mcp.CodeMethodNotFound {
		t.Fatalf("resources/list = %+v, want error %d", res, mcp.CodeMethodNotFound)
	}
}

func TestServerMalformedMessages(t *testing.T) {
	t.Run("before handshake is fatal", func(t *testing.T) {
		p := newRawPeer(t, weatherRegistry(t))
		p.writeRaw(`{"jsonrpc":"2.0","id":1,`)
		p.waitDisconnected()
	})

	t.Run("tolerated below threshold after handshake", func(t *testing.T) {
		p := newRawPeer(t, weatherRegistry(t), mcp.WithDecodeErrorThreshold(3))
		p.handshake()

		p.writeRaw(`not json`)
		p.writeRaw(`{"jsonrpc":"1.0","method":"ping","id":1}`)

		p.send("ping", mcp.MethodPing, nil)
		if res := p.response("ping"); res.Error != nil {
			t.Fatalf("ping error = %v", res.Error)
		}
	})

	t.Run("closes at threshold", func(t *testing.T) {
		p := newRawPeer(t, weatherRegistry(t), mcp.WithDecodeErrorThreshold(2))
		p.handshake()

		p.writeRaw(`not json`)
		p.writeRaw(`still not json`)
		p.waitDisconnected()
	})
}

func TestServerUnknownResponseIDClosesSession(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t))
	p.handshake()

	p.writeRaw(`{"jsonrpc":"2.0","id":"never-sent","result":{}}`)
	p.waitDisconnected()
}

func TestServerDuplicateInflightIDClosesSession(t *testing.T) {
	registry := mcp.NewToolRegistry()
	if err := registry.Register(mcp.Tool{Name: "block"}, blockingHandler(nil)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := newRawPeer(t, registry)
	p.handshake()

	p.send("5", mcp.MethodToolsCall, mcp.CallToolParams{Name: "block"})
	p.send("5", mcp.MethodToolsCall, mcp.CallToolParams{Name: "block"})
	p.waitDisconnected()
}

func TestServerCancelledNotification(t *testing.T) {
	cancelled := make(chan struct{})
	registry := mcp.NewToolRegistry()
	if err := registry.Register(mcp.Tool{Name: "block"}, blockingHandler(cancelled)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := newRawPeer(t, registry)
	p.handshake()

	p.send("7", mcp.MethodToolsCall, mcp.CallToolParams{Name: "block"})
	p.send(nil, mcp.MethodNotificationsCancelled, map[string]any{"requestId": "7", "reason": "test"})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServerPingsClient(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t), mcp.WithServerPingInterval(20*time.Millisecond))

	msg := p.next()
	if msg.Method != mcp.MethodPing || msg.ID == nil {
		t.Fatalf("got %+v, want ping request", msg)
	}

	// Answering the ping keeps the session healthy.
	p.writeRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, msg.ID.(string)))

	select {
	case <-p.disconnected:
		t.Fatal("session closed after a valid ping response")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerClosesSessionOnUnansweredPings(t *testing.T) {
	p := newRawPeer(t, weatherRegistry(t),
		mcp.WithServerPingInterval(10*time.Millisecond),
		mcp.WithServerPingTimeout(10*time.Millisecond),
		mcp.WithServerPingTimeoutThreshold(1))

	// Drain the pings without answering them.
	go func() {
		for {
			select {
			case <-p.msgs:
			case <-p.disconnected:
				return
			}
		}
	}()

	p.waitDisconnected()
}

func TestServerEchoesRequestIDForm(t *testing.T) {
	srvReader, peerWriter := io.Pipe()
	peerReader, srvWriter := io.Pipe()

	srv := mcp.NewServer(mcp.Info{Name: "weather-server", Version: "1.0.0"},
		mcp.NewStdIO(srvReader, srvWriter), weatherRegistry(t))
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		peerWriter.Close()
		srvWriter.Close()
	})

	lines := make(chan string, 16)
	go func() {
		reader := bufio.NewReader(peerReader)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.Contains(line, `"method":"ping"`) {
				lines <- line
			}
		}
	}()

	exchange := func(request, wantPrefix string) {
		t.Helper()
		if _, err := io.WriteString(peerWriter, request+"\n"); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		if wantPrefix == "" {
			return
		}
		select {
		case line := <-lines:
			if !strings.HasPrefix(line, wantPrefix) {
				t.Errorf("reply = %s, want prefix %s", line, wantPrefix)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no reply to %s", request)
		}
	}

	exchange(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05",`+
		`"capabilities":{},"clientInfo":{"name":"weather-client","version":"1.0.0"}}}`,
		`{"jsonrpc":"2.0","id":1,"result":`)
	exchange(`{"jsonrpc":"2.0","method":"notifications/initialized"}`, "")
	exchange(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`, `{"jsonrpc":"2.0","id":"1","result":`)
	exchange(`{"jsonrpc":"2.0","id":2.5,"method":"ping"}`, `{"jsonrpc":"2.0","id":2.5,"result":`)
	exchange(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_tides","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":3,"error":`)
}

func TestServerHandlerErrorWithoutText(t *testing.T) {
	registry := mcp.NewToolRegistry()
	if err := registry.Register(mcp.Tool{Name: "silent"}, func(context.Context, map[string]any) ([]mcp.Content, error) {
		return nil, errors.New("")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := newRawPeer(t, registry)
	p.handshake()

	p.send("9", mcp.MethodToolsCall, mcp.CallToolParams{Name: "silent"})
	res := p.response("9")
	if res.Error == nil {
		t.Fatalf("got %+v, want error response", res)
	}
	if res.Error.Code != mcp.CodeToolExecution || res.Error.Message == "" {
		t.Errorf("error = %+v, want code %d with a message", res.Error, mcp.CodeToolExecution)
	}
}

// weatherRegistry returns a registry with two canned weather tools.
func weatherRegistry(t *testing.T) *mcp.ToolRegistry {
	t.Helper()

	registry := mcp.NewToolRegistry()
	if err := registry.Register(mcp.Tool{
		Name:        "get_current_weather",
		Description: "Get current weather for a city",
		InputSchema: citySchema,
	}, func(_ context.Context, arguments map[string]any) ([]mcp.Content, error) {
		return []mcp.Content{{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Sunny in %s", arguments["city"])}}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := registry.Register(mcp.Tool{
		Name:        "get_forecast",
		Description: "Get weather forecast for a city",
		InputSchema: cityForecastSchema,
	}, echoHandler); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return registry
}

// blockingHandler waits for its context to end, then closes cancelled if given.
func blockingHandler(cancelled chan<- struct{}) mcp.ToolHandler {
	return func(ctx context.Context, _ map[string]any) ([]mcp.Content, error) {
		<-ctx.Done()
		if cancelled != nil {
			close(cancelled)
		}
		return nil, ctx.Err()
	}
}
