package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/TangGee/weather-mcp"
)

// rawServer plays the server side of a Client over a pipe, answering exactly what each test
// scripts.
type rawServer struct {
	t      *testing.T
	w      io.Writer
	msgs   chan mcp.JSONRPCMessage
	client *mcp.Client
}

const handshakeResult = `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},` +
	`"serverInfo":{"name":"weather-server","version":"1.0.0"}}`

func newRawServer(t *testing.T, options ...mcp.ClientOption) *rawServer {
	t.Helper()

	cliReader, srvWriter := io.Pipe()
	srvReader, cliWriter := io.Pipe()

	s := &rawServer{
		t:    t,
		w:    srvWriter,
		msgs: make(chan mcp.JSONRPCMessage, 16),
	}

	options = append([]mcp.ClientOption{mcp.WithClientPingInterval(-1)}, options...)
	s.client = mcp.NewClient(mcp.Info{Name: "weather-client", Version: "1.0.0"},
		mcp.NewStdIO(cliReader, cliWriter), options...)

	go func() {
		reader := bufio.NewReader(srvReader)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			msg, err := mcp.DecodeMessage(line)
			if err != nil {
				t.Errorf("client sent malformed message %q: %v", line, err)
				return
			}
			s.msgs <- msg
		}
	}()

	t.Cleanup(func() {
		srvReader.Close()
		if err := s.client.Close(); err != nil {
			t.Errorf("failed to close client: %v", err)
		}
		cliReader.Close()
	})

	return s
}

func (s *rawServer) writeRaw(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		s.t.Fatalf("failed to write: %v", err)
	}
}

func (s *rawServer) reply(id mcp.RequestID, result string) {
	s.t.Helper()
	s.writeRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, rawID(s.t, id), result))
}

func rawID(t *testing.T, id mcp.RequestID) string {
	t.Helper()
	bs, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("failed to marshal id: %v", err)
	}
	return string(bs)
}

func (s *rawServer) next() mcp.JSONRPCMessage {
	s.t.Helper()
	select {
	case msg := <-s.msgs:
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timeout waiting for message from client")
		return mcp.JSONRPCMessage{}
	}
}

func (s *rawServer) expect(method string) mcp.JSONRPCMessage {
	s.t.Helper()
	msg := s.next()
	if msg.Method != method {
		s.t.Fatalf("got %s %+v, want %s", msg.Kind(), msg, method)
	}
	return msg
}

// connect runs Connect against the scripted initialize result.
func (s *rawServer) connect(result string) error {
	s.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- s.client.Connect(ctx) }()

	init := s.expect(mcp.MethodInitialize)
	s.reply(init.ID, result)

	return <-errs
}

func (s *rawServer) handshake() {
	s.t.Helper()
	if err := s.connect(handshakeResult); err != nil {
		s.t.Fatalf("Connect() error = %v", err)
	}
	s.expect(mcp.MethodNotificationsInitialized)
}

func (s *rawServer) waitClosed() {
	s.t.Helper()
	select {
	case <-s.client.Done():
	case <-time.After(2 * time.Second):
		s.t.Fatal("client session stayed open")
	}
}

func TestClientHandshake(t *testing.T) {
	s := newRawServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- s.client.Connect(ctx) }()

	init := s.expect(mcp.MethodInitialize)
	if init.ID != mcp.NumberID(1) {
		t.Errorf("initialize id = %v, want numeric 1", init.ID)
	}
	var params mcp.InitializeParams
	if err := json.Unmarshal(init.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", params.ProtocolVersion, mcp.ProtocolVersion)
	}
	if params.ClientInfo.Name != "weather-client" {
		t.Errorf("clientInfo = %+v", params.ClientInfo)
	}

	// Nothing else may be sent before the server answers.
	select {
	case msg := <-s.msgs:
		t.Fatalf("client sent %+v before the initialize result", msg)
	case <-time.After(50 * time.Millisecond):
	}

	s.reply(init.ID, handshakeResult)
	if err := <-errs; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.expect(mcp.MethodNotificationsInitialized)

	if s.client.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", s.client.State())
	}
	if s.client.ServerInfo().Name != "weather-server" {
		t.Errorf("ServerInfo() = %+v", s.client.ServerInfo())
	}
	if !s.client.ToolServerSupported() {
		t.Error("ToolServerSupported() = false, want true")
	}
	if err := s.client.Connect(ctx); !errors.Is(err, mcp.ErrAlreadyInitialized) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestClientRejectsUnsupportedServerVersion(t *testing.T) {
	s := newRawServer(t)

	err := s.connect(`{"protocolVersion":"2099-01-01","capabilities":{"tools":{}},"serverInfo":{"name":"x"}}`)
	if !errors.Is(err, mcp.ErrVersionMismatch) {
		t.Fatalf("Connect() error = %v, want ErrVersionMismatch", err)
	}
	s.waitClosed()
}

func TestClientServerWithoutTools(t *testing.T) {
	s := newRawServer(t)

	if err := s.connect(`{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"bare"}}`); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.expect(mcp.MethodNotificationsInitialized)

	if s.client.ToolServerSupported() {
		t.Error("ToolServerSupported() = true, want false")
	}
	if _, err := s.client.ListTools(context.Background()); err == nil {
		t.Error("ListTools() expected error")
	}
	select {
	case msg := <-s.msgs:
		t.Errorf("client sent %+v to a server without tools", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRequestIDsAreMonotonic(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	for _, want := range []mcp.RequestID{mcp.NumberID(2), mcp.NumberID(3), mcp.NumberID(4)} {
		errs := make(chan error, 1)
		go func() {
			_, err := s.client.ListTools(context.Background())
			errs <- err
		}()

		req := s.expect(mcp.MethodToolsList)
		if req.ID != want {
			t.Errorf("request id = %v, want %v", req.ID, want)
		}
		s.reply(req.ID, `{"tools":[]}`)
		if err := <-errs; err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
	}
	if n := s.client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	s.writeRaw(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
	res := s.next()
	if res.Kind() != mcp.KindResponse || res.ID != "srv-1" {
		t.Fatalf("got %+v, want response to srv-1", res)
	}
	if string(res.Result) != "{}" {
		t.Errorf("pong result = %s, want {}", res.Result)
	}

	s.writeRaw(`{"jsonrpc":"2.0","id":"srv-2","method":"sampling/createMessage"}`)
	res = s.next()
	if res.Kind() != mcp.KindError || res.Error.Code != mcp.CodeMethodNotFound {
		t.Errorf("got %+v, want method not found", res)
	}
}

func TestClientErrorResponse(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	errs := make(chan error, 1)
	go func() {
		_, err := s.client.CallTool(context.Background(), mcp.CallToolParams{Name: "get_tides"})
		errs <- err
	}()

	req := s.expect(mcp.MethodToolsCall)
	s.writeRaw(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32001,"message":"tool not found: get_tides"}}`,
		rawID(t, req.ID)))

	err := <-errs
	var rpcErr *mcp.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("CallTool() error = %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != mcp.CodeToolNotFound {
		t.Errorf("error code = %d, want %d", rpcErr.Code, mcp.CodeToolNotFound)
	}
	if s.client.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", s.client.State())
	}
}

func TestClientSendsCancelledOnTimeout(t *testing.T) {
	s := newRawServer(t, mcp.WithClientReadTimeout(100*time.Millisecond))
	s.handshake()

	errs := make(chan error, 1)
	go func() {
		_, err := s.client.CallTool(context.Background(), mcp.CallToolParams{
			Name:      "get_forecast",
			Arguments: map[string]any{"city": "Tokyo", "days": 3},
		})
		errs <- err
	}()

	req := s.expect(mcp.MethodToolsCall)
	if err := <-errs; !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("CallTool() error = %v, want ErrTimeout", err)
	}

	cancelled := s.expect(mcp.MethodNotificationsCancelled)
	var params struct {
		RequestID json.Number `json:"requestId"`
	}
	if err := json.Unmarshal(cancelled.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal cancelled params: %v", err)
	}
	if mcp.RequestID(params.RequestID) != req.ID {
		t.Errorf("requestId = %v, want %v", params.RequestID, req.ID)
	}

	// The late response is dropped without hurting the session.
	s.reply(req.ID, `{"content":[]}`)

	pingErrs := make(chan error, 1)
	go func() { pingErrs <- s.client.Ping(context.Background()) }()
	ping := s.expect(mcp.MethodPing)
	s.reply(ping.ID, `{}`)
	if err := <-pingErrs; err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if s.client.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", s.client.State())
	}
}

func TestClientDoneContextMapsToCallOutcome(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.client.CallTool(cancelled, mcp.CallToolParams{Name: "get_current_weather"})
	if !errors.Is(err, mcp.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("CallTool() with cancelled context error = %v, want ErrCancelled", err)
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	if err := s.client.Ping(expired); !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("Ping() with expired context error = %v, want ErrTimeout", err)
	}

	if n := s.client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
	if s.client.State() != mcp.StateReady {
		t.Errorf("State() = %v, want ready", s.client.State())
	}
}

func TestClientStringIDDoesNotMatchNumericRequest(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	go func() { _, _ = s.client.ListTools(context.Background()) }()
	req := s.expect(mcp.MethodToolsList)

	// Same digits, but a string: a different id.
	s.reply(fmt.Sprint(req.ID), `{"tools":[]}`)
	s.waitClosed()

	if !errors.Is(s.client.Err(), mcp.ErrUnknownID) {
		t.Errorf("Err() = %v, want ErrUnknownID", s.client.Err())
	}
}

func TestClientUnknownResponseIDClosesSession(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	s.reply("999", `{}`)
	s.waitClosed()

	if !errors.Is(s.client.Err(), mcp.ErrUnknownID) {
		t.Errorf("Err() = %v, want ErrUnknownID", s.client.Err())
	}
	if _, err := s.client.ListTools(context.Background()); err == nil {
		t.Error("ListTools() on a closed session expected error")
	}
}

func TestClientDecodeErrorThreshold(t *testing.T) {
	s := newRawServer(t)
	s.handshake()

	// Failures are counted consecutively, a valid message resets the count.
	s.writeRaw(`{broken`)
	s.writeRaw(`{"jsonrpc":"1.0","method":"ping","id":1}`)
	s.writeRaw(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	s.writeRaw(`{broken`)
	s.writeRaw(`{broken`)

	select {
	case <-s.client.Done():
		t.Fatalf("client closed below the threshold: %v", s.client.Err())
	case <-time.After(100 * time.Millisecond):
	}

	s.writeRaw(`{broken`)
	s.waitClosed()

	if !errors.Is(s.client.Err(), mcp.ErrDecode) {
		t.Errorf("Err() = %v, want ErrDecode", s.client.Err())
	}
}

func TestClientDecodeErrorDuringHandshake(t *testing.T) {
	s := newRawServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- s.client.Connect(ctx) }()

	s.expect(mcp.MethodInitialize)
	s.writeRaw(`not json at all`)

	if err := <-errs; err == nil {
		t.Fatal("Connect() expected error")
	}
	s.waitClosed()
	if !errors.Is(s.client.Err(), mcp.ErrDecode) {
		t.Errorf("Err() = %v, want ErrDecode", s.client.Err())
	}
}
