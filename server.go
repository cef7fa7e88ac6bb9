package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes the tools of a
// ToolRegistry. It manages the connection lifecycle of every session the transport yields,
// dispatches protocol messages, and keeps sessions alive with pings.
type Server struct {
	info              Info
	capabilities      ServerCapabilities
	transport         ServerTransport
	registry          *ToolRegistry
	supportedVersions []string

	toolListChanged bool

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	toolTimeout          time.Duration
	decodeErrorThreshold int

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsMu        *sync.Mutex
	sessions          map[string]*serverSession
	sessionsWaitGroup *sync.WaitGroup

	done      chan struct{}
	closeOnce *sync.Once
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap  ServerCapabilities
	serverInfo Info
	registry   *ToolRegistry
	machine    *SessionMachine
	table      *CorrelationTable

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	toolTimeout          time.Duration
	decodeErrorThreshold int

	onReady func(Info)

	// Requests received from the client that haven't been answered yet, keyed by id, so a
	// cancellation notification can reach the handler.
	inflightMu sync.Mutex
	inflight   map[RequestID]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup
	closeOnce  sync.Once
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultDecodeErrorThreshold       = 3
)

// NewServer creates a new MCP server that serves the tools of registry over transport.
// A nil registry is treated as an empty one.
func NewServer(info Info, transport ServerTransport, registry *ToolRegistry, options ...ServerOption) Server {
	if registry == nil {
		registry = NewToolRegistry()
	}
	s := Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsMu:        &sync.Mutex{},
		sessions:          make(map[string]*serverSession),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		closeOnce:         &sync.Once{},
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.decodeErrorThreshold == 0 {
		s.decodeErrorThreshold = defaultDecodeErrorThreshold
	}
	if len(s.supportedVersions) == 0 {
		s.supportedVersions = []string{ProtocolVersion}
	}

	s.capabilities = ServerCapabilities{
		Tools: &ToolsCapability{ListChanged: s.toolListChanged},
	}

	if s.toolListChanged {
		registry.OnChange(s.broadcastToolListChanged)
	}

	return s
}

// WithToolListChanged returns a ServerOption that advertises the listChanged tools capability
// and notifies ready sessions every time a tool is registered.
func WithToolListChanged() ServerOption {
	return func(s *Server) {
		s.toolListChanged = true
	}
}

// WithProtocolVersions returns a ServerOption that sets the protocol versions the server accepts
// during the handshake.
func WithProtocolVersions(versions ...string) ServerOption {
	return func(s *Server) {
		s.supportedVersions = versions
	}
}

// WithServerPingInterval returns a ServerOption that sets the interval for sending pings.
// A negative interval disables pings.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that sets the timeout for a ping to be answered.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold returns a ServerOption that sets the number of consecutive
// failed pings tolerated before the session is closed.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that sets the timeout for sending a message.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithToolTimeout returns a ServerOption that bounds the execution time of each tool call.
func WithToolTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.toolTimeout = timeout
	}
}

// WithDecodeErrorThreshold returns a ServerOption that sets how many consecutive malformed
// messages an established session tolerates before it is closed.
func WithDecodeErrorThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.decodeErrorThreshold = threshold
	}
}

// WithServerOnClientConnected returns a ServerOption that sets the callback run when a client
// completes the handshake.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected returns a ServerOption that sets the callback run when a
// session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger returns a ServerOption that sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "weather-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It accepts sessions from the
// transport and handles each one in its own goroutine. Serve blocks until the transport
// stops yielding sessions, which happens after Shutdown.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := s.newSession(sess)

		s.sessionsMu.Lock()
		s.sessions[sess.ID()] = ss
		s.sessionsMu.Unlock()

		s.sessionsWaitGroup.Add(1)

		// This session would close itself when client failed to initialize or
		// when consecutive pings fail beyond threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			s.sessionsMu.Lock()
			delete(s.sessions, sess.ID())
			s.sessionsMu.Unlock()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the MCP server and all its active sessions. Pending calls
// in every session are cancelled. It returns an error if ctx expires before all sessions
// are done.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.closeOnce.Do(func() { close(s.done) })

	// Wait for all sessions to finish
	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close sessions: %w", ctx.Err())
	case <-sessionsClosed:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s Server) newSession(sess Session) *serverSession {
	ss := &serverSession{
		session:              sess,
		logger:               s.logger.With(slog.String("sessionID", sess.ID())),
		serverCap:            s.capabilities,
		serverInfo:           s.info,
		registry:             s.registry,
		machine:              NewSessionMachine(s.supportedVersions...),
		table:                NewCorrelationTable(),
		pingInterval:         s.pingInterval,
		pingTimeout:          s.pingTimeout,
		pingTimeoutThreshold: s.pingTimeoutThreshold,
		sendTimeout:          s.sendTimeout,
		toolTimeout:          s.toolTimeout,
		decodeErrorThreshold: s.decodeErrorThreshold,
		inflight:             make(map[RequestID]context.CancelFunc),
	}
	if s.onClientConnected != nil {
		ss.onReady = func(info Info) { s.onClientConnected(sess.ID(), info) }
	}
	return ss
}

func (s Server) broadcastToolListChanged() {
	msg, _ := newNotification(MethodNotificationsToolsListChanged, nil)

	s.sessionsMu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.sessionsMu.Unlock()

	for _, ss := range sessions {
		if ss.machine.State() != StateReady {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		if err := ss.send(ctx, msg); err != nil {
			ss.logger.Error("failed to send tool list changed notification", slog.String("err", err.Error()))
		}
		cancel()
	}
}

func (s *serverSession) start(done <-chan struct{}) {
	// This base context is to make sure all the operations started by this session is cancelled
	// when the session is closed.
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	go func() {
		select {
		case <-done:
			s.close(ErrSessionClosed)
		case <-s.baseCtx.Done():
		}
	}()

	if s.pingInterval > 0 {
		go s.pings()
	}

	decodeFailures := 0

	// This loops would break when the session is closed
	for msg, err := range s.session.Messages() {
		if err != nil {
			decodeFailures++
			s.logger.Warn("failed to decode message",
				slog.String("err", err.Error()),
				slog.Int("consecutiveFailures", decodeFailures))
			// A malformed handshake can't be answered in a meaningful way.
			if s.machine.State() != StateReady || decodeFailures >= s.decodeErrorThreshold {
				s.close(fmt.Errorf("too many malformed messages: %w", err))
				break
			}
			continue
		}
		decodeFailures = 0

		if !s.handle(msg) {
			break
		}
	}

	s.close(&TransportError{Op: "stream", Err: errors.New("connection closed")})

	// Wait for the handlers to notice the cancelled context and return.
	s.handlers.Wait()
}

// handle dispatches one message. It returns false when the session must stop reading.
func (s *serverSession) handle(msg JSONRPCMessage) bool {
	if err := s.machine.Check(msg); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return false
		}
		s.logger.Info("rejected message before handshake",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		if msg.Kind() == KindRequest {
			s.sendError(msg.ID, CodeSessionNotReady, err.Error(), nil)
		}
		return true
	}

	switch msg.Kind() {
	case KindRequest:
		return s.handleRequest(msg)
	case KindNotification:
		s.handleNotification(msg)
	case KindResponse, KindError:
		// This is the response from the client to a request we sent.
		if err := s.table.Resolve(msg.ID, msg); err != nil {
			s.logger.Error("received response for unknown request",
				slog.Any("id", msg.ID),
				slog.String("err", err.Error()))
			s.close(err)
			return false
		}
	}
	return true
}

func (s *serverSession) handleRequest(msg JSONRPCMessage) bool {
	ctx, err := s.begin(msg.ID)
	if err != nil {
		s.logger.Error("received request with duplicate id",
			slog.Any("id", msg.ID),
			slog.String("err", err.Error()))
		s.close(err)
		return false
	}

	switch msg.Method {
	case MethodInitialize:
		defer s.finish(msg.ID)
		return s.handleInitializeRequest(msg)
	case MethodPing:
		defer s.finish(msg.ID)
		s.sendResult(msg.ID, struct{}{})
	case MethodToolsList:
		defer s.finish(msg.ID)
		s.sendResult(msg.ID, ListToolsResult{Tools: s.registry.List()})
	case MethodToolsCall:
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.finish(msg.ID)
			s.callCallTool(ctx, msg)
		}()
	default:
		defer s.finish(msg.ID)
		s.sendError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
	return true
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsInitialized:
		if err := s.machine.Confirm(); err != nil {
			s.logger.Warn("failed to confirm session", slog.String("err", err.Error()))
			return
		}
		s.logger.Info("session established", slog.String("client", s.machine.PeerInfo().Name))
		if s.onReady != nil {
			s.onReady(s.machine.PeerInfo())
		}
	case MethodNotificationsCancelled:
		var params notificationsCancelledParams
		dec := json.NewDecoder(bytes.NewReader(msg.Params))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			s.logger.Warn("invalid cancellation notification", slog.String("err", err.Error()))
			return
		}
		s.inflightMu.Lock()
		cancel, ok := s.inflight[params.RequestID]
		s.inflightMu.Unlock()
		if ok {
			s.logger.Info("client cancelled request",
				slog.Any("id", params.RequestID),
				slog.String("reason", params.Reason))
			cancel()
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) handleInitializeRequest(msg JSONRPCMessage) bool {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.sendError(msg.ID, CodeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err), nil)
		// Only a well formed handshake may be retried.
		if s.machine.State() == StateUninitialized {
			s.close(newDecodeError("invalid initialize params", err))
			return false
		}
		return true
	}

	version, err := s.machine.Negotiate(params, s.serverCap)
	switch {
	case errors.Is(err, ErrAlreadyInitialized):
		s.sendError(msg.ID, CodeInvalidRequest, err.Error(), nil)
		return true
	case errors.Is(err, ErrVersionMismatch):
		s.logger.Info("unsupported protocol version",
			slog.String("version", params.ProtocolVersion),
			slog.String("client", params.ClientInfo.Name))
		// The machine is already closed, so the error bypasses the state check.
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		if err := s.session.Send(ctx, newErrorResponse(msg.ID, CodeInvalidParams, "Unsupported protocol version",
			map[string]any{
				"supported": s.machine.supportedVersions,
				"requested": params.ProtocolVersion,
			})); err != nil {
			s.logger.Error("failed to send initialization error", slog.String("err", err.Error()))
		}
		cancel()
		s.close(err)
		return false
	case err != nil:
		s.sendError(msg.ID, CodeInternalError, err.Error(), nil)
		s.close(err)
		return false
	}

	s.sendResult(msg.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
	})
	return true
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err), nil)
		return
	}
	if params.Name == "" {
		s.sendError(msg.ID, CodeInvalidParams, "tool name is required", nil)
		return
	}

	if s.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.toolTimeout)
		defer cancel()
	}

	res := s.registry.Invoke(ctx, params.Name, params.Arguments)
	if res.Failure != nil {
		rpcErr := res.Failure.JSONRPC()
		s.sendError(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}

	content := res.Content
	if content == nil {
		content = []Content{}
	}
	s.sendResult(msg.ID, CallToolResult{Content: content})
}

// pings keeps the session alive. It closes the session when more than pingTimeoutThreshold
// consecutive pings go unanswered.
func (s *serverSession) pings() {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, s.pingTimeout)
		_, err := s.request(ctx, MethodPing, nil)
		cancel()

		if err == nil {
			failedPings = 0
			continue
		}
		if s.baseCtx.Err() != nil {
			return
		}

		failedPings++
		s.logger.Warn("failed to ping client",
			slog.String("err", err.Error()),
			slog.Int("failedPings", failedPings))
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.close(&TransportError{Op: "ping", Err: fmt.Errorf("%d consecutive pings failed", failedPings)})
			return
		}
	}
}

// request sends a server-initiated request and waits for the client's response.
func (s *serverSession) request(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	id := RequestID(uuid.New().String())
	msg, err := newRequest(id, method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	call, err := s.table.Register(id)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	if err := s.send(ctx, msg); err != nil {
		s.table.Cancel(id, err)
		return JSONRPCMessage{}, err
	}

	return call.Wait(ctx)
}

func (s *serverSession) send(ctx context.Context, msg JSONRPCMessage) error {
	if err := s.machine.Check(msg); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	err := s.session.Send(sendCtx, msg)
	if err == nil {
		return nil
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		s.logger.Error("transport failed, closing session", slog.String("err", err.Error()))
		s.close(err)
	}
	return err
}

func (s *serverSession) sendResult(id RequestID, result any) {
	msg, err := newResult(id, result)
	if err != nil {
		s.logger.Error("failed to encode result", slog.String("err", err.Error()))
		s.sendError(id, CodeInternalError, err.Error(), nil)
		return
	}
	if err := s.send(s.baseCtx, msg); err != nil {
		s.logger.Error("failed to send result",
			slog.Any("id", id),
			slog.String("err", err.Error()))
	}
}

func (s *serverSession) sendError(id RequestID, code int, message string, data map[string]any) {
	if err := s.send(s.baseCtx, newErrorResponse(id, code, message, data)); err != nil {
		s.logger.Error("failed to send error",
			slog.Any("id", id),
			slog.String("err", err.Error()))
	}
}

// begin tracks an incoming request until finish is called with the same id. A request id that
// is already in flight is a protocol violation.
func (s *serverSession) begin(id RequestID) (context.Context, error) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	if _, ok := s.inflight[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateID, id)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.inflight[id] = cancel
	return ctx, nil
}

func (s *serverSession) finish(id RequestID) {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.inflightMu.Unlock()

	if ok {
		cancel()
	}
}

// close moves the session to Closed, fails every pending server request and stops the
// underlying transport session. Only the first reason is kept.
func (s *serverSession) close(reason error) {
	s.closeOnce.Do(func() {
		s.machine.Close(reason)
		s.table.Close(reason)
		s.baseCancel()
		s.session.Stop()
		s.logger.Info("session closed", slog.String("reason", reason.Error()))
	})
}
