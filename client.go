package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that discovers and invokes the
// tools of an MCP server. It manages the connection lifecycle, correlates responses that
// arrive on the stream with the requests it submitted, and monitors the connection health
// through periodic pings.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	capabilities      ClientCapabilities
	info              Info
	transport         ClientTransport
	supportedVersions []string

	toolListWatcher ToolListWatcher

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int
	decodeErrorThreshold int

	logger *slog.Logger

	session Session
	machine *SessionMachine
	table   *CorrelationTable
	nextID  atomic.Uint64

	closeOnce    sync.Once
	done         chan struct{}
	listenClosed chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3

	errClientNotConnected = errors.New("client not connected")
)

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithClientWriteTimeout sets the timeout for submitting a message to the server.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for its response before it fails
// with ErrTimeout.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client. A negative interval
// disables pings.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the number of consecutive failed pings tolerated
// before the client closes the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientDecodeErrorThreshold sets how many consecutive malformed messages an
// established session tolerates before it is closed.
func WithClientDecodeErrorThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.decodeErrorThreshold = threshold
	}
}

// WithClientProtocolVersions sets the protocol versions the client accepts. The first one
// is requested during the handshake.
func WithClientProtocolVersions(versions ...string) ClientOption {
	return func(c *Client) {
		c.supportedVersions = versions
	}
}

// WithClientCapabilities sets the capabilities the client announces during the handshake.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "weather-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
// It establishes a client that can communicate with MCP servers according to the protocol
// specification.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		transport:    transport,
		logger:       slog.Default(),
		table:        NewCorrelationTable(),
		done:         make(chan struct{}),
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}
	if c.decodeErrorThreshold == 0 {
		c.decodeErrorThreshold = defaultDecodeErrorThreshold
	}
	if len(c.supportedVersions) == 0 {
		c.supportedVersions = []string{ProtocolVersion}
	}
	c.machine = NewSessionMachine(c.supportedVersions...)

	return c
}

// Connect establishes a session with the server and performs the handshake. It returns once
// the session is Ready, or with the error that prevented it. A version the server declines,
// or a version the server answers with that the client doesn't support, fails with an error
// matching ErrVersionMismatch.
//
// A Client connects once. Use a new Client to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.session != nil {
		return ErrAlreadyInitialized
	}

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess
	c.logger = c.logger.With(slog.String("sessionID", sess.ID()))

	go c.listenMessages()

	res, err := c.sendRequest(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: c.supportedVersions[0],
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.close(err)
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	if res.Error != nil {
		nErr := fmt.Errorf("initialize rejected: %w", res.Error)
		if res.Error.Code == CodeInvalidParams && res.Error.Data["supported"] != nil {
			nErr = fmt.Errorf("%w: %w", ErrVersionMismatch, res.Error)
		}
		c.close(nErr)
		return nErr
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		nErr := newDecodeError("invalid initialize result", err)
		c.close(nErr)
		return nErr
	}

	if err := c.machine.Accept(result, c.capabilities); err != nil {
		c.close(err)
		return err
	}

	if err := c.sendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.close(err)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	if err := c.machine.Confirm(); err != nil {
		c.close(err)
		return err
	}

	c.logger.Info("session established",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))

	if c.pingInterval > 0 {
		go c.pings()
	}

	return nil
}

// ListTools retrieves the tools offered by the server, in the server's registration order.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	if c.machine.ServerCapabilities().Tools == nil && c.machine.State() == StateReady {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	res, err := c.sendRequest(ctx, MethodToolsList, nil)
	if err != nil {
		return ListToolsResult{}, err
	}

	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, newDecodeError("invalid tools/list result", err)
	}

	return result, nil
}

// CallTool executes a specific tool and returns its result.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification is sent to the server to stop processing, and a response that arrives
// afterwards is dropped. A response that doesn't arrive within the read timeout fails
// the call with ErrTimeout. An error response from the server is returned as a
// *JSONRPCError that can be extracted with errors.As.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if c.machine.ServerCapabilities().Tools == nil && c.machine.State() == StateReady {
		return CallToolResult{}, errors.New("tools not supported by server")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	res, err := c.sendRequest(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, newDecodeError("invalid tools/call result", err)
	}

	return result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.sendRequest(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// Close ends the session. Calls still waiting for a response fail with ErrCancelled.
func (c *Client) Close() error {
	c.close(nil)
	if c.session != nil {
		<-c.listenClosed
	}
	return nil
}

// Done returns a channel that is closed when the session ends, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended, nil while it is open or after a plain Close.
func (c *Client) Err() error {
	return c.machine.Err()
}

// State returns the lifecycle state of the session.
func (c *Client) State() SessionState {
	return c.machine.State()
}

// ServerInfo returns the identity the server announced during the handshake.
func (c *Client) ServerInfo() Info {
	return c.machine.PeerInfo()
}

// ServerCapabilities returns the capabilities the server announced during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.machine.ServerCapabilities()
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.machine.ProtocolVersion()
}

// PendingRequests returns the number of requests still waiting for a response.
func (c *Client) PendingRequests() int {
	return c.table.Len()
}

// ToolServerSupported reports whether the server offers tools.
func (c *Client) ToolServerSupported() bool {
	return c.machine.ServerCapabilities().Tools != nil
}

// listenMessages is the only reader of the stream channel and so the only goroutine that
// resolves pending calls.
func (c *Client) listenMessages() {
	defer close(c.listenClosed)

	decodeFailures := 0

	for msg, err := range c.session.Messages() {
		if err != nil {
			decodeFailures++
			c.logger.Warn("failed to decode message",
				slog.String("err", err.Error()),
				slog.Int("consecutiveFailures", decodeFailures))
			// A malformed handshake can't be answered in a meaningful way.
			if c.machine.State() != StateReady || decodeFailures >= c.decodeErrorThreshold {
				c.close(fmt.Errorf("too many malformed messages: %w", err))
				return
			}
			continue
		}
		decodeFailures = 0

		if err := c.machine.Check(msg); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			c.logger.Info("rejected message before handshake",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			if msg.Kind() == KindRequest {
				go c.sendError(msg.ID, CodeSessionNotReady, err.Error())
			}
			continue
		}

		switch msg.Kind() {
		case KindResponse, KindError:
			if err := c.table.Resolve(msg.ID, msg); err != nil {
				c.logger.Error("received response for unknown request",
					slog.Any("id", msg.ID),
					slog.String("err", err.Error()))
				c.close(fmt.Errorf("%w: %v", err, msg.ID))
				return
			}
		case KindRequest:
			go c.handleRequest(msg)
		case KindNotification:
			c.handleNotification(msg)
		}
	}

	c.close(&TransportError{Op: "stream", Err: errors.New("connection closed")})
}

func (c *Client) handleRequest(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodPing:
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()

		res, err := newResult(msg.ID, struct{}{})
		if err != nil {
			c.logger.Error("failed to encode pong", slog.String("err", err.Error()))
			return
		}
		if err := c.send(ctx, res); err != nil {
			c.logger.Error("failed to send pong", slog.String("err", err.Error()))
		}
	default:
		c.sendError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case MethodNotificationsCancelled:
		// The client runs no cancellable work on behalf of the server.
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) pings() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
		}

		if err := c.Ping(context.Background()); err != nil {
			if c.machine.State() == StateClosed {
				return
			}
			failedPings++
			c.logger.Warn("failed to ping server",
				slog.String("err", err.Error()),
				slog.Int("failedPings", failedPings))
			if failedPings > c.pingTimeoutThreshold {
				c.logger.Warn("too many pings failed, closing session")
				c.close(&TransportError{Op: "ping", Err: fmt.Errorf("%d consecutive pings failed", failedPings)})
				return
			}
			continue
		}
		failedPings = 0
	}
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	if c.session == nil {
		return JSONRPCMessage{}, errClientNotConnected
	}

	if err := ctx.Err(); err != nil {
		return JSONRPCMessage{}, contextReason(err)
	}

	msgID := NumberID(c.nextID.Add(1))
	msg, err := newRequest(msgID, method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	// The slot must exist before the request leaves, the response may beat Send's return.
	call, err := c.table.Register(msgID)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	if err := c.send(ctx, msg); err != nil {
		err = contextReason(err)
		c.table.Cancel(msgID, err)
		return JSONRPCMessage{}, err
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, c.readTimeout)
	defer waitCancel()

	res, err := call.Wait(waitCtx)
	if err == nil {
		return res, nil
	}

	// Tell the server to stop working on a request nobody waits for anymore.
	if (errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled)) && method != MethodPing &&
		method != MethodInitialize && c.machine.State() == StateReady {
		nCtx, nCancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer nCancel()
		nErr := c.sendNotification(nCtx, MethodNotificationsCancelled, notificationsCancelledParams{
			RequestID: msgID,
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
		}
	}
	return JSONRPCMessage{}, err
}

// contextReason reports a context error the way a waiting call reports it.
func contextReason(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return err
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

func (c *Client) sendError(id RequestID, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.send(ctx, newErrorResponse(id, code, message, nil)); err != nil {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

// send submits msg. A failure of the submission channel closes the session, since the
// server can no longer be reached reliably.
func (c *Client) send(ctx context.Context, msg JSONRPCMessage) error {
	if err := c.machine.Check(msg); err != nil {
		return err
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	err := c.session.Send(sCtx, msg)
	if err == nil {
		return nil
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		c.logger.Error("transport failed, closing session", slog.String("err", err.Error()))
		c.close(err)
	}
	return err
}

func (c *Client) close(reason error) {
	c.closeOnce.Do(func() {
		c.machine.Close(reason)
		c.table.Close(reason)
		close(c.done)
		if c.session != nil {
			c.session.Stop()
		}
	})
}
