package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL     string
	maxPayloadSize int64
	logger         *slog.Logger

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done      chan struct{}
	closed    chan struct{}
	closeOnce *sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client that manages server connections
// and bidirectional message handling. It provides real-time communication through SSE for
// server-to-client streaming and HTTP POST for client-to-server messages.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan sseInbound
	logger       *slog.Logger

	done       chan struct{}
	stopOnce   sync.Once
	sendClosed chan struct{}
}

type sseClientSession struct {
	id         string
	messageURL string
	httpClient *http.Client
	logger     *slog.Logger

	inbound chan sseInbound
	cancel  context.CancelFunc

	done       chan struct{}
	stopOnce   sync.Once
	readClosed chan struct{}
}

type sseInbound struct {
	msg JSONRPCMessage
	err error
}

type sseSessionMessage struct {
	sessID string
	in     sseInbound
	routed chan<- error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

var errSSESessionNotFound = errors.New("session not found")

const defaultSSEMaxPayloadSize = 4 << 20

// NewSSEServer creates and initializes a new SSE server that listens for client connections
// at the specified messageURL. The server is immediately operational upon creation with
// initialized internal channels for session and message management. The returned SSEServer
// must be closed using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		maxPayloadSize:   defaultSSEMaxPayloadSize,
		logger:           slog.Default(),
		sessions:         make(chan *sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
		closeOnce:        &sync.Once{},
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "weather-mcp"),
			slog.String("component", "sse-server"),
		)
	}
}

// WithSSEServerMaxPayloadSize limits the size of a message body accepted by HandleMessage.
func WithSSEServerMaxPayloadSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxPayloadSize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "weather-mcp"),
			slog.String("component", "sse-client"),
		)
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server. Use this method to access and
// interact with connected clients through the Session interface.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.routed <- errSSESessionNotFound
					continue
				}

				// Forward the message to the session, the buffer keeps this loop from stalling
				// behind a busy session in the common case.
				select {
				case <-s.done:
					msg.routed <- ErrSessionClosed
					return
				case <-session.done:
					msg.routed <- ErrSessionClosed
				case session.receivedMsgs <- msg.in:
					msg.routed <- nil
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Form an url for the client that can be used to communicate with the server session.
		u, err := url.Parse(s.messageURL)
		if err != nil {
			s.logger.Error("invalid message URL", "err", err)
			return
		}
		q := u.Query()
		q.Set("sessionID", sessID)
		u.RawQuery = q.Encode()

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 16),
			receivedMsgs: make(chan sseInbound, 16),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be fowarded to caller.
		// The channel is unbuffered: once this send returns the session is routable, so the client
		// can't post a message before the loop knows about it.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		defer func() {
			// Notify the main loop that this session is closed.
			select {
			case s.removedSessions <- sessID:
			case <-s.done:
			}
		}()

		// Use the type "endpoint" to indicate the endpoint URL. It's written before the send
		// goroutine starts, so nothing else touches the sse.Session yet.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(u.String())
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE URL", "err", err)
			close(srvSession.sendClosed)
			srvSession.Stop()
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", "err", err)
			close(srvSession.sendClosed)
			srvSession.Stop()
			return
		}

		go srvSession.processSendMessages()

		// Block until the session is stopped or the client goes away, so the connection is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			s.logger.Info("client disconnected", slog.String("sessionID", sessID))
		case <-s.done:
		}
		srvSession.Stop()
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding Session's message stream,
// accessible through the Sessions iterator. Malformed bodies are answered with
// 400 Bad Request and reported to the session as a *DecodeError.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayloadSize))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			s.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		msg, decodeErr := DecodeMessage(body)
		routed := make(chan error, 1)

		// Feed the receivedMessages channel so the Sessions loop can route it to the correct session.
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, in: sseInbound{msg: msg, err: decodeErr}, routed: routed}:
		}

		if err := <-routed; err != nil {
			status := http.StatusGone
			if errors.Is(err, errSSESessionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		if decodeErr != nil {
			s.logger.Warn("failed to decode message", slog.String("err", decodeErr.Error()))
			http.Error(w, decodeErr.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// StartSession establishes the SSE connection and waits for the server to announce the
// endpoint that messages must be posted to. The stream stays open, independently of ctx,
// until the returned Session is stopped or the server closes it.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Tie the connection attempt to ctx without tying the stream lifetime to it.
	connected := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-connected:
		}
	}()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		close(connected)
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		close(connected)
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	sess := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		inbound:    make(chan sseInbound, 16),
		cancel:     cancel,
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}

	endpoints := make(chan string, 1)
	go sess.listenSSEMessages(resp.Body, s.connectURL, s.maxPayloadSize, endpoints)

	select {
	case <-ctx.Done():
		close(connected)
		sess.Stop()
		return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	case endpoint, ok := <-endpoints:
		close(connected)
		if !ok {
			sess.Stop()
			return nil, &TransportError{Op: "connect", Err: errors.New("stream closed before endpoint event")}
		}
		sess.messageURL = endpoint
	}

	sess.id = sessionIDFromEndpoint(sess.messageURL)
	sess.logger = sess.logger.With(slog.String("sessionID", sess.id))

	return sess, nil
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, connectURL string, maxPayload int,
	endpoints chan<- string,
) {
	defer func() {
		body.Close()
		close(s.inbound)
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if maxPayload > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayload,
		}
	}

	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpoints)
		}
	}()

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSent {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			endpoint, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				s.logger.Error("invalid endpoint event", "err", err)
				return
			}
			endpointSent = true
			endpoints <- endpoint
		case "message", "":
			if !endpointSent {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			select {
			case s.inbound <- sseInbound{msg: msg, err: err}:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send submits the message to the server's message endpoint through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "submit", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for {
			select {
			case <-s.done:
				return
			case in, ok := <-s.inbound:
				if !ok {
					return
				}
				if !yield(in.msg, in.err) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.readClosed
}

func (s *sseServerSession) ID() string { return s.id }

// Send pushes the message onto the session's event stream and waits until it is flushed.
func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrSessionClosed
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		if err != nil {
			return &TransportError{Op: "stream", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		for {
			select {
			case in := <-s.receivedMsgs:
				if !yield(in.msg, in.err) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.sendClosed
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}

func resolveEndpoint(connectURL, endpoint string) (string, error) {
	base, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	if u.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	return base.ResolveReference(u).String(), nil
}

func sessionIDFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil {
		if id := u.Query().Get("sessionID"); id != "" {
			return id
		}
	}
	return uuid.New().String()
}
