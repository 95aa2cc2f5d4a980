package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/relaybus/broker"
	"github.com/c360/relaybus/config"
	"github.com/c360/relaybus/errors"
	"github.com/c360/relaybus/history"
	"github.com/c360/relaybus/metric"
	"github.com/c360/relaybus/pkg/hexid"
	"github.com/c360/relaybus/registry"
	"github.com/c360/relaybus/rpc"
)

// Server accepts websocket connections and dispatches JSON-RPC frames to
// the registry, broker, and history. It implements http.Handler for the
// relay listen surface and broker.Deliverer for the fan-out path.
type Server struct {
	cfg      config.SessionConfig
	upgrader websocket.Upgrader

	registry *registry.Registry
	broker   *broker.Broker
	history  *history.History

	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	sockets map[string]*Socket
	closed  bool

	done   chan struct{}
	beatWG sync.WaitGroup
	connWG sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics wires relay metrics into the session layer.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

// NewServer builds the session layer over its collaborators. The broker's
// deliverer must be set to the returned server before traffic flows.
func NewServer(cfg config.SessionConfig, reg *registry.Registry, brk *broker.Broker, hist *history.History, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		broker:   brk,
		history:  hist,
		logger:   slog.Default(),
		sockets:  make(map[string]*Socket),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAllowedOrigins restricts the upgrade handshake to the given origins.
// An empty list allows every origin.
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) == 0 {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
}

// Start launches the beat loop.
func (s *Server) Start(_ context.Context) error {
	s.beatWG.Add(1)
	go s.beatLoop()
	return nil
}

func (s *Server) beatLoop() {
	defer s.beatWG.Done()
	ticker := time.NewTicker(s.cfg.BeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat terminates sockets that missed the previous ping and challenges the
// rest. A pong flips isAlive back before the next tick.
func (s *Server) beat() {
	for _, sock := range s.snapshot() {
		if !sock.isAlive.Swap(false) {
			s.logger.Info("socket missed beat, terminating", "socket", sock.id)
			sock.close(websocket.CloseGoingAway, "liveness timeout")
			continue
		}
		if err := sock.ping(); err != nil {
			s.logger.Warn("socket ping failed", "socket", sock.id, "error", err)
		}
	}
}

func (s *Server) snapshot() []*Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		out = append(out, sock)
	}
	return out
}

// SocketCount returns the number of live sockets.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// ServeHTTP upgrades the request and runs the socket's read loop until the
// connection dies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sock, err := newSocket(conn, s.cfg.OutboundQueueSize, s.cfg.WriteTimeout, s.logger)
	if err != nil {
		s.logger.Error("failed to build socket", "error", err)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.close(websocket.CloseServiceRestart, "server shutting down")
		return
	}
	s.sockets[sock.id] = sock
	s.mu.Unlock()
	s.connWG.Add(1)

	if s.metrics != nil {
		s.metrics.RecordSocketOpened()
	}
	s.logger.Info("socket opened", "socket", sock.id, "remote", r.RemoteAddr)

	conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	conn.SetPongHandler(func(string) error {
		sock.isAlive.Store(true)
		return nil
	})

	go sock.writePump()
	readErr := s.readLoop(sock)
	s.teardown(sock, readErr)
}

func (s *Server) readLoop(sock *Socket) error {
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if stderrors.Is(err, websocket.ErrReadLimit) {
				sock.close(websocket.CloseMessageTooBig, "frame exceeds payload limit")
			}
			return err
		}
		s.handleFrame(context.Background(), sock, data)
	}
}

func (s *Server) teardown(sock *Socket, readErr error) {
	sock.close(websocket.CloseNormalClosure, "")

	ctx := context.Background()
	s.registry.OnClose(ctx, sock.id)
	s.broker.OnSocketClosed(sock.id)

	s.mu.Lock()
	delete(s.sockets, sock.id)
	s.mu.Unlock()
	s.connWG.Done()

	if s.metrics != nil {
		s.metrics.RecordSocketClosed(closeCodeLabel(sock, readErr))
	}
	s.logger.Info("socket closed", "socket", sock.id, "error", readErr)
}

func closeCodeLabel(sock *Socket, readErr error) string {
	if code := sock.CloseCode(); code != 0 && code != websocket.CloseNormalClosure {
		return strconv.Itoa(code)
	}
	var ce *websocket.CloseError
	if stderrors.As(readErr, &ce) {
		return strconv.Itoa(ce.Code)
	}
	if code := sock.CloseCode(); code != 0 {
		return strconv.Itoa(code)
	}
	return "abnormal"
}

// handleFrame decodes one inbound frame and dispatches it. Parse failures
// answer with a JSON-RPC error and keep the socket open.
func (s *Server) handleFrame(ctx context.Context, sock *Socket, data []byte) {
	frame, rpcErr := rpc.ParseFrame(data)
	if rpcErr != nil {
		s.respond(sock, rpc.NewErrorResponse(nil, rpcErr))
		return
	}

	if frame.Request != nil {
		s.handleRequest(ctx, sock, frame.Request)
		return
	}
	s.handleResponse(ctx, sock, frame.Response)
}

func (s *Server) handleRequest(ctx context.Context, sock *Socket, req *rpc.Request) {
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(req.Method)
	}

	var (
		result any
		rpcErr *rpc.Error
	)
	switch req.Method {
	case rpc.MethodPublish:
		result, rpcErr = s.handlePublish(ctx, sock, req)
	case rpc.MethodSubscribe:
		result, rpcErr = s.handleSubscribe(ctx, sock, req)
	case rpc.MethodUnsubscribe:
		result, rpcErr = s.handleUnsubscribe(ctx, sock, req)
	case rpc.MethodAck:
		result, rpcErr = s.handleAck(ctx, sock, req)
	default:
		rpcErr = rpc.NewError(rpc.CodeMethodNotFound, "method not found: "+req.Method)
	}

	if len(req.ID) == 0 {
		return
	}
	if rpcErr != nil {
		s.respond(sock, rpc.NewErrorResponse(req.ID, rpcErr))
		return
	}
	resp, err := rpc.NewResponse(req.ID, result)
	if err != nil {
		s.logger.Error("failed to encode response", "method", req.Method, "error", err)
		return
	}
	s.respond(sock, resp)
}

func (s *Server) handlePublish(ctx context.Context, sock *Socket, req *rpc.Request) (any, *rpc.Error) {
	var p rpc.PublishParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid publish params")
	}
	if !hexid.Valid(p.Topic) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid topic")
	}
	if p.Message == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "empty message")
	}

	ttl := time.Duration(p.TTL) * time.Second
	if _, err := s.broker.Publish(ctx, sock.id, p.Topic, []byte(p.Message), ttl); err != nil {
		if stderrors.Is(err, errors.ErrBrokerUnavailable) {
			return nil, rpc.NewError(rpc.CodeServerError, "broker unavailable")
		}
		s.logger.Error("publish failed", "socket", sock.id, "topic", p.Topic, "error", err)
		return nil, rpc.NewError(rpc.CodeServerError, "publish failed")
	}
	return true, nil
}

func (s *Server) handleSubscribe(ctx context.Context, sock *Socket, req *rpc.Request) (any, *rpc.Error) {
	var p rpc.SubscribeParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid subscribe params")
	}
	if !hexid.Valid(p.Topic) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid topic")
	}

	subID, err := s.broker.Subscribe(ctx, sock.id, p.Topic)
	if err != nil {
		s.logger.Error("subscribe failed", "socket", sock.id, "topic", p.Topic, "error", err)
		return nil, rpc.NewError(rpc.CodeServerError, "subscribe failed")
	}
	return subID, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, sock *Socket, req *rpc.Request) (any, *rpc.Error) {
	var p rpc.UnsubscribeParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid unsubscribe params")
	}
	s.registry.Unsubscribe(ctx, sock.id, p.ID)
	return true, nil
}

func (s *Server) handleAck(ctx context.Context, sock *Socket, req *rpc.Request) (any, *rpc.Error) {
	var p rpc.AckParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid ack params")
	}
	if !hexid.Valid(p.Topic) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "invalid topic")
	}
	if err := s.broker.Acknowledge(ctx, sock.id, p.Topic, p.MessageHash); err != nil {
		s.logger.Warn("ack failed", "socket", sock.id, "topic", p.Topic, "error", err)
		return nil, rpc.NewError(rpc.CodeServerError, "ack failed")
	}
	return true, nil
}

// handleResponse routes a peer's answer to the history. Responses to
// unknown ids are dropped.
func (s *Server) handleResponse(ctx context.Context, sock *Socket, resp *rpc.Response) {
	id := history.IDKey(resp.ID)
	if id == "" {
		return
	}
	topic, ok, err := s.history.TopicFor(ctx, id)
	if err != nil || !ok {
		return
	}
	if err := s.history.Update(ctx, topic, resp); err != nil {
		s.logger.Warn("history update failed", "socket", sock.id, "id", id, "error", err)
	}
}

func (s *Server) respond(sock *Socket, resp *rpc.Response) {
	data, err := resp.Encode()
	if err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		return
	}
	s.enqueue(sock, data)
}

func (s *Server) enqueue(sock *Socket, data []byte) bool {
	if err := sock.Enqueue(data); err != nil {
		if s.metrics != nil {
			s.metrics.RecordOutboundDropped()
		}
		s.logger.Warn("outbound queue full, closing socket", "socket", sock.id)
		sock.close(websocket.CloseTryAgainLater, "outbound queue full")
		return false
	}
	return true
}

// Deliver implements broker.Deliverer: it wraps the payload in a
// relay_subscription request, logs it to the history, and enqueues it on
// the target socket.
func (s *Server) Deliver(ctx context.Context, socketID string, msg broker.Delivery) error {
	s.mu.Lock()
	sock, ok := s.sockets[socketID]
	s.mu.Unlock()
	if !ok {
		return errors.WrapTransient(errors.ErrNoConnection, "Server", "Deliver", "socket "+socketID)
	}

	subID := s.registry.SubscriptionsForSocket(socketID)[msg.Topic]
	if subID == "" {
		return errors.WrapTransient(stderrors.New("no subscription for topic"), "Server", "Deliver", "resolve subscription")
	}

	req, err := rpc.NewRequest(rpc.MethodSubscription, rpc.SubscriptionParams{
		ID: subID,
		Data: rpc.SubscriptionData{
			Topic:       msg.Topic,
			Message:     string(msg.Payload),
			MessageHash: msg.MessageHash,
		},
	})
	if err != nil {
		return errors.WrapInvalid(err, "Server", "Deliver", "build subscription request")
	}

	if err := s.history.Set(ctx, msg.Topic, req); err != nil && !stderrors.Is(err, history.ErrRecordAlreadyExists) {
		s.logger.Warn("history set failed", "socket", socketID, "topic", msg.Topic, "error", err)
	}

	data, err := req.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "Server", "Deliver", "encode subscription request")
	}
	if !s.enqueue(sock, data) {
		return errors.WrapTransient(errors.ErrQueueFull, "Server", "Deliver", "socket "+socketID)
	}
	if s.metrics != nil {
		s.metrics.RecordMessageDelivered()
	}
	return nil
}

// Close stops the beat loop, closes every socket with a restart code, and
// waits for their read loops within the shutdown grace window.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.beatWG.Wait()

	for _, sock := range s.snapshot() {
		sock.close(websocket.CloseServiceRestart, "server shutting down")
	}

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-drained:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace expired with sockets still open")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func unmarshalParams(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Server", "unmarshalParams", "missing params")
	}
	return json.Unmarshal(raw, v)
}
