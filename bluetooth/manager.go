package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// maxEarlyNotifications bounds notifications buffered while the feature probe runs
const maxEarlyNotifications = 64

var ErrNoLink = errors.New("session has no link")

// Session owns the handler and per-connection state of one peripheral link
type Session struct {
	mu       sync.Mutex
	cfg      *Config
	link     Link
	listener Listener
	log      *zap.Logger
	dispatch *dispatcher
	limiter  *RateLimiter

	conn      *connection
	connected bool
	closed    bool
}

// connection is the state of one physical connection, dropped on disconnect
type connection struct {
	session   *Session
	transport Transport
	writer    *frameWriter
	handler   Handler
	features  Features
	state     NegotiationState
	ready     bool
	probing   bool
	failed    bool
	early     [][]byte
	cancel    context.CancelFunc
	ctx       context.Context
}

// NewSession creates a session. A nil cfg uses DefaultConfig and a nil log discards output.
func NewSession(link Link, cfg *Config, listener Listener, log *zap.Logger) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:      cfg,
		link:     link,
		listener: listener,
		log:      log,
		dispatch: newDispatcher(log.Named("dispatch")),
		limiter:  NewRateLimiter(cfg.RateLimit),
	}
}

// Events returns the sink a Link drives
func (s *Session) Events() LinkEvents {
	return sessionEvents{s}
}

// Connect asks the link to establish a connection
func (s *Session) Connect(ctx context.Context) error {
	if s.link == nil {
		return ErrNoLink
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session closed")
	}
	if err := s.link.Connect(ctx, s.Events()); err != nil {
		err = fmt.Errorf("connect: %w", err)
		s.emitError(err)
		return err
	}
	return nil
}

// Disconnect asks the link to tear the connection down
func (s *Session) Disconnect() error {
	if s.link == nil {
		return ErrNoLink
	}
	return s.link.Disconnect()
}

// Close disconnects and stops delivering callbacks
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.conn != nil {
		s.teardownLocked(nil)
	}
	s.mu.Unlock()

	var err error
	if s.link != nil {
		err = s.link.Disconnect()
	}
	s.dispatch.close()
	return err
}

// Send queues text for the peripheral. It returns false when no connection is
// usable yet or the message cannot be framed.
func (s *Session) Send(text string) bool {
	return s.SendBytes([]byte(text))
}

// SendBytes is Send for opaque payloads
func (s *Session) SendBytes(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conn
	if c == nil || c.handler == nil || c.failed || !s.connected {
		return false
	}
	if err := c.handler.Send(payload); err != nil {
		s.log.Warn("send failed", zap.Error(err), zap.Int("bytes", len(payload)))
		s.emitError(err)
		return false
	}
	return true
}

// Ping sends a ping request on framed connections
func (s *Session) Ping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.failed || !s.connected {
		return false
	}
	framed, ok := s.conn.handler.(*FramedHandler)
	if !ok {
		return false
	}
	framed.Ping()
	return true
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: CONNECTION_STATE_DISCONNECTED}
	c := s.conn
	if c == nil {
		return st
	}
	st.State = CONNECTION_STATE_NEGOTIATING
	if s.connected {
		st.State = CONNECTION_STATE_CONNECTED
	}
	st.Negotiation = c.state.String()
	st.Ready = c.ready
	if c.handler != nil {
		st.Variant = c.handler.Variant()
		st.Features = append([]string(nil), c.features...)
		st.PendingRx = c.handler.Pending()
	}
	return st
}

func (s *Session) handleConnected(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.conn != nil {
		s.log.Warn("new connection replaces an active one")
		s.teardownLocked(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		session:   s,
		transport: t,
		state:     AwaitingFeatureProbe,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.limiter.Reset()
	c.writer = newFrameWriter(t, s.limiter, s.cfg.WriteTimeout, func(err error) {
		s.writeFailed(c, err)
	}, s.log.Named("tx"))
	go c.writer.run(ctx)

	s.conn = c
	s.log.Info("connected", zap.Int("max_write_size", t.MaxWriteSize()))
}

func (s *Session) handleReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conn
	if c == nil {
		s.log.Warn("ready without a connection")
		return
	}
	c.ready = true

	if c.handler != nil {
		c.handler.ConnectionFinalized()
		s.readyLocked()
		return
	}
	if c.probing {
		return
	}
	c.probing = true
	go s.probe(c)
}

func (s *Session) probe(c *connection) {
	features := ProbeFeatures(c.ctx, c.transport, s.cfg.FeatureProbeTimeout, s.log.Named("features"))
	s.featuresResolved(c, features)
}

func (s *Session) featuresResolved(c *connection, features Features) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != c || c.state == FeatureKnown {
		s.log.Debug("ignoring stale feature probe result")
		return
	}

	c.features = features
	c.handler = NewHandler(features, c.writer, c, s.cfg.MaxFrameSize, c.transport.MaxWriteSize(), s.log.Named("handler"))
	c.state = FeatureKnown
	c.handler.ConnectionFinalized()
	s.log.Info("handler selected",
		zap.String("variant", string(c.handler.Variant())),
		zap.Stringer("features", features))

	if c.ready {
		s.readyLocked()
	}

	early := c.early
	c.early = nil
	for _, p := range early {
		c.handler.Receive(p)
	}
}

func (s *Session) handleReceived(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conn
	if c == nil {
		s.log.Debug("dropping notification without a connection", zap.Int("bytes", len(p)))
		return
	}
	if c.handler == nil {
		if len(c.early) >= maxEarlyNotifications {
			s.log.Warn("dropping notification received before handler selection", zap.Int("bytes", len(p)))
			return
		}
		c.early = append(c.early, cloneBytes(p))
		return
	}
	c.handler.Receive(p)
}

func (s *Session) handleDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}
	s.teardownLocked(err)
}

func (s *Session) writeFailed(c *connection, err error) {
	s.mu.Lock()
	if s.conn != c || c.failed {
		s.mu.Unlock()
		return
	}
	c.failed = true
	s.emitError(fmt.Errorf("transport write: %w", err))
	s.mu.Unlock()

	if s.link != nil {
		if derr := s.link.Disconnect(); derr != nil {
			s.log.Warn("disconnect after write failure", zap.Error(derr))
		}
	}
}

// teardownLocked discards the current connection. Must be called with mu held.
func (s *Session) teardownLocked(err error) {
	c := s.conn
	c.cancel()
	s.conn = nil
	if c.handler != nil && c.handler.Pending() > 0 {
		s.log.Debug("discarding partial message", zap.Int("bytes", c.handler.Pending()))
	}

	if err != nil {
		s.log.Warn("disconnected", zap.Error(err))
		s.emitError(err)
	} else {
		s.log.Info("disconnected")
	}
	if s.connected {
		s.connected = false
		if fn := s.listener.OnDisconnected; fn != nil {
			s.dispatch.post(fn)
		}
	}
}

// readyLocked reports a usable session. Must be called with mu held.
func (s *Session) readyLocked() {
	if !s.connected {
		s.connected = true
		if fn := s.listener.OnConnected; fn != nil {
			s.dispatch.post(fn)
		}
	}
	if fn := s.listener.OnReady; fn != nil {
		s.dispatch.post(fn)
	}
}

func (s *Session) emitError(err error) {
	if fn := s.listener.OnError; fn != nil {
		s.dispatch.post(func() { fn(err) })
	}
}

// Message implements Inbox. Called from handler.Receive with mu held.
func (c *connection) Message(msg []byte) {
	if fn := c.session.listener.OnMessage; fn != nil {
		c.session.dispatch.post(func() { fn(msg) })
	}
}

// Ready implements Inbox. Called from handler.Receive with mu held.
func (c *connection) Ready() {
	c.session.readyLocked()
}

type sessionEvents struct {
	s *Session
}

func (e sessionEvents) Connected(t Transport) { e.s.handleConnected(t) }
func (e sessionEvents) Ready() { e.s.handleReady() }
func (e sessionEvents) Received(p []byte) { e.s.handleReceived(p) }
func (e sessionEvents) Disconnected(err error) { e.s.handleDisconnected(err) }
