// Package srv provides a WebSocket event bus: it admits connections through an
// optional gate, gives each an identity, dispatches inbound {event, data}
// envelopes to named handlers, and lets handlers reply to one connection or
// fan out to all of them.
package srv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

const (
	defaultPollInterval    = 1 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultSendBuffer      = 256
	defaultMaxMessageBytes = 1 << 20 // 1MB
	defaultPingInterval    = 54 * time.Second
	defaultReadTimeout     = 90 * time.Second // Must be > PingInterval + response time to avoid false timeouts
)

var (
	// ErrRejected is returned by Accept when the gate refuses a connection.
	ErrRejected = errors.New("connection rejected")

	// ErrServerClosed is returned by Accept after Shutdown.
	ErrServerClosed = errors.New("server closed")

	// errNoIdentity means every drawn ID collided with a live session.
	errNoIdentity = errors.New("no free session identity")
)

// Gate decides whether a connection is admitted. It is called exactly once
// per connection attempt, before the session is registered.
type Gate func(info *AdmissionInfo) bool

// Config holds Server options. Zero values select the defaults.
type Config struct {
	// Metrics registers the server collectors when non-nil.
	Metrics prometheus.Registerer
	// NewID generates session identities. Defaults to NewID.
	NewID IDGenerator
	// MalformedEvent, when set, is the event that inbound messages which are
	// not envelopes are published under, with the raw text as data. When
	// empty the raw text itself is the event name and data is nil.
	MalformedEvent string
	// PollInterval is the watchdog period. Negative disables polling and
	// relies on the transport reporting closes.
	PollInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval is how often the transport sends a ping control frame.
	// Negative disables pings.
	PingInterval time.Duration
	// ReadTimeout closes a connection from which nothing, pongs included,
	// has been read for this long. Negative disables it.
	ReadTimeout time.Duration
	// TombstoneTTL is how long closed session IDs are remembered.
	TombstoneTTL time.Duration
	// SendBuffer is the per-socket outbound queue length.
	SendBuffer int
	// MaxMessageBytes caps inbound frames.
	MaxMessageBytes int
	// TombstoneSize caps how many closed session IDs are remembered.
	TombstoneSize int
}

func (c Config) withDefaults() Config {
	if c.NewID == nil {
		c.NewID = NewID
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = defaultTombstoneTTL
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.TombstoneSize <= 0 {
		c.TombstoneSize = defaultTombstoneSize
	}
	return c
}

// Server owns the registry, the bus and the gate for one listener. Servers
// share no state, so several can run in one process.
type Server struct {
	gate       Gate
	bus        *Bus
	registry   *registry
	tombstones *tombstones
	metrics    *Metrics
	cfg        Config
	mu         sync.RWMutex
	closed     atomic.Bool
}

// New creates a server.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	metrics := NewMetrics(cfg.Metrics)

	bus := NewBus()
	bus.metrics = metrics

	return &Server{
		cfg:        cfg,
		bus:        bus,
		registry:   newRegistry(),
		tombstones: newTombstones(cfg.TombstoneSize, cfg.TombstoneTTL),
		metrics:    metrics,
	}
}

// On subscribes h to event. Use the returned Subscription to unsubscribe.
func (s *Server) On(event string, h Handler) *Subscription {
	return s.bus.On(event, h)
}

// Off removes every handler of event.
func (s *Server) Off(event string) {
	s.bus.Off(event)
}

// SetGate installs the admission predicate. nil admits every connection.
func (s *Server) SetGate(g Gate) {
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
}

// Count returns the number of open sessions.
func (s *Server) Count() int {
	return s.registry.len()
}

// Conn returns a Response bound to the open session id.
func (s *Server) Conn(id string) (Response, bool) {
	if _, ok := s.registry.get(id); !ok {
		return Response{}, false
	}
	return Response{srv: s, id: id}, true
}

// Broadcast writes an envelope to every open session and returns how many it
// was queued to.
func (s *Server) Broadcast(event string, data any) int {
	return s.fanOut(event, data, "")
}

// LastClose reports how a recently closed session ended.
func (s *Server) LastClose(id string) (CloseInfo, bool) {
	return s.tombstones.lookup(id)
}

// Accept runs admission for a new socket. On success the session is open,
// registered, and "connection" has been published; the caller must then feed
// inbound messages to Deliver and report the end of the transport to Closed.
// On rejection the rejection envelope is queued, the socket is closed, and
// ErrRejected is returned.
func (s *Server) Accept(ctx context.Context, sock Socket, info *AdmissionInfo) (*Session, error) {
	if info == nil {
		info = &AdmissionInfo{Params: map[string]string{}}
	}
	ctx = context.WithoutCancel(ctx)

	if s.closed.Load() {
		_ = sock.Close() //nolint:errcheck // nothing to report
		return nil, ErrServerClosed
	}

	sess := &Session{
		ctx:    ctx,
		socket: sock,
		srv:    s,
		info:   info,
		done:   make(chan struct{}),
	}

	if !s.admit(ctx, info) {
		s.reject(ctx, sess)
		return nil, ErrRejected
	}

	id, ok := s.nextSessionID()
	if !ok {
		logger.Error(ctx, "could not assign session identity", errNoIdentity, logger.Fields{"ip": info.RemoteAddr})
		s.reject(ctx, sess)
		return nil, errNoIdentity
	}
	sess.id = id
	sess.state.Store(int32(StateOpen))
	s.registry.insert(id, sess)
	s.metrics.admitted()

	logger.Info(ctx, "session registered", logger.Fields{
		"session_id":     id,
		"ip":             info.RemoteAddr,
		"url":            info.URL,
		"total_sessions": s.registry.len(),
	})

	s.bus.Publish(ctx, EventConnection, &ConnectionInfo{AdmissionInfo: info, ID: id}, Response{srv: s, id: id})

	// Shutdown may have taken its snapshot before the insert above.
	if s.closed.Load() {
		s.disconnect(id, CloseGoingAway, "server shutting down")
		return nil, ErrServerClosed
	}

	// Started after "connection" so a close can never be announced first.
	if s.cfg.PollInterval > 0 {
		go sess.watch(s.cfg.PollInterval)
	}
	return sess, nil
}

// admit evaluates the gate. A panicking gate counts as a rejection.
func (s *Server) admit(ctx context.Context, info *AdmissionInfo) (ok bool) {
	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()

	if gate == nil {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "admission gate panicked", fmt.Errorf("panic: %v", r), logger.Fields{"ip": info.RemoteAddr})
			ok = false
		}
	}()
	return gate(info)
}

// reject sends the rejection envelope once and closes the socket.
func (s *Server) reject(ctx context.Context, sess *Session) {
	s.metrics.rejected()
	if err := sess.socket.Send(rejectionEnvelope()); err != nil {
		logger.Warn(ctx, "failed to send rejection", logger.Fields{"error": err.Error(), "ip": sess.info.RemoteAddr})
	}
	_ = sess.socket.Close() //nolint:errcheck // idempotent
	sess.state.Store(int32(StateClosed))

	logger.Warn(ctx, "connection rejected by admission gate", logger.Fields{
		"ip":  sess.info.RemoteAddr,
		"url": sess.info.URL,
	})
}

// dispatch decodes one inbound message and publishes it for sess.
func (s *Server) dispatch(ctx context.Context, sess *Session, text string) {
	event, data, ok := Decode(text)
	if !ok {
		s.metrics.malformedMessage()
		if s.cfg.MalformedEvent != "" {
			event, data = s.cfg.MalformedEvent, text
		} else {
			event, data = text, nil
		}
	}

	// Lifecycle events are only ever published by the server.
	if event == EventConnection || event == EventClose {
		logger.Warn(ctx, "dropping client message named after a lifecycle event", logger.Fields{
			"session_id": sess.id,
			"event":      event,
		})
		return
	}

	if n := s.bus.Publish(ctx, event, data, Response{srv: s, id: sess.id}); n == 0 {
		logger.Debug(ctx, "no handlers for event", logger.Fields{
			"session_id": sess.id,
			"event":      event,
		})
	}
}

// Disconnect closes the session id with a normal close code. Unknown IDs are
// ignored.
func (s *Server) Disconnect(id string) {
	s.disconnect(id, CloseNormal, "disconnected by server")
}

func (s *Server) disconnect(id string, code int, reason string) {
	sess, ok := s.registry.get(id)
	if !ok {
		return
	}
	sess.finish(code, reason, closedByServer)
}

// Shutdown refuses new connections and closes every open session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)

	sessions := s.registry.snapshot()
	logger.Info(ctx, "server shutdown: closing sessions", logger.Fields{"session_count": len(sessions)})

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.disconnect(sess.id, CloseGoingAway, "server shutting down")
	}
	return nil
}
