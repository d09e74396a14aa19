package srv

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

// State is the lifecycle position of a session.
type State int32

// Session states. Pending sessions are awaiting admission; only Open sessions
// are in the registry; Closed is terminal.
const (
	StatePending State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AdmissionInfo is the handshake snapshot given to the gate and carried by
// the "connection" event.
type AdmissionInfo struct {
	Headers     http.Header       `json:"headers"`
	Params      map[string]string `json:"params"`
	HTTPVersion string            `json:"http_version"`
	URL         string            `json:"url"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Complete    bool              `json:"complete"`
}

// ConnectionInfo is the payload of the "connection" event.
type ConnectionInfo struct {
	*AdmissionInfo

	ID string `json:"id"`
}

// Session is one admitted connection. It exclusively owns its socket.
//
// Cleanup coordination:
//
//	Two paths can end a session concurrently:
//	  1. The transport read loop calls Closed when the peer goes away
//	  2. The watchdog polls Socket.Open and closes a socket that died silently
//	Server.Disconnect and Server.Shutdown take the same route as (1).
//
//	finish settles the race with a CompareAndSwap from Open to Closing, so
//	exactly one path removes the session and publishes "close". The loser
//	returns without side effects.
type Session struct {
	ctx    context.Context //nolint:containedctx // logging context of the handshake
	socket Socket
	srv    *Server
	info   *AdmissionInfo
	done   chan struct{}
	id     string
	state  atomic.Int32
	// deliverMu keeps one session's events in receive order.
	deliverMu sync.Mutex
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// Info returns the admission snapshot the session was accepted with.
func (s *Session) Info() *AdmissionInfo {
	return s.info
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Deliver dispatches one raw inbound message. Messages arriving after the
// session left the Open state are dropped.
func (s *Session) Deliver(text string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.State() != StateOpen {
		return
	}
	s.srv.dispatch(s.ctx, s, text)
}

// Closed reports that the transport closed. Only the first close of a session
// has any effect.
func (s *Session) Closed(code int, reason string) {
	s.finish(code, reason, closedByTransport)
}

// finish moves the session to Closed, and, if it was Open, removes it from
// the registry and publishes "close". It reports whether this call did so.
func (s *Session) finish(code int, reason, path string) bool {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		// Never admitted: nothing was registered or announced.
		s.state.CompareAndSwap(int32(StatePending), int32(StateClosed))
		return false
	}

	close(s.done)
	s.srv.registry.remove(s.id)
	_ = s.socket.Close() //nolint:errcheck // idempotent, nothing to report

	info := CloseInfo{
		ID:       s.id,
		Code:     code,
		Reason:   reason,
		ClosedAt: time.Now(),
	}
	s.srv.tombstones.record(s.ctx, info)
	s.state.Store(int32(StateClosed))
	s.srv.metrics.closed(path)

	logger.Info(s.ctx, "session closed", logger.Fields{
		"session_id":     s.id,
		"code":           code,
		"reason":         reason,
		"path":           path,
		"total_sessions": s.srv.registry.len(),
	})

	s.srv.bus.Publish(s.ctx, EventClose, &info, Response{srv: s.srv, id: s.id})
	return true
}

// watch is the polling watchdog. It stops at the first close, whichever path
// caused it, and fires at most once.
func (s *Session) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.socket.Open() {
				continue
			}
			if s.finish(CloseAbnormal, closeReasonReaped, closedByWatchdog) {
				logger.Warn(s.ctx, "watchdog reaped dead session", logger.Fields{"session_id": s.id})
			}
			return
		}
	}
}
