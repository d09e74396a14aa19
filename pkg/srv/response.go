package srv

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

var (
	// ErrUnknownSession is returned when sending to an ID that is not, and
	// has not recently been, a live session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionClosed is returned when sending to a session that has closed.
	ErrSessionClosed = errors.New("session closed")
)

// Response lets a handler answer the session an event came from or fan out
// to other sessions. It is a small value bound to one session ID; build a new
// one rather than keeping it past the handler call.
type Response struct {
	srv *Server
	id  string
}

// ID returns the session this response is bound to.
func (r Response) ID() string {
	return r.id
}

// Send writes an envelope to the bound session only.
func (r Response) Send(event string, data any) error {
	if r.srv == nil {
		return ErrUnknownSession
	}
	return r.srv.sendTo(r.id, event, data)
}

// Broadcast writes an envelope to every open session, the bound one included.
// It returns the number of sessions the envelope was queued to.
func (r Response) Broadcast(event string, data any) int {
	if r.srv == nil {
		return 0
	}
	return r.srv.fanOut(event, data, "")
}

// BroadcastOthers is Broadcast without the bound session.
func (r Response) BroadcastOthers(event string, data any) int {
	if r.srv == nil {
		return 0
	}
	return r.srv.fanOut(event, data, r.id)
}

// sendTo queues one envelope to the session holding id.
func (s *Server) sendTo(id, event string, data any) error {
	sess, ok := s.registry.get(id)
	if !ok {
		if _, closed := s.tombstones.lookup(id); closed {
			return fmt.Errorf("send %q to %s: %w", event, id, ErrSessionClosed)
		}
		return fmt.Errorf("send %q to %s: %w", event, id, ErrUnknownSession)
	}
	if sess.State() != StateOpen || !sess.socket.Open() {
		return fmt.Errorf("send %q to %s: %w", event, id, ErrSessionClosed)
	}

	text, err := Encode(event, data)
	if err != nil {
		return err
	}
	if err := sess.socket.Send(string(text)); err != nil {
		s.metrics.sent(false)
		return fmt.Errorf("send %q to %s: %w", event, id, err)
	}
	s.metrics.sent(true)
	return nil
}

// fanOut encodes once and queues the envelope to every open session except
// the one holding exclude. Sessions that closed meanwhile, or whose queue
// rejects the frame, are skipped.
func (s *Server) fanOut(event string, data any, exclude string) int {
	text, err := Encode(event, data)
	if err != nil {
		logger.Error(context.Background(), "broadcast dropped: payload not encodable", err, logger.Fields{"event": event})
		return 0
	}
	frame := string(text)

	delivered := 0
	for _, sess := range s.registry.snapshot() {
		if sess.id == exclude || sess.State() != StateOpen || !sess.socket.Open() {
			continue
		}
		if err := sess.socket.Send(frame); err != nil {
			s.metrics.sent(false)
			continue
		}
		s.metrics.sent(true)
		delivered++
	}
	return delivered
}
