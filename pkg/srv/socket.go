package srv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

// Close codes used when the transport does not supply one.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseAbnormal     = 1006
	closeReasonReaped = "watchdog: socket no longer open"
	closeReasonIdle   = "read timeout"
)

var (
	// ErrSocketClosed is returned by Send once a socket is closed or its
	// writer has failed.
	ErrSocketClosed = errors.New("socket closed")

	// ErrSendBufferFull is returned by Send when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Socket is the transport side of a session. Inbound traffic is reported to
// the session through Session.Deliver and Session.Closed.
type Socket interface {
	// Send queues one text frame. It does not wait for the write.
	Send(text string) error
	// Close closes the socket. It is idempotent.
	Close() error
	// Open reports whether frames can still be written.
	Open() bool
}

// frameWriter is the part of a transport connection the queue needs.
type frameWriter interface {
	writeText(text string, timeout time.Duration) error
	ping(timeout time.Duration) error
	close() error
}

// queuedSocket implements Socket over a frameWriter.
//
// Connection management follows the single-writer pattern:
//   - Send only enqueues; run is the ONLY goroutine that writes frames,
//     pings included
//   - A failed write marks the socket not open; with the watchdog enabled the
//     transport stays up until the watchdog notices and closes the session
//   - Close flushes frames queued before it, then closes the transport
//   - mu makes the closed check and the enqueue atomic so Send never races
//     with Close
type queuedSocket struct {
	w            frameWriter
	queue        chan string
	done         chan struct{}
	finished     chan struct{}
	writeTimeout time.Duration
	pingInterval time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       bool
	failed       bool
	// holdOnFailure keeps the transport open after a failed write until
	// Close. Without a watchdog the transport is closed at once so the read
	// loop reports the close instead.
	holdOnFailure bool
}

func newQueuedSocket(w frameWriter, cfg Config) *queuedSocket {
	q := &queuedSocket{
		w:             w,
		queue:         make(chan string, cfg.SendBuffer),
		done:          make(chan struct{}),
		finished:      make(chan struct{}),
		writeTimeout:  cfg.WriteTimeout,
		pingInterval:  cfg.PingInterval,
		holdOnFailure: cfg.PollInterval > 0,
	}
	go q.run()
	return q
}

func (q *queuedSocket) Send(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.failed {
		return ErrSocketClosed
	}
	select {
	case q.queue <- text:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (q *queuedSocket) Open() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && !q.failed
}

func (q *queuedSocket) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

// wait blocks until the writer has flushed and the transport is closed.
func (q *queuedSocket) wait() {
	<-q.finished
}

func (q *queuedSocket) run() {
	defer close(q.finished)
	defer func() {
		if err := q.w.close(); err != nil {
			logger.Debug(context.Background(), "closing transport", logger.Fields{"error": err.Error()})
		}
	}()

	// A nil channel never fires, so pings stay off when disabled.
	var pings <-chan time.Time
	if q.pingInterval > 0 {
		ticker := time.NewTicker(q.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		var err error
		select {
		case text := <-q.queue:
			err = q.w.writeText(text, q.writeTimeout)
		case <-pings:
			err = q.w.ping(q.writeTimeout)
		case <-q.done:
			q.flush()
			return
		}
		if err != nil {
			logger.Warn(context.Background(), "socket write failed", logger.Fields{"error": err.Error()})
			q.mu.Lock()
			q.failed = true
			q.mu.Unlock()
			if q.holdOnFailure {
				<-q.done
			}
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (q *queuedSocket) flush() {
	for {
		select {
		case text := <-q.queue:
			if err := q.w.writeText(text, q.writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}
