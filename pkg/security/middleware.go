package security

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
)

// errReservationExpired is returned from Hijack when the slot reserved for
// the request was lost before the upgrade.
var errReservationExpired = errors.New("connection reservation expired")

// Limit wraps a WebSocket upgrade handler. A slot is reserved for the client
// IP before next runs, committed when next hijacks the connection, and
// released when next returns. Requests over the limit get 429.
func (cl *ConnectionLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		token := cl.Reserve(ip)
		if token == "" {
			http.Error(w, "429 Too Many Requests: Connection limit exceeded", http.StatusTooManyRequests)
			return
		}

		hw := &hijackCommitter{ResponseWriter: w, limiter: cl, token: token}
		defer hw.release(ip)

		next.ServeHTTP(hw, r)
	})
}

// hijackCommitter commits the reservation at the moment the handler takes
// over the connection.
type hijackCommitter struct {
	http.ResponseWriter
	limiter   *ConnectionLimiter
	token     string
	mu        sync.Mutex
	committed bool
}

func (h *hijackCommitter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.mu.Lock()
	if !h.committed {
		if !h.limiter.CommitReservation(h.token) {
			h.mu.Unlock()
			return nil, nil, errReservationExpired
		}
		h.committed = true
	}
	h.mu.Unlock()

	return http.NewResponseController(h.ResponseWriter).Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (h *hijackCommitter) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}

// release gives the slot back: the connection if committed, otherwise the
// unused reservation.
func (h *hijackCommitter) release(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		h.limiter.Remove(ip)
		return
	}
	h.limiter.CancelReservation(h.token)
}
