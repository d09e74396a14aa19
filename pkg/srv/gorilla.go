package srv

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

// gorillaConn adapts a gorilla websocket connection to frameWriter.
type gorillaConn struct {
	conn *websocket.Conn
}

func (c gorillaConn) writeText(text string, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c gorillaConn) ping(timeout time.Duration) error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

func (c gorillaConn) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// Best effort; the peer may already be gone.
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // best effort
	return c.conn.Close()
}

// GorillaHandler returns a handler that upgrades with gorilla/websocket instead
// of x/net. A nil upgrader accepts any Origin.
func (s *Server) GorillaHandler(upgrader *websocket.Upgrader) http.Handler {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info := NewAdmissionInfo(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			logger.Warn(ctx, "websocket upgrade failed", logger.Fields{
				"ip":    info.RemoteAddr,
				"error": err.Error(),
			})
			return
		}
		conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))

		sock := newQueuedSocket(gorillaConn{conn: conn}, s.cfg)
		defer sock.wait()
		defer sock.Close() //nolint:errcheck // always nil

		// Any message or pong proves the peer is alive. Without a timeout,
		// clear whatever deadline the http.Server left on the connection.
		extend := func() error { return nil }
		deadline := time.Time{}
		if s.cfg.ReadTimeout > 0 {
			extend = func() error {
				return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			conn.SetPongHandler(func(string) error { return extend() })
			deadline = time.Now().Add(s.cfg.ReadTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Warn(ctx, "failed to set read deadline", logger.Fields{"ip": info.RemoteAddr, "error": err.Error()})
			return
		}

		sess, err := s.Accept(ctx, sock, info)
		if err != nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err == nil {
				err = extend()
			}
			if err != nil {
				code, reason := gorillaCloseStatus(err)
				sess.Closed(code, reason)
				return
			}
			sess.Deliver(string(data))
		}
	})
}

// gorillaCloseStatus extracts the peer's close code and reason when present.
func gorillaCloseStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if isTimeout(err) {
		return CloseAbnormal, closeReasonIdle
	}
	return CloseAbnormal, err.Error()
}
