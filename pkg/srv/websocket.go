package srv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
	"github.com/codeGROOVE-dev/wsbus/pkg/security"
)

// netConn adapts an x/net websocket connection to frameWriter.
type netConn struct {
	ws *websocket.Conn
}

func (c netConn) writeText(text string, timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.ws, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// ping writes a ping control frame. x/net answers the peer's pings and
// discards its pongs inside Receive, so the pong is only seen as bytes read
// by idleConn.
func (c netConn) ping(timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	c.ws.PayloadType = websocket.PingFrame
	_, err := c.ws.Write(nil)
	c.ws.PayloadType = websocket.TextFrame
	if err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

func (c netConn) close() error {
	return c.ws.Close()
}

// ServeHTTP upgrades the request with golang.org/x/net/websocket and runs the
// session until the connection ends. Any Origin is accepted; use the gate to
// restrict clients.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws := websocket.Server{
		Handler: s.handleNet,
		Handshake: func(_ *websocket.Config, _ *http.Request) error {
			return nil
		},
	}
	if s.cfg.ReadTimeout > 0 {
		w = &idleHijacker{ResponseWriter: w, timeout: s.cfg.ReadTimeout}
	}
	ws.ServeHTTP(w, r)
}

// idleHijacker hands x/net a connection that times out reads after a period
// of silence.
type idleHijacker struct {
	http.ResponseWriter
	timeout time.Duration
}

func (h *idleHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(h.ResponseWriter).Hijack()
	if err != nil {
		return nil, nil, err
	}
	ic := &idleConn{Conn: conn, timeout: h.timeout}
	if err := ic.extend(); err != nil {
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	// Keep any bytes net/http read past the request headers.
	var r io.Reader = ic
	if n := brw.Reader.Buffered(); n > 0 {
		pending, _ := brw.Reader.Peek(n) //nolint:errcheck // n bytes are buffered
		r = io.MultiReader(bytes.NewReader(bytes.Clone(pending)), ic)
	}
	return ic, bufio.NewReadWriter(bufio.NewReader(r), bufio.NewWriter(ic)), nil
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (h *idleHijacker) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}

// idleConn pushes its read deadline forward whenever bytes arrive, control
// frames included.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		if derr := c.extend(); derr != nil && err == nil {
			err = derr
		}
	}
	return n, err
}

func (c *idleConn) extend() error {
	return c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
}

// handleNet owns one x/net connection: admission, then the read loop.
func (s *Server) handleNet(ws *websocket.Conn) {
	r := ws.Request()
	ctx := r.Context()
	ws.MaxPayloadBytes = s.cfg.MaxMessageBytes
	if s.cfg.ReadTimeout <= 0 {
		// Hijacked connections keep the http.Server's deadlines.
		if err := ws.SetReadDeadline(time.Time{}); err != nil {
			logger.Debug(ctx, "clearing read deadline", logger.Fields{"error": err.Error()})
		}
	}

	sock := newQueuedSocket(netConn{ws: ws}, s.cfg)
	// The x/net server closes ws when this returns, so let queued frames
	// (the rejection envelope included) drain first.
	defer sock.wait()
	defer sock.Close() //nolint:errcheck // always nil

	sess, err := s.Accept(ctx, sock, NewAdmissionInfo(r))
	if err != nil {
		return
	}

	for {
		var text string
		if err := websocket.Message.Receive(ws, &text); err != nil {
			code, reason := netCloseStatus(err)
			logger.Debug(ctx, "read loop ended", logger.Fields{
				"session_id": sess.ID(),
				"code":       code,
				"reason":     reason,
			})
			sess.Closed(code, reason)
			return
		}
		sess.Deliver(text)
	}
}

// netCloseStatus maps a read error to a close code. x/net does not expose the
// peer's close frame, so a clean EOF is reported as a normal close.
func netCloseStatus(err error) (int, string) {
	if errors.Is(err, io.EOF) {
		return CloseNormal, ""
	}
	if isTimeout(err) {
		return CloseAbnormal, closeReasonIdle
	}
	return CloseAbnormal, err.Error()
}

// isTimeout reports whether err is a read deadline expiring. gorilla replaces
// timeout errors with its own net.Error, so match on the interface.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NewAdmissionInfo snapshots the handshake request for the gate and the
// "connection" event.
func NewAdmissionInfo(r *http.Request) *AdmissionInfo {
	target := r.RequestURI
	if target == "" && r.URL != nil {
		target = r.URL.RequestURI()
	}
	return &AdmissionInfo{
		Headers:     r.Header.Clone(),
		HTTPVersion: fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		// Handshakes carry no body, so the request is complete unless one was declared.
		Complete:   r.ContentLength <= 0,
		URL:        target,
		Params:     ParseQuery(target),
		RemoteAddr: security.ClientIP(r),
	}
}
