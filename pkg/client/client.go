// Package client is a Go client for the event bus. It dials a bus endpoint,
// dispatches inbound {event, data} envelopes to handlers registered with On,
// sends envelopes with Emit, and reconnects with jittered backoff when the
// connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/wsbus/pkg/srv"
)

// RejectedError is returned when the server's admission gate refused the
// connection. It is never retried.
type RejectedError struct {
	message string
}

func (e *RejectedError) Error() string {
	return e.message
}

var (
	// ErrNotConnected is returned by Emit while no connection is up.
	ErrNotConnected = errors.New("not connected")

	// ErrWriteBufferFull is returned by Emit when outbound messages are not
	// draining.
	ErrWriteBufferFull = errors.New("write buffer full")
)

const (
	// Version is the client library version.
	Version = "v0.1.0"

	// UI constants for logging.
	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

	// Read timeout for WebSocket operations. A timeout only re-checks for
	// shutdown; the connection is kept.
	readTimeout = 90 * time.Second

	// Write channel buffer size.
	writeChannelBuffer = 64

	// rejectedEvent is the envelope a gate-refused connection receives.
	rejectedEvent = "connected"
)

// Handler receives the data of one event. data is nil when the envelope
// carried none.
type Handler func(data json.RawMessage)

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnDisconnect func(error)
	OnConnect    func()
	// OnEvent, when set, sees every event before the registered handlers.
	OnEvent   func(event string, data json.RawMessage)
	Header    http.Header
	ServerURL string
	// UserAgent is sent on the handshake, e.g. "myapp/v1.0.0".
	UserAgent  string
	MaxBackoff time.Duration
	MaxRetries int
	Verbose    bool
	// NoReconnect makes Start return after the first connection ends.
	NoReconnect bool
}

// Client is a bus connection with automatic reconnection.
//
// Connection management:
//   - Read loop (readEvents) receives all messages from server
//   - Write channel (writeCh) serializes all writes through one goroutine
//   - Emit only enqueues; it fails fast while disconnected
//
//nolint:govet // Field alignment optimization would reduce readability
type Client struct {
	mu         sync.RWMutex
	config     Config
	logger     *slog.Logger
	ws         *websocket.Conn
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	stopOnce   sync.Once  // Ensures Stop() is only executed once
	writeCh    chan []byte // nil while disconnected
	eventCount int
	retries    int

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
}

// New creates a new client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if !strings.HasPrefix(config.ServerURL, "ws://") && !strings.HasPrefix(config.ServerURL, "wss://") {
		return nil, fmt.Errorf("serverURL must use ws:// or wss://, got %q", config.ServerURL)
	}

	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}
	if config.UserAgent == "" {
		config.UserAgent = "wsbus-client/" + Version
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config:    config,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		logger:    logger,
		handlers:  make(map[string][]Handler),
	}, nil
}

// On registers h for event. Handlers run on the read goroutine, in
// registration order, so they should not block.
func (c *Client) On(event string, h Handler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlersMu.Unlock()
}

// Emit sends one envelope on the current connection. It does not wait for
// the write.
func (c *Client) Emit(event string, data any) error {
	b, err := srv.Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.writeCh == nil {
		return ErrNotConnected
	}
	select {
	case c.writeCh <- b:
		return nil
	default:
		return ErrWriteBufferFull
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeCh != nil
}

// Start connects and keeps reconnecting until ctx ends, Stop is called, the
// server rejects the client, or MaxRetries is exhausted.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			//nolint:gosec // Retry count will not overflow in practice
			c.retries = int(n) + 1
			events := c.eventCount
			c.mu.Unlock()

			c.logger.Warn(separatorLine)
			c.logger.Warn("WebSocket CONNECTION LOST!", "error", err, "events_received", events, "attempt", n+1)
			c.logger.Warn(separatorLine)

			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(error) bool {
			if c.config.NoReconnect {
				return false
			}

			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}

	if c.config.MaxRetries > 0 {
		//nolint:gosec // MaxRetries is a user-configured value, overflow not a concern
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	var rejected *RejectedError
	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			c.logger.Info("Client context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			c.logger.Info("Client stop requested")
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()

		if n == 0 {
			c.logger.Info("CONNECTING to bus", "url", c.config.ServerURL)
		} else {
			c.logger.Info("RECONNECTING to bus", "url", c.config.ServerURL, "attempt", n)
		}

		err := c.connect(ctx)
		if err == nil {
			// The server closed cleanly; keep the connection alive unless told otherwise.
			err = errors.New("connection closed by server")
		}
		if errors.As(err, &rejected) {
			c.logger.Error(separatorLine)
			c.logger.Error("CONNECTION REJECTED BY SERVER!", "error", err)
			c.logger.Error(separatorLine)
			return retry.Unrecoverable(err)
		}
		return err
	}, retryOpts...)
	if rejected != nil {
		return rejected
	}
	return err
}

// Stop gracefully stops the client.
// Safe to call multiple times - only the first call will take effect.
// Also safe to call before Start() or if Start() was never called.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.ws != nil {
			if closeErr := c.ws.Close(); closeErr != nil {
				c.logger.Error("Error closing websocket on shutdown", "error", closeErr)
			}
		}
		c.mu.Unlock()

		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
			// Start() was never called or hasn't started yet - that's ok
		}
	})
}

// connect runs one connection until it ends.
func (c *Client) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("config: %w", err))
	}

	wsConfig.Header = make(http.Header)
	maps.Copy(wsConfig.Header, c.config.Header)
	wsConfig.Header.Set("User-Agent", c.config.UserAgent)

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.logger.Info("WebSocket ESTABLISHED", "url", c.config.ServerURL)

	writeCh := make(chan []byte, writeChannelBuffer)
	c.mu.Lock()
	c.ws = ws
	c.writeCh = writeCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.writeCh = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("Failed to close websocket cleanly", "error", err)
		}
		c.logger.Info("WebSocket CLOSED", "url", c.config.ServerURL)
	}()

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	// Start write pump - this is the ONLY goroutine that writes to the websocket
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- c.writePump(writeCtx, ws, writeCh)
	}()

	readErr := c.readEvents(ctx, ws)

	cancelWrite()
	writeErr := <-writeDone

	if readErr != nil {
		return readErr
	}
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		return writeErr
	}
	return nil
}

// writePump is the ONLY goroutine that writes to the websocket.
// All writes must go through writeCh to prevent concurrent writes.
func (*Client) writePump(ctx context.Context, ws *websocket.Conn, writeCh <-chan []byte) error {
	const writeTimeout = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-writeCh:
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.Message.Send(ws, string(msg)); err != nil {
				// Unblock the reader so the connection is torn down.
				_ = ws.Close() //nolint:errcheck // already failing
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// readEvents reads envelopes until the connection ends. A clean close by the
// server returns nil.
func (c *Client) readEvents(ctx context.Context, ws *websocket.Conn) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("readEvents: context cancelled, shutting down")
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}

		var text string
		if err := websocket.Message.Receive(ws, &text); err != nil {
			if strings.Contains(err.Error(), "i/o timeout") {
				continue
			}
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("Server closed the connection")
				return nil
			}
			c.logger.Error(separatorLine)
			c.logger.Error("Lost connection while reading!", "error", err)
			c.logger.Error(separatorLine)
			return fmt.Errorf("read: %w", err)
		}

		event, data, ok := srv.Decode(text)
		if !ok {
			c.logger.Warn("Ignoring message that is not an envelope", "message", text)
			continue
		}
		raw, _ := data.(json.RawMessage) //nolint:errcheck // nil data stays nil

		if first && isRejection(event, raw) {
			return &RejectedError{message: "connection rejected by server admission gate"}
		}
		first = false

		c.mu.Lock()
		c.eventCount++
		n := c.eventCount
		c.retries = 0
		c.mu.Unlock()

		if c.config.Verbose {
			c.logger.Info("Event received", "event_number", n, "event", event, "data", string(raw))
		}
		c.dispatch(event, raw)
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(event, data)
	}

	c.handlersMu.RLock()
	handlers := c.handlers[event]
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}

// isRejection reports whether an envelope is the gate's rejection notice.
func isRejection(event string, data json.RawMessage) bool {
	if event != rejectedEvent || data == nil {
		return false
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return body.Error == "rejected"
}
