package srv

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeSocket is an in-memory Socket for tests. kill simulates a transport
// that died without telling anyone.
type fakeSocket struct {
	sent   []string
	mu     sync.Mutex
	closed bool
	dead   bool
}

func (f *fakeSocket) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.dead {
		return ErrSocketClosed
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.dead
}

func (f *fakeSocket) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// envelopes decodes everything written to the socket.
func (f *fakeSocket) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Envelope, 0, len(f.sent))
	for _, text := range f.sent {
		var env Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			t.Fatalf("socket received non-envelope %q: %v", text, err)
		}
		out = append(out, env)
	}
	return out
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// eventLog records published events for assertions.
type eventLog struct {
	events []string
	data   []any
	mu     sync.Mutex
}

func (l *eventLog) handler(name string) Handler {
	return func(data any, _ Response) {
		l.mu.Lock()
		l.events = append(l.events, name)
		l.data = append(l.data, data)
		l.mu.Unlock()
	}
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func (l *eventLog) last() (string, any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return "", nil
	}
	return l.events[len(l.events)-1], l.data[len(l.data)-1]
}
