package srv

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

// Handler is invoked for every published event it is subscribed to. data is
// the event payload: a json.RawMessage (or nil) for client events,
// *ConnectionInfo for "connection" and *CloseInfo for "close". res is bound to
// the session the event belongs to and must not be retained after return.
type Handler func(data any, res Response)

// subscriber is one registration. removed is set before the entry leaves the
// list so an in-flight publish holding an older snapshot skips it.
type subscriber struct {
	handler Handler
	id      uint64
	removed atomic.Bool
}

// Subscription is returned by On. Off removes exactly this registration.
type Subscription struct {
	bus   *Bus
	sub   *subscriber
	event string
	once  sync.Once
}

// Off unregisters the handler. Calling it more than once is a no-op.
func (s *Subscription) Off() {
	if s == nil || s.bus == nil || s.sub == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.event, s.sub.id)
	})
}

// Bus routes named events to handlers in registration order.
//
// Thread safety design:
//   - mu guards the handler lists; handlers never run while it is held
//   - Publish iterates a copy taken under RLock, so handlers may call On/Off
//   - Each entry's removed flag makes unregistration visible to a publish
//     already in progress
type Bus struct {
	events  map[string][]*subscriber
	metrics *Metrics
	mu      sync.RWMutex
	nextID  uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{events: make(map[string][]*subscriber)}
}

// On appends h to the handlers of event.
func (b *Bus) On(event string, h Handler) *Subscription {
	if h == nil {
		return &Subscription{}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, handler: h}
	b.events[event] = append(b.events[event], sub)
	b.mu.Unlock()

	return &Subscription{bus: b, event: event, sub: sub}
}

// Off removes every handler registered for event.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.events[event] {
		sub.removed.Store(true)
	}
	delete(b.events, event)
}

// Handlers returns the number of handlers registered for event.
func (b *Bus) Handlers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[event])
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.events[event]
	i := slices.IndexFunc(subs, func(s *subscriber) bool { return s.id == id })
	if i < 0 {
		return
	}
	subs[i].removed.Store(true)

	// Publish works on copies, so editing the backing array in place is safe.
	subs = slices.Delete(subs, i, i+1)
	if len(subs) == 0 {
		delete(b.events, event)
		return
	}
	b.events[event] = subs
}

// Publish invokes the handlers of event in registration order and returns how
// many ran. Handlers removed before their turn are skipped. A handler that
// panics is logged and the remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, event string, data any, res Response) int {
	b.mu.RLock()
	subs := slices.Clone(b.events[event])
	b.mu.RUnlock()

	invoked := 0
	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		b.invoke(ctx, event, sub, data, res)
		invoked++
	}
	if invoked > 0 {
		b.metrics.dispatched()
	}
	return invoked
}

func (b *Bus) invoke(ctx context.Context, event string, sub *subscriber, data any, res Response) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.handlerPanicked()
			logger.Error(ctx, "event handler panicked", fmt.Errorf("panic: %v", r), logger.Fields{
				"event":      event,
				"session_id": res.ID(),
			})
		}
	}()
	sub.handler(data, res)
}
