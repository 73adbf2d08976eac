// Package livebus is the in-process publish/subscribe bus feeding
// Server-Sent-Event streams (spec.md §4.C11). Delivery is best-effort and
// isolated per subscriber: a slow or erroring subscriber never blocks or
// breaks delivery to the rest.
package livebus

import (
	"errors"
	"sync"

	events "github.com/docker/go-events"
	"github.com/rs/xid"
)

var errSubscriberBackedUp = errors.New("livebus: subscriber channel full, line dropped")

// SessionHook is invoked with every published line so an active session
// (C12) can journal it. It is optional; Bus.SetSessionHook(nil) disables
// journaling.
type SessionHook func(line string)

// Bus is a dynamic set of subscribers, each an independent events.Sink, so a
// delivery failure on one never affects another.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	sessionHook SessionHook
}

// subscriber satisfies events.Sink the same way distribution-distribution's
// notifications.eventQueue wraps a sink: Write delivers one event, Close
// tears it down. Unlike eventQueue -- which queues unboundedly and blocks
// its own dispatch goroutine rather than ever lose an event -- subscriber
// drops the event on a full channel instead of queuing it, because a
// live tail has no "deliver eventually"; a line not shown now is stale.
type subscriber struct {
	id   string
	c    chan events.Event
	errs func(error)
	once sync.Once
}

var _ events.Sink = (*subscriber)(nil)

func newSubscriber(id string, buffer int, onError func(error)) *subscriber {
	return &subscriber{id: id, c: make(chan events.Event, buffer), errs: onError}
}

// Write implements events.Sink. It never blocks: a subscriber that can't
// keep up has this event dropped and its error callback invoked, but the
// caller (Publish) never waits on a slow reader (spec.md §5).
func (s *subscriber) Write(event events.Event) error {
	select {
	case s.c <- event:
		return nil
	default:
		if s.errs != nil {
			s.errs(errSubscriberBackedUp)
		}
		return errSubscriberBackedUp
	}
}

// Close implements events.Sink.
func (s *subscriber) Close() error {
	s.once.Do(func() { close(s.c) })
	return nil
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// SetSessionHook installs (or clears, with nil) the session journaling
// hook invoked after every publish.
func (b *Bus) SetSessionHook(hook SessionHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionHook = hook
}

// Handle identifies one subscription; pass it to Unsubscribe to remove
// that subscriber.
type Handle string

// Subscribe registers a new subscriber and returns a handle plus the
// channel of JSONL lines delivered to it. onError, if non-nil, is
// invoked (without blocking Publish) whenever delivery to this
// subscriber is abandoned.
func (b *Bus) Subscribe(onError func(error)) (Handle, <-chan events.Event) {
	id := xid.New().String()
	sub := newSubscriber(id, 64, onError)

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return Handle(id), sub.c
}

// Unsubscribe removes a subscriber; publishing to it stops immediately.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subscribers[string(h)]
	if ok {
		delete(b.subscribers, string(h))
	}
	b.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// Publish delivers line to a snapshot of current subscribers through their
// events.Sink.Write, and, if a session hook is installed, journals it too.
func (b *Bus) Publish(line string) {
	b.mu.RLock()
	snapshot := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		snapshot = append(snapshot, sub)
	}
	hook := b.sessionHook
	b.mu.RUnlock()

	for _, sub := range snapshot {
		_ = sub.Write(line)
	}

	if hook != nil {
		hook(line)
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
