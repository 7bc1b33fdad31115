// Package diagnostics implements the process-wide event bus that carries
// Health/Diagnostics packets and session lifecycle events to whatever is
// watching (a CLI dashboard, the store package, a future metrics exporter)
// without ever touching the media path itself.
package diagnostics

import (
	"sync"
	"time"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
)

var _ session.Telemetry = (*Bus)(nil)

// busCapacity bounds each subscriber's backlog. Grounded on the teacher's
// event_bus.rs EVENT_BUS_CAPACITY (256); a slow subscriber drops its oldest
// buffered event rather than ever blocking a publisher.
const busCapacity = 256

// Event is one diagnostics-bus message: a named event, the session it came
// from (empty for process-wide events), and its raw payload.
type Event struct {
	Name    string
	Session room.SessionID
	Data    []byte
	At      time.Time
}

type subscriber struct {
	ch chan Event
}

// Bus is a bounded MPMC broadcast: every Publish reaches every live
// subscriber, and a full subscriber buffer drops its oldest entry instead of
// blocking the publisher (spec's "no subscriber blocks a publisher"
// contract, carried over from event_bus.rs's try_broadcast semantics —
// there's no Go async_broadcast equivalent in the retrieval pack, so this is
// the idiomatic channel-of-channels shape for the same contract).
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new listener and returns its event channel along
// with a function to unregister it. Callers must call the returned cancel
// func exactly once when done listening.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, busCapacity)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Publish broadcasts evt to every current subscriber. Satisfies
// session.Telemetry so a Bus can be wired directly into a Router via
// WithTelemetry.
func (b *Bus) Publish(event string, sess room.SessionID, data []byte) {
	evt := Event{Name: event, Session: sess, Data: data, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		offer(s.ch, evt)
	}
}

// PublishLifecycle emits a process-wide event with no associated payload,
// for peer-joined/peer-left/room-empty style notifications that don't flow
// through the Telemetry interface.
func (b *Bus) PublishLifecycle(event string, sess room.SessionID) {
	b.Publish(event, sess, nil)
}

// offer sends evt on ch without blocking; if ch is full it drops the oldest
// queued event to make room, matching try_broadcast's overflow behavior.
func offer(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
		// Another publisher raced us and refilled the slot; drop evt rather
		// than spin — a diagnostics channel, not the media path.
	}
}
