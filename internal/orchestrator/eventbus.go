package orchestrator

import (
	"sort"
	"sync"
	"time"
)

// subscriberBufferSize bounds each subscriber's delivery channel; once full,
// the oldest buffered event for that subscriber is dropped and an
// events_dropped marker is spliced in so the subscriber knows it missed
// something instead of silently stalling the publisher.
const subscriberBufferSize = 256

// EventFilter narrows a subscription to a subset of event types; a nil or
// empty filter matches everything.
type EventFilter struct {
	Types map[EventType]struct{}
}

func (f EventFilter) matches(e Event) bool {
	if len(f.Types) == 0 {
		return true
	}
	_, ok := f.Types[e.Type]
	return ok
}

// Subscription is a live handle to a subscriber's event stream.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe stops delivery and releases the subscriber's buffer.
func (s *Subscription) Unsubscribe() { s.cancel() }

type subscriber struct {
	id     uint64
	ch     chan Event
	filter EventFilter
}

// EventBus is the scheduler's single-publisher, many-subscriber fan-out.
// Delivery is best-effort and ordered per-subscriber; a bounded ring
// retains recent events for events(since) queries regardless of whether
// anyone is subscribed.
type EventBus struct {
	mu          sync.Mutex
	ring        []Event
	ringSize    int
	nextSeq     uint64
	subs        map[uint64]*subscriber
	nextSubID   uint64
}

// NewEventBus constructs a bus retaining up to ringSize recent events.
func NewEventBus(ringSize int) *EventBus {
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &EventBus{
		ringSize: ringSize,
		subs:     make(map[uint64]*subscriber),
	}
}

// Publish appends a new event (stamping seq/timestamp) and fans it out to
// every matching subscriber without blocking on slow consumers.
func (b *EventBus) Publish(typ EventType, data map[string]any) Event {
	b.mu.Lock()
	b.nextSeq++
	e := Event{Seq: b.nextSeq, Type: typ, Timestamp: time.Now(), Data: data}
	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(e) {
			continue
		}
		deliver(s.ch, e)
	}
	return e
}

// deliver sends e to ch without blocking; on overflow it drops the oldest
// buffered event and splices in an events_dropped marker so the subscriber
// can detect the gap.
func deliver(ch chan Event, e Event) {
	select {
	case ch <- e:
		return
	default:
	}
	// Channel full: drop the two oldest to make room for a marker and then
	// the real event.
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		default:
		}
	}
	marker := Event{Seq: e.Seq, Type: "events_dropped", Timestamp: time.Now()}
	select {
	case ch <- marker:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}

// Subscribe registers a new subscriber matching filter.
func (b *EventBus) Subscribe(filter EventFilter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	s := &subscriber{id: id, ch: make(chan Event, subscriberBufferSize), filter: filter}
	b.subs[id] = s
	sub := &Subscription{ch: s.ch}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub
}

// Since returns every retained event with Seq > since, oldest first. Using
// the bus's own monotonic sequence avoids any clock-skew issues a
// timestamp-based cursor would have.
func (b *EventBus) Since(since uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i].Seq > since })
	out := make([]Event, len(b.ring)-idx)
	copy(out, b.ring[idx:])
	return out
}
