package realtime

import (
	"sync"

	"fleet-tracking/internal/observability"
)

// Subscription is a live event feed. Consumers range over C; the channel is
// closed when the subscription or the service shuts down.
type Subscription struct {
	C <-chan Event

	svc  *Service
	sub  *subscriber
	once sync.Once
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.svc.mu.Lock()
		delete(s.svc.subs, s.sub.id)
		s.svc.mu.Unlock()
		s.sub.close()
	})
}

// Subscribe registers a filtered event feed. Delivery never blocks the
// publisher: when a consumer falls behind, the oldest buffered events are
// dropped and a single Overflow marker takes their place in the stream.
func (s *Service) Subscribe(filter Filter) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := &subscriber{
		id:     s.nextSubID,
		filter: filter,
		max:    s.cfg.SubscriberQueue,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if s.closed {
		sub.closed = true
		close(sub.out)
	} else {
		s.subs[sub.id] = sub
		go sub.run()
	}
	return &Subscription{C: sub.out, svc: s, sub: sub}
}

func (s *Service) publish(snap VehicleSnapshot) {
	s.mu.Lock()
	s.snapshots[snap.VehicleID] = snap
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	ev := Event{VehicleID: snap.VehicleID, Snapshot: snap}
	for _, sub := range subs {
		if sub.filter.matches(snap) {
			sub.enqueue(ev)
		}
	}
}

// subscriber buffers events for one consumer. The buffer is bounded: when it
// fills, the oldest entries are discarded and a gap flag is raised. The pump
// goroutine turns the gap into a single Overflow event ahead of the surviving
// entries, so a slow consumer always learns it lost data.
type subscriber struct {
	id     int64
	filter Filter
	max    int
	out    chan Event
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	buf    []Event
	gap    bool
	closed bool
}

func (sub *subscriber) enqueue(ev Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if over := len(sub.buf) - sub.max + 1; over > 0 {
		sub.buf = sub.buf[over:]
		sub.gap = true
		observability.SubscriberOverflow.Inc()
	}
	sub.buf = append(sub.buf, ev)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	for {
		ev, ok := sub.next()
		if !ok {
			close(sub.out)
			return
		}
		select {
		case sub.out <- ev:
		case <-sub.done:
			close(sub.out)
			return
		}
	}
}

// next blocks until an event is available. Dropped entries are always older
// than everything still buffered, so the gap marker precedes the buffer.
func (sub *subscriber) next() (Event, bool) {
	for {
		sub.mu.Lock()
		if sub.gap {
			sub.gap = false
			sub.mu.Unlock()
			return Event{Overflow: true}, true
		}
		if len(sub.buf) > 0 {
			ev := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.mu.Unlock()
			return ev, true
		}
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-sub.notify:
		case <-sub.done:
			return Event{}, false
		}
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()
	close(sub.done)
}
