package registry

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// EventFilter narrows delivery to events for a given service (empty
// matches all services) and/or a set of event types (empty matches all).
type EventFilter struct {
	Service string
	Types   map[types.EventType]bool
}

func (f EventFilter) matches(e types.Event) bool {
	if f.Service != "" && f.Service != e.Service {
		return false
	}
	if len(f.Types) > 0 && !f.Types[e.Type] {
		return false
	}
	return true
}

// DeliverFunc receives registry events. It must not block; slow consumers
// should buffer internally.
type DeliverFunc func(types.Event)

type subscription struct {
	id      string
	filter  EventFilter
	queue   chan types.Event
	dropped uint64
	done    chan struct{}
}

// Subscribe registers a listener per §3's Subscription entity. Delivery is
// asynchronous, best-effort, at-least-once, and never blocks registry
// mutations: each subscriber owns a bounded channel and a dedicated
// worker goroutine (Design Note: bounded channels + worker per
// subscriber, drop-oldest... here we drop-newest-with-counter for
// simplicity of back-pressure, recorded via EventsDropped).
func (r *Registry) Subscribe(filter EventFilter, deliver DeliverFunc) string {
	buf := r.cfg.SubscriberBuffer
	if buf <= 0 {
		buf = 1000
	}
	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		queue:  make(chan types.Event, buf),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case ev, ok := <-sub.queue:
				if !ok {
					return
				}
				deliver(ev)
			case <-sub.done:
				// drain remaining buffered events best-effort, then exit
				for {
					select {
					case ev, ok := <-sub.queue:
						if !ok {
							return
						}
						deliver(ev)
					default:
						return
					}
				}
			}
		}
	}()

	r.subsMu.Lock()
	r.subs[sub.id] = sub
	r.subsMu.Unlock()
	return sub.id
}

// Unsubscribe removes a listener by id; safe to call multiple times.
func (r *Registry) Unsubscribe(id string) {
	r.subsMu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
	if ok {
		close(sub.done)
	}
}

// publish fans an event out to matching subscribers without blocking the
// calling mutation. Overflowing subscriber queues drop the event and
// increment an EventsDropped counter.
func (r *Registry) publish(e types.Event) {
	r.subsMu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subsMu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.queue <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
			atomic.AddUint64(&r.eventsDropped, 1)
			if r.metrics != nil {
				r.metrics.RecordMeshEventDropped(s.id)
			}
		}
	}
}

// EventsDropped returns the cumulative count of dropped event deliveries.
func (r *Registry) EventsDropped() uint64 {
	return atomic.LoadUint64(&r.eventsDropped)
}
