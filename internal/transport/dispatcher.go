package transport

import (
	"sync"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// Handler consumes one decoded inbound envelope.
type Handler func(env *protocol.Envelope)

// dispatcher maintains per-type subscriber sets plus a catch-all set.
// Both carriers embed one, so subscription behaves identically whichever
// transport delivers a message.
type dispatcher struct {
	mu     sync.RWMutex
	byType map[protocol.MsgType]map[int]Handler
	all    map[int]Handler
	next   int
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		byType: make(map[protocol.MsgType]map[int]Handler),
		all:    make(map[int]Handler),
	}
}

// on registers a handler for one message type and returns its
// unsubscribe function. Unsubscribing twice is harmless.
func (d *dispatcher) on(t protocol.MsgType, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.byType[t]
	if !ok {
		set = make(map[int]Handler)
		d.byType[t] = set
	}
	key := d.next
	d.next++
	set[key] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(set, key)
	}
}

// onAny registers a catch-all handler invoked for every inbound envelope.
func (d *dispatcher) onAny(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.next
	d.next++
	d.all[key] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.all, key)
	}
}

// dispatch fans one envelope out to the matching type set and the
// catch-all set. Handlers run on the carrier's read loop.
func (d *dispatcher) dispatch(env *protocol.Envelope) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.byType[env.Type])+len(d.all))
	for _, h := range d.byType[env.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range d.all {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}
