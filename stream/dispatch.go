package stream

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	log "github.com/iidesho/bragi/sbragi"

	"github.com/iidesho/flyt/chunk"
	"github.com/iidesho/flyt/metrics"
)

type eventListener struct {
	id       uuid.UUID
	name     string
	wildcard bool
	fn       EventHandler
}

type listener[T any] struct {
	id uuid.UUID
	fn T
}

// registry holds the four listener tables. Registration and removal happen on
// arbitrary goroutines, dispatch happens on the single delivery goroutine.
// Dispatch snapshots under the read lock and re-checks membership right
// before each invocation, so no listener call starts after Remove returns.
type registry struct {
	mu      sync.RWMutex
	events  []eventListener
	flushes []listener[func()]
	closes  []listener[func()]
	errs    []listener[func(error)]
}

func newRegistry() *registry {
	return &registry{}
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func (r *registry) addEvent(name string, wildcard bool, fn EventHandler) uuid.UUID {
	id := newID()
	r.mu.Lock()
	r.events = append(r.events, eventListener{id: id, name: name, wildcard: wildcard, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) addFlush(fn func()) uuid.UUID {
	id := newID()
	r.mu.Lock()
	r.flushes = append(r.flushes, listener[func()]{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) addClose(fn func()) uuid.UUID {
	id := newID()
	r.mu.Lock()
	r.closes = append(r.closes, listener[func()]{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) addError(fn func(error)) uuid.UUID {
	id := newID()
	r.mu.Lock()
	r.errs = append(r.errs, listener[func(error)]{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.events {
		if l.id == id {
			r.events = append(r.events[:i], r.events[i+1:]...)
			return true
		}
	}
	for i, l := range r.flushes {
		if l.id == id {
			r.flushes = append(r.flushes[:i], r.flushes[i+1:]...)
			return true
		}
	}
	for i, l := range r.closes {
		if l.id == id {
			r.closes = append(r.closes[:i], r.closes[i+1:]...)
			return true
		}
	}
	for i, l := range r.errs {
		if l.id == id {
			r.errs = append(r.errs[:i], r.errs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) containsEvent(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.events {
		if l.id == id {
			return true
		}
	}
	return false
}

func (r *registry) hasEventListener(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.events {
		if l.wildcard || l.name == name {
			return true
		}
	}
	return false
}

// matching returns exact-name listeners first, then wildcard listeners, each
// group in registration order.
func (r *registry) matching(name string) []eventListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]eventListener, 0, len(r.events))
	for _, l := range r.events {
		if !l.wildcard && l.name == name {
			out = append(out, l)
		}
	}
	for _, l := range r.events {
		if l.wildcard {
			out = append(out, l)
		}
	}
	return out
}

func (r *registry) dispatchEvent(rec chunk.Record) {
	for _, l := range r.matching(rec.Name) {
		if !r.containsEvent(l.id) {
			continue
		}
		err := guard(func() { l.fn(rec) })
		if err != nil {
			metrics.ListenerFailures.Inc()
			r.dispatchError(err)
		}
	}
	metrics.RecordsDispatched.Inc()
}

func (r *registry) dispatchFlush() {
	r.mu.RLock()
	ls := append([]listener[func()](nil), r.flushes...)
	r.mu.RUnlock()
	for _, l := range ls {
		err := guard(l.fn)
		if err != nil {
			metrics.ListenerFailures.Inc()
			r.dispatchError(err)
		}
	}
}

func (r *registry) dispatchClose() {
	r.mu.RLock()
	ls := append([]listener[func()](nil), r.closes...)
	r.mu.RUnlock()
	for _, l := range ls {
		err := guard(l.fn)
		if err != nil {
			metrics.ListenerFailures.Inc()
			r.dispatchError(err)
		}
	}
}

// dispatchError reports an error to the error listeners. A failing error
// listener is logged and not re-dispatched, that has to terminate somewhere.
// With no error listeners registered the error goes to the log instead.
func (r *registry) dispatchError(err error) {
	r.mu.RLock()
	ls := append([]listener[func(error)](nil), r.errs...)
	r.mu.RUnlock()
	if len(ls) == 0 {
		log.WithError(err).Warning("stream error with no error listeners")
		return
	}
	for _, l := range ls {
		ferr := guard(func() { l.fn(err) })
		log.WithError(ferr).Error("error listener failed")
	}
}

func guard(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(error)
		if ok {
			err = e
			return
		}
		err = fmt.Errorf("listener panic: %v", r)
	}()
	fn()
	return
}
