// Package lifecycle reports "about to hide or unload" moments, the last
// chance to flush buffered telemetry.
package lifecycle

import (
	"sync"
)

type Signal int

const (
	VisibilityHidden Signal = iota
	PageHide
	BeforeUnload
)

func (s Signal) String() string {
	switch s {
	case VisibilityHidden:
		return "visibility-hidden"
	case PageHide:
		return "page-hide"
	case BeforeUnload:
		return "before-unload"
	default:
		return "unknown"
	}
}

type Source interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
}

type registry struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Signal)
	ord  []int
}

// add returns the detach func and whether fn is the first subscriber.
func (r *registry) add(fn func(Signal)) (func() bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = map[int]func(Signal){}
	}
	r.next++
	id := r.next
	r.fns[id] = fn
	r.ord = append(r.ord, id)
	first := len(r.ord) == 1

	var once sync.Once
	return func() (last bool) {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.fns, id)
			for i, v := range r.ord {
				if v == id {
					r.ord = append(r.ord[:i], r.ord[i+1:]...)
					break
				}
			}
			last = len(r.ord) == 0
		})
		return last
	}, first
}

func (r *registry) fire(sig Signal) {
	r.mu.Lock()
	fns := make([]func(Signal), 0, len(r.ord))
	for _, id := range r.ord {
		fns = append(fns, r.fns[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ord)
}

// Manual fires signals on demand.
type Manual struct {
	reg registry
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Subscribe(fn func(Signal)) func() {
	if fn == nil {
		return func() {}
	}
	detach, _ := m.reg.add(fn)
	return func() { detach() }
}

// Trigger calls every subscriber synchronously.
func (m *Manual) Trigger(sig Signal) { m.reg.fire(sig) }

func (m *Manual) Subscribers() int { return m.reg.len() }
