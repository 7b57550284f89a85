// Package connectivity reports online/offline transitions to the monitor.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Source notifies subscribers of transitions. It never repeats a state.
type Source interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type subscribers struct {
	mu   sync.Mutex
	seq  atomic.Uint64
	subs map[uint64]func(bool)
	ord  []uint64
}

func (s *subscribers) add(fn func(bool)) func() {
	if fn == nil {
		return func() {}
	}
	id := s.seq.Add(1)
	s.mu.Lock()
	if s.subs == nil {
		s.subs = map[uint64]func(bool){}
	}
	s.subs[id] = fn
	s.ord = append(s.ord, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			for i, v := range s.ord {
				if v == id {
					s.ord = append(s.ord[:i], s.ord[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// notify calls subscribers in subscription order, outside the lock.
func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.ord))
	for _, id := range s.ord {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ord)
}

// Manual is driven by the host, which already knows its connectivity.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   subscribers
}

func NewManual(online bool) *Manual { return &Manual{online: online} }

func (m *Manual) Subscribe(fn func(bool)) func() { return m.subs.add(fn) }

// Set records the state and notifies subscribers if it changed.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()
	m.subs.notify(online)
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribers() int { return m.subs.len() }
