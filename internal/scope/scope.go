// Package scope provides a cancellation source that owns listener
// registrations and goroutines. Cancelling a scope detaches every
// registration synchronously before Cancel returns, which context.AfterFunc
// cannot guarantee.
package scope

import (
	"context"
	"sync"

	"beacon/internal/runtime/supervisor"
	logx "beacon/pkg/logx"
)

type Scope struct {
	sup *supervisor.Supervisor

	mu        sync.Mutex
	detaches  []func()
	cancelled bool
}

func New(parent context.Context, log logx.Logger) *Scope {
	return &Scope{sup: supervisor.New(parent, supervisor.WithLogger(log))}
}

func (s *Scope) Context() context.Context { return s.sup.Context() }

func (s *Scope) Done() <-chan struct{} { return s.sup.Context().Done() }

// Add registers detach to run on Cancel. If the scope is already cancelled,
// detach runs immediately.
func (s *Scope) Add(detach func()) {
	if detach == nil {
		return
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		detach()
		return
	}
	s.detaches = append(s.detaches, detach)
	s.mu.Unlock()
}

// Go starts fn on a goroutine that sees the scope's context.
func (s *Scope) Go(name string, fn func(ctx context.Context)) {
	s.sup.Go0(name, fn)
}

// Cancel cancels the context and runs every detach in reverse registration
// order. Safe to call more than once.
func (s *Scope) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	detaches := s.detaches
	s.detaches = nil
	s.mu.Unlock()

	s.sup.Cancel()
	for i := len(detaches) - 1; i >= 0; i-- {
		detaches[i]()
	}
}

// Wait blocks until every goroutine started with Go has returned.
func (s *Scope) Wait(ctx context.Context) error {
	return s.sup.Wait(ctx)
}

// Active reports how many registrations are still attached.
func (s *Scope) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detaches)
}

func (s *Scope) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
