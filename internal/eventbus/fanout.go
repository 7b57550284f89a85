package eventbus

import (
	"sync"
	"sync/atomic"
)

// fanout is the asynchronous side of the bus. It owns no goroutines:
// publish never blocks and drops for subscribers whose buffer is full.
type fanout[N ~string] struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event[N]
	seq  atomic.Uint64
}

func newFanout[N ~string]() *fanout[N] {
	return &fanout[N]{subs: map[uint64]chan Event[N]{}}
}

func (f *fanout[N]) publish(e Event[N]) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout[N]) subscribe(buffer int) (<-chan Event[N], func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event[N], buffer)
	id := f.seq.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes publish, so closing is safe.
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}
