package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	logx "beacon/pkg/logx"
)

var (
	ErrUnknownEvent    = errors.New("eventbus: unknown event name")
	ErrInvalidListener = errors.New("eventbus: invalid listener")
)

// Event is what listeners receive. Args are passed through untouched.
type Event[N ~string] struct {
	Name N
	Args []any
	Time time.Time
}

// Arg returns Args[i] or nil when out of range.
func (e Event[N]) Arg(i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// Listener identity is interface equality, so implementations must be
// comparable. Use Func to adapt a plain function.
type Listener[N ~string] interface {
	HandleEvent(e Event[N]) error
}

type funcListener[N ~string] struct {
	fn func(Event[N]) error
}

func (f *funcListener[N]) HandleEvent(e Event[N]) error { return f.fn(e) }

// Func wraps fn in a listener with pointer identity. Keep the returned value
// to unregister it later: two Func calls on the same fn are distinct listeners.
func Func[N ~string](fn func(Event[N]) error) Listener[N] {
	if fn == nil {
		return nil
	}
	return &funcListener[N]{fn: fn}
}

// Bus is a synchronous publish/subscribe registry restricted to the event
// names it was constructed with.
//
// Contract:
//   - On/Off/Emit with an undeclared name fail with ErrUnknownEvent.
//   - Emit dispatches in registration order over a snapshot.
//   - A failing listener (error or panic) is logged and does not stop dispatch.
type Bus[N ~string] struct {
	log      logx.Logger
	declared map[N]struct{}
	order    []N

	mu        sync.RWMutex
	listeners map[N][]Listener[N]

	taps *fanout[N]
}

func New[N ~string](log logx.Logger, names ...N) *Bus[N] {
	b := &Bus[N]{
		log:       log,
		declared:  make(map[N]struct{}, len(names)),
		listeners: map[N][]Listener[N]{},
		taps:      newFanout[N](),
	}
	for _, n := range names {
		if _, dup := b.declared[n]; dup {
			continue
		}
		b.declared[n] = struct{}{}
		b.order = append(b.order, n)
	}
	return b
}

// Names returns the declared event names in declaration order.
func (b *Bus[N]) Names() []N { return slices.Clone(b.order) }

func (b *Bus[N]) validName(name N) error {
	if _, ok := b.declared[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, string(name))
	}
	return nil
}

func validListener[N ~string](l Listener[N]) error {
	if l == nil {
		return fmt.Errorf("%w: nil", ErrInvalidListener)
	}
	t := reflect.TypeOf(l)
	if !t.Comparable() {
		return fmt.Errorf("%w: %s is not comparable", ErrInvalidListener, t)
	}
	if t.Kind() == reflect.Pointer && reflect.ValueOf(l).IsNil() {
		return fmt.Errorf("%w: nil %s", ErrInvalidListener, t)
	}
	return nil
}

// On registers l for name. Registering the same listener twice is a no-op.
func (b *Bus[N]) On(name N, l Listener[N]) error {
	if err := b.validName(name); err != nil {
		return err
	}
	if err := validListener(l); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.listeners[name], l) {
		return nil
	}
	b.listeners[name] = append(b.listeners[name], l)
	return nil
}

// Subscribe is On plus a detach func suitable for scope.Scope.Add.
func (b *Bus[N]) Subscribe(name N, l Listener[N]) (func(), error) {
	if err := b.On(name, l); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { _ = b.Off(name, l) }) }, nil
}

// Off removes l. The name's entry is dropped once its last listener goes.
func (b *Bus[N]) Off(name N, l Listener[N]) error {
	if err := b.validName(name); err != nil {
		return err
	}
	if err := validListener(l); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[name]
	i := slices.Index(ls, l)
	if i < 0 {
		return nil
	}
	ls = slices.Delete(ls, i, i+1)
	if len(ls) == 0 {
		delete(b.listeners, name)
		return nil
	}
	b.listeners[name] = ls
	return nil
}

// Emit calls every listener registered for name, in order, on the calling
// goroutine.
func (b *Bus[N]) Emit(name N, args ...any) error {
	if err := b.validName(name); err != nil {
		return err
	}
	e := Event[N]{Name: name, Args: args, Time: time.Now()}

	b.mu.RLock()
	snapshot := slices.Clone(b.listeners[name])
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.dispatch(l, e)
	}
	b.taps.publish(e)
	return nil
}

func (b *Bus[N]) dispatch(l Listener[N], e Event[N]) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked",
				logx.String("event", string(e.Name)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := l.HandleEvent(e); err != nil {
		b.log.Warn("event listener failed", logx.String("event", string(e.Name)), logx.Err(err))
	}
}

// ClearAll drops every registration. Taps stay open.
func (b *Bus[N]) ClearAll() {
	b.mu.Lock()
	b.listeners = map[N][]Listener[N]{}
	b.mu.Unlock()
}

func (b *Bus[N]) ListenerCount(name N) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// Tap returns a buffered copy of every emitted event. Slow readers drop.
func (b *Bus[N]) Tap(buffer int) (<-chan Event[N], func()) {
	return b.taps.subscribe(buffer)
}
