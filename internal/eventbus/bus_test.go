package eventbus

import (
	"errors"
	"testing"
	"time"

	logx "beacon/pkg/logx"
)

type name string

const (
	evA name = "a"
	evB name = "b"
)

// sliceListener is deliberately not comparable.
type sliceListener []int

func (sliceListener) HandleEvent(Event[name]) error { return nil }

func newBus() *Bus[name] { return New(logx.Nop(), evA, evB) }

func TestUnknownNameIsRejected(t *testing.T) {
	b := newBus()
	l := Func(func(Event[name]) error { return nil })

	if err := b.Emit("nope"); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("Emit error = %v, want ErrUnknownEvent", err)
	}
	if err := b.On("nope", l); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("On error = %v, want ErrUnknownEvent", err)
	}
	if err := b.Off("nope", l); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("Off error = %v, want ErrUnknownEvent", err)
	}
}

func TestInvalidListener(t *testing.T) {
	b := newBus()
	tests := []struct {
		name string
		l    Listener[name]
	}{
		{"nil", nil},
		{"nil func", Func[name](nil)},
		{"typed nil pointer", (*funcListener[name])(nil)},
		{"not comparable", sliceListener{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.On(evA, tt.l); !errors.Is(err, ErrInvalidListener) {
				t.Fatalf("On error = %v, want ErrInvalidListener", err)
			}
		})
	}
}

func TestEmitOrderAndDedup(t *testing.T) {
	b := newBus()
	var got []string
	first := Func(func(Event[name]) error { got = append(got, "first"); return nil })
	second := Func(func(e Event[name]) error {
		got = append(got, "second:"+e.Arg(0).(string))
		return nil
	})

	for _, l := range []Listener[name]{first, second, first} {
		if err := b.On(evA, l); err != nil {
			t.Fatalf("On: %v", err)
		}
	}
	if n := b.ListenerCount(evA); n != 2 {
		t.Fatalf("listener count = %d, want 2", n)
	}
	if err := b.Emit(evA, "x"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second:x" {
		t.Fatalf("dispatch = %v", got)
	}
}

func TestFailingListenerDoesNotStopDispatch(t *testing.T) {
	b := newBus()
	called := 0
	_ = b.On(evA, Func(func(Event[name]) error { panic("boom") }))
	_ = b.On(evA, Func(func(Event[name]) error { return errors.New("bad") }))
	_ = b.On(evA, Func(func(Event[name]) error { called++; return nil }))

	if err := b.Emit(evA); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if called != 1 {
		t.Fatalf("well-behaved listener called %d times, want 1", called)
	}
}

func TestOffDropsEmptyKey(t *testing.T) {
	b := newBus()
	l := Func(func(Event[name]) error { return nil })
	unsub, err := b.Subscribe(evB, l)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()
	unsub()
	if n := b.ListenerCount(evB); n != 0 {
		t.Fatalf("listener count = %d, want 0", n)
	}
	if _, ok := b.listeners[evB]; ok {
		t.Fatal("empty listener set should be deleted")
	}
}

func TestClearAll(t *testing.T) {
	b := newBus()
	_ = b.On(evA, Func(func(Event[name]) error { return nil }))
	_ = b.On(evB, Func(func(Event[name]) error { return nil }))
	b.ClearAll()
	if b.ListenerCount(evA)+b.ListenerCount(evB) != 0 {
		t.Fatal("ClearAll left listeners behind")
	}
}

func TestTapReceivesCopies(t *testing.T) {
	b := newBus()
	ch, stop := b.Tap(1)
	defer stop()

	_ = b.Emit(evA, 1)
	_ = b.Emit(evB, 2) // dropped: buffer full

	select {
	case e := <-ch:
		if e.Name != evA || e.Arg(0) != 1 {
			t.Fatalf("tap got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("tap did not receive event")
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}
