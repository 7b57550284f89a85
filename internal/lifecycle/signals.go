package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	logx "beacon/pkg/logx"
)

// OSSignals maps process signals onto lifecycle signals:
// SIGHUP is treated as going to the background, SIGINT and SIGTERM as unload.
// It listens only while it has subscribers.
type OSSignals struct {
	log logx.Logger
	reg registry

	mu   sync.Mutex
	ch   chan os.Signal
	done chan struct{}
}

func NewOSSignals(log logx.Logger) *OSSignals {
	return &OSSignals{log: log.With(logx.String("component", "lifecycle"))}
}

func (o *OSSignals) Subscribe(fn func(Signal)) func() {
	if fn == nil {
		return func() {}
	}
	detach, first := o.reg.add(fn)
	if first {
		o.start()
	}
	return func() {
		if detach() {
			o.stop()
		}
	}
}

func (o *OSSignals) start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ch != nil {
		return
	}
	o.ch = make(chan os.Signal, 4)
	o.done = make(chan struct{})
	signal.Notify(o.ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go o.relay(o.ch, o.done)
}

func (o *OSSignals) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ch == nil {
		return
	}
	signal.Stop(o.ch)
	close(o.done)
	o.ch, o.done = nil, nil
}

func (o *OSSignals) relay(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case s := <-ch:
			sig, ok := translate(s)
			if !ok {
				continue
			}
			o.log.Debug("lifecycle signal", logx.String("os_signal", s.String()), logx.String("signal", sig.String()))
			o.reg.fire(sig)
		}
	}
}

func translate(s os.Signal) (Signal, bool) {
	switch s {
	case syscall.SIGHUP:
		return VisibilityHidden, true
	case syscall.SIGINT, syscall.SIGTERM:
		return BeforeUnload, true
	default:
		return 0, false
	}
}
