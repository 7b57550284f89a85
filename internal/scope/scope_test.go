package scope

import (
	"context"
	"testing"
	"time"

	logx "beacon/pkg/logx"
)

func TestCancelRunsDetachesInReverse(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	var order []int
	for i := 1; i <= 3; i++ {
		s.Add(func() { order = append(order, i) })
	}
	if s.Active() != 3 {
		t.Fatalf("active = %d, want 3", s.Active())
	}

	s.Cancel()
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("detach order = %v, want [3 2 1]", order)
	}
	if s.Active() != 0 {
		t.Fatalf("active after cancel = %d", s.Active())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("context not cancelled")
	}

	s.Cancel()
	if len(order) != 3 {
		t.Fatalf("second Cancel re-ran detaches: %v", order)
	}
}

func TestAddAfterCancelRunsImmediately(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	s.Cancel()
	ran := false
	s.Add(func() { ran = true })
	if !ran {
		t.Fatal("detach added after cancel should run immediately")
	}
}

func TestGoStopsOnCancel(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	s.Go("loop", func(ctx context.Context) { <-ctx.Done() })
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent, logx.Nop())
	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scope context should follow its parent")
	}
}
