// Package signal provides a single-slot mailbox used to hand events from a
// page response listener to the state machine step waiting on them.
//
// A Slot has exactly one writer and one reader. Only the first value offered
// per wait cycle is kept; later offers are dropped until the slot is taken or
// drained.
package signal

import (
	"context"
	"time"
)

type Slot[T any] struct {
	ch chan T
}

func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Offer stores v if the slot is empty and reports whether it was kept.
// It never blocks.
func (s *Slot[T]) Offer(v T) bool {
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

// TryTake returns the pending value, if any, without blocking.
func (s *Slot[T]) TryTake() (T, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until a value arrives, the timeout elapses, or ctx is done.
// A non-positive timeout behaves like TryTake.
func (s *Slot[T]) Wait(ctx context.Context, timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		return s.TryTake()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-s.ch:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}
	var zero T
	return zero, false
}

// Ready reports whether a value is waiting.
func (s *Slot[T]) Ready() bool {
	return len(s.ch) > 0
}

// Drain discards any stale value. Call it before each new wait cycle.
func (s *Slot[T]) Drain() {
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}
