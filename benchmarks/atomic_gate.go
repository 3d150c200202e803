package benchmarks

import "sync/atomic"

// AtomicGate is the fastest possible single-process admission counter: one
// CAS loop over an int64. It is the baseline the counter store is measured
// against. It cannot be shared across processes, which is the whole reason
// the store exists.
type AtomicGate struct {
	inFlight atomic.Int64
	max      int64
}

func NewAtomicGate(max int64) *AtomicGate {
	return &AtomicGate{max: max}
}

// TryAcquire admits unless the ceiling is reached.
func (a *AtomicGate) TryAcquire() bool {
	for {
		old := a.inFlight.Load()
		if old >= a.max {
			return false
		}
		if a.inFlight.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// Release hands a slot back, clamped at zero so double releases cannot drive
// the count negative.
func (a *AtomicGate) Release() {
	for {
		old := a.inFlight.Load()
		if old <= 0 {
			return
		}
		if a.inFlight.CompareAndSwap(old, old-1) {
			return
		}
	}
}

func (a *AtomicGate) InFlight() int64 { return a.inFlight.Load() }
