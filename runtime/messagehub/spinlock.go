package messagehub

import (
	"runtime"
	"sync/atomic"
)

// spinlock is the short-held lock guarding one destination's incoming list
// and wake-flag. §5 calls for "a short spinlock; held only for O(1) splice
// work" — a futex-backed sync.Mutex would work too, but a CAS spinlock
// matches the latency expectation exactly and avoids a syscall on the
// contended path, which only ever holds the lock for a pointer swap.
type spinlock struct {
	state atomic.Bool
}

func (s *spinlock) lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) unlock() {
	s.state.Store(false)
}
