package messagehub

import (
	"fmt"

	"shardcore/runtime/wakenotifier"
	"shardcore/types"
)

// fabric owns the only state in the hub design that crosses worker
// boundaries: each destination's incoming list, the spinlock guarding it,
// and the wake-flag that ensures at most one unconsumed wake-notifier
// signal is ever in flight for a destination. Every Hub holds a reference
// to the same fabric; no other cross-worker shared state exists.
type fabric struct {
	slots []destSlot
}

type destSlot struct {
	lock     spinlock
	incoming msgList
	wake     bool
	notifier wakenotifier.Notifier
}

// newFabric builds the shared fabric for a fixed worker count, one notifier
// per destination.
func newFabric(notifiers []wakenotifier.Notifier) *fabric {
	f := &fabric{slots: make([]destSlot, len(notifiers))}
	for i := range f.slots {
		f.slots[i].notifier = notifiers[i]
	}
	return f
}

// acceptExternal appends m to dest's incoming list, callable from any
// worker. It arms the wake-notifier only on the false->true edge of dest's
// wake-flag, which is what bounds outstanding signals to one per edge.
func (f *fabric) acceptExternal(dest types.WorkerID, m *Message) error {
	slot := &f.slots[dest]
	slot.lock.lock()
	doWake := !slot.wake
	slot.wake = true
	slot.incoming.pushBack(m)
	slot.lock.unlock()

	if doWake {
		if err := slot.notifier.Signal(); err != nil {
			return fmt.Errorf("messagehub: signal worker %d: %w", dest, err)
		}
	}
	return nil
}

// acceptLocal splices local onto dest's incoming list in O(1) and empties
// local, waking dest on the same false->true edge as acceptExternal.
func (f *fabric) acceptLocal(dest types.WorkerID, local *msgList) error {
	if local.empty() {
		return nil
	}
	slot := &f.slots[dest]
	slot.lock.lock()
	doWake := !slot.wake
	slot.wake = true
	slot.incoming.appendAndClear(local)
	slot.lock.unlock()

	if doWake {
		if err := slot.notifier.Signal(); err != nil {
			return fmt.Errorf("messagehub: signal worker %d: %w", dest, err)
		}
	}
	return nil
}

// drainIncoming splices self's incoming list into a private list the caller
// owns outright, in O(1). resetWake clears the wake-flag; callers only pass
// true on the first pass of on_event, per the liveness argument in §4.2.
func (f *fabric) drainIncoming(self types.WorkerID, resetWake bool) msgList {
	slot := &f.slots[self]
	slot.lock.lock()
	drained := slot.incoming
	slot.incoming = msgList{}
	if resetWake {
		slot.wake = false
	}
	slot.lock.unlock()
	return drained
}

func (f *fabric) workerCount() int { return len(f.slots) }
