// Package messagehub implements the per-worker message router: local
// batching on the producer side, a single spinlock-guarded incoming list per
// destination, and a priority-weighted, granularity-bounded delivery pass on
// the consumer side. It is a direct translation of the mirrored runtime's
// message hub (see the design's §4.2) into Go: a message carries a plain
// func callback instead of a callback object, and a worker goroutine blocks
// in Wait on its wake-notifier instead of running an epoll loop.
package messagehub

import (
	"context"
	"fmt"
	"math/rand"

	"shardcore/config"
	"shardcore/runtime/wakenotifier"
	"shardcore/types"
)

// Hub is bound to exactly one worker. Every method except InsertExternalMessage
// must be called from that worker's own goroutine — this is the "home-thread
// discipline" described in the design notes, enforced here by convention
// (documented per-method) rather than a runtime check, since nothing short
// of a goroutine-local token buys real enforcement in Go and the token
// would be threaded through every call site for no behavioral benefit.
type Hub struct {
	self   types.WorkerID
	fabric *fabric
	cfg    config.SchedulerConfig

	notifier wakenotifier.Notifier

	// localLists[d] holds messages this worker has produced for destination
	// d but not yet pushed into d's incoming list. Touched only by self.
	localLists []msgList

	lanes []msgList // len == NumPriorityLanes, reused across passes

	Debug bool // enables reloop_count fuzzing of unordered messages
	rng   *rand.Rand
}

// newHub is called by the pool during construction; hubs are never
// constructed standalone because they must share one fabric.
func newHub(self types.WorkerID, f *fabric, notifier wakenotifier.Notifier, cfg config.SchedulerConfig) *Hub {
	return &Hub{
		self:       self,
		fabric:     f,
		cfg:        cfg,
		notifier:   notifier,
		localLists: make([]msgList, f.workerCount()),
		lanes:      make([]msgList, laneCount(cfg)),
		rng:        rand.New(rand.NewSource(int64(self) + 1)),
	}
}

func laneCount(cfg config.SchedulerConfig) int {
	return int(cfg.MaxPriority-cfg.MinPriority) + 1
}

func (h *Hub) laneIndex(p types.Priority) int {
	return int(p - h.cfg.MinPriority)
}

// doStoreMessage is the common tail of both store paths: it appends m to
// the local list for nthread, asserting it isn't already linked anywhere.
// Must be called from self's goroutine.
func (h *Hub) doStoreMessage(nthread types.WorkerID, m *Message) {
	if int(nthread) < 0 || int(nthread) >= len(h.localLists) {
		panic(fmt.Sprintf("shardcore: fatal: destination worker %d out of range", nthread))
	}
	h.localLists[nthread].pushBack(m)
}

// StoreMessageOrdered enqueues m for nthread and marks it ordered: two
// ordered messages from this worker to nthread are delivered in the order
// they were stored. Calling this with m already marked ordered is a
// programmer error and panics.
func (h *Hub) StoreMessageOrdered(nthread types.WorkerID, m *Message) {
	if m.isOrdered {
		panic("shardcore: fatal: store_message_ordered called with is_ordered already true")
	}
	m.isOrdered = true
	h.doStoreMessage(nthread, m)
}

// StoreMessageSometime enqueues m for nthread without ordering guarantees.
// In debug mode it may draw a positive reloop_count so the delivery loop
// requeues the message to itself a few times before actually delivering it,
// fuzzing out any accidental reliance on FIFO order between unordered
// messages.
func (h *Hub) StoreMessageSometime(nthread types.WorkerID, m *Message) {
	if h.Debug {
		m.reloopCount = randReloopCount(h.rng)
	}
	h.doStoreMessage(nthread, m)
}

// randReloopCount draws a small, usually-zero count with a geometric-like
// falloff: P(0) = 1/2, P(1) = 1/4, and so on.
func randReloopCount(rng *rand.Rand) int {
	n := 0
	for rng.Intn(2) == 0 && n < 8 {
		n++
	}
	return n
}

// InsertExternalMessage enqueues m for this hub's own worker. Safe to call
// from any goroutine. It takes the destination's incoming-lock, appends,
// and signals the wake-notifier exactly on the false->true transition of
// the wake-flag.
func (h *Hub) InsertExternalMessage(m *Message) error {
	return h.fabric.acceptExternal(h.self, m)
}

// PushMessages transfers every non-empty local list into its destination's
// incoming list. Must be called from self's goroutine, at well-defined
// yield points (never while OnEvent is running, since OnEvent handles its
// own local list via deliverLocalMessages).
func (h *Hub) PushMessages() error {
	for d := 0; d < len(h.localLists); d++ {
		if h.localLists[d].empty() {
			continue
		}
		local := h.localLists[d]
		h.localLists[d] = msgList{}
		if err := h.fabric.acceptLocal(types.WorkerID(d), &local); err != nil {
			return err
		}
	}
	return nil
}

// deliverLocalMessages folds this worker's own local list (messages it
// enqueued to itself) into its own incoming list. OnEvent calls this on
// every pass but the first, because PushMessages — the usual way a worker's
// local list gets flushed — is not invoked while OnEvent is running.
func (h *Hub) deliverLocalMessages() error {
	self := &h.localLists[h.self]
	if self.empty() {
		return nil
	}
	local := *self
	*self = msgList{}
	return h.fabric.acceptLocal(h.self, &local)
}

// sortIncoming drains the incoming list and distributes each message into
// its effective-priority lane. An ordered message's effective lane is
// always the ordered priority, and its is_ordered flag is cleared as it
// leaves the queue — once consumed it never reappears.
func (h *Hub) sortIncoming(resetWake bool) {
	drained := h.fabric.drainIncoming(h.self, resetWake)
	for {
		m := drained.popFront()
		if m == nil {
			break
		}
		effective := m.Priority
		if m.isOrdered {
			effective = h.cfg.Ordered
			m.isOrdered = false
		}
		h.lanes[h.laneIndex(effective)].pushBack(m)
	}
}

// OnEvent is the handler bound to the wake-notifier firing. It is the heart
// of the hub: see the design's §4.2 for the guarantee this algorithm
// provides (every message present before entry is delivered before return,
// with high priorities bounded in how long they can be starved by low
// ones).
func (h *Hub) OnEvent(ctx context.Context) error {
	h.notifier.Consume()

	initial := make([]int, len(h.lanes))
	firstPass := true

	for {
		if !firstPass {
			if err := h.deliverLocalMessages(); err != nil {
				return err
			}
		}

		h.sortIncoming(firstPass)

		if firstPass {
			for i := range h.lanes {
				initial[i] = h.lanes[i].size()
			}
			firstPass = false
		}

		total := 0
		for i := range h.lanes {
			total += h.lanes[i].size()
		}
		granularity := h.cfg.Granularity
		effectiveGranularity := total
		if granularity < effectiveGranularity {
			effectiveGranularity = granularity
		}

		for p := h.cfg.MaxPriority; p >= h.cfg.MinPriority; p-- {
			idx := h.laneIndex(p)
			exponent := int(h.cfg.MaxPriority - p)
			quota := effectiveGranularity >> exponent
			if quota < 1 {
				quota = 1
			}

			for quota > 0 {
				m := h.lanes[idx].popFront()
				if m == nil {
					break
				}
				quota--
				if initial[idx] > 0 {
					initial[idx]--
				}

				if h.Debug && m.reloopCount > 0 {
					m.reloopCount--
					h.doStoreMessage(h.self, m)
					continue
				}

				m.OnThreadSwitch()
			}
		}

		done := true
		for i := range initial {
			if initial[i] > 0 {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Wait blocks until the notifier fires or ctx is done; callers typically
// loop Wait -> OnEvent as the worker's event loop body.
func (h *Hub) Wait(ctx context.Context) error {
	return h.notifier.Wait(ctx)
}

// WorkerID returns the worker this hub belongs to.
func (h *Hub) WorkerID() types.WorkerID { return h.self }

// NewHubs builds one Hub per notifier, all sharing one fabric so that any
// hub can push or signal into any other's incoming list. len(notifiers)
// fixes W for the lifetime of the returned hubs.
func NewHubs(notifiers []wakenotifier.Notifier, cfg config.SchedulerConfig) []*Hub {
	f := newFabric(notifiers)
	hubs := make([]*Hub, len(notifiers))
	for i, n := range notifiers {
		hubs[i] = newHub(types.WorkerID(i), f, n, cfg)
	}
	return hubs
}
