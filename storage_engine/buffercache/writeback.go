package buffercache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"shardcore/config"
	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

// pendingCommit is one transaction waiting on the next flush cycle's sync,
// the "requests the write-back to accept the transaction" step of §4.5.
// attempts counts how many flush cycles have gone by with at least one of
// this transaction's own blocks still failing to write; see resolvePending.
type pendingCommit struct {
	txn      *Transaction
	done     chan error
	attempts int
}

// writeback holds the dirty set as an intrusive list — buf.dirtyElem is the
// InnerBuf's back-pointer into it, cleared once a flush of that buffer
// lands — and runs time-triggered flush cycles (see run). The size of the
// dirty list never triggers a cycle.
//
// greenLight gates the window between "read the current dirty state" and
// "commit to flushing exactly that state": a flush cycle takes it
// exclusively for the brief capture step, InnerBuf.beginWrite takes it
// shared for the equally brief copy-on-write-and-bump-version step, so a
// capture never observes a version bump half-applied.
type writeback struct {
	cfg config.CacheConfig
	ser serializer.Serializer
	mem *memoryPatchLog
	dsk *diskPatchLog
	pm  *pageMap
	fl  *freeList
	lg  *zap.Logger

	greenLight sync.RWMutex

	mu        sync.Mutex
	dirtyList *list.List
	pending   []*pendingCommit
}

func newWriteback(cfg config.CacheConfig, ser serializer.Serializer, mem *memoryPatchLog, dsk *diskPatchLog, pm *pageMap, fl *freeList, lg *zap.Logger) *writeback {
	return &writeback{
		cfg:       cfg,
		ser:       ser,
		mem:       mem,
		dsk:       dsk,
		pm:        pm,
		fl:        fl,
		lg:        lg,
		dirtyList: list.New(),
	}
}

func (w *writeback) markDirty(buf *InnerBuf) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if buf.dirtyElem == nil {
		buf.dirtyElem = w.dirtyList.PushBack(buf)
	}
}

// unlinkDirty removes buf from the dirty list outside of a flush cycle,
// for callers (eviction) that flush a single buffer directly via flushOne
// rather than going through flushCycle's own list bookkeeping.
func (w *writeback) unlinkDirty(buf *InnerBuf) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if buf.dirtyElem != nil {
		w.dirtyList.Remove(buf.dirtyElem)
		buf.dirtyElem = nil
	}
}

// beginCommit registers txn to be completed by the next flush cycle to run
// after this call, whether or not the transaction touched any dirty block
// of its own — a read-only commit still waits for the cycle boundary so its
// on_sync fires in a consistent place in the sequence.
func (w *writeback) beginCommit(txn *Transaction) <-chan error {
	ch := make(chan error, 1)
	w.mu.Lock()
	w.pending = append(w.pending, &pendingCommit{txn: txn, done: ch})
	w.mu.Unlock()
	return ch
}

// run drives periodic flush cycles, one per WritebackInterval, until ctx is
// done. It is the only trigger for a full flush cycle: markDirty applies no
// size threshold, so a growing dirty list waits for the next tick (eviction
// flushes a single victim on its own via flushOne).
func (w *writeback) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WritebackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.flushCycle(ctx); err != nil {
				w.lg.Warn("writeback: flush cycle reported errors", zap.Error(err))
			}
		}
	}
}

func (w *writeback) flushCycle(ctx context.Context) error {
	w.greenLight.Lock()
	w.mu.Lock()
	dirty := make([]*InnerBuf, 0, w.dirtyList.Len())
	for e := w.dirtyList.Front(); e != nil; e = e.Next() {
		dirty = append(dirty, e.Value.(*InnerBuf))
	}
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	w.greenLight.Unlock()

	if len(dirty) == 0 {
		w.resolvePending(pending, nil)
		return nil
	}

	memSnap := w.mem.snapshotAll()
	w.lg.Debug("writeback: flush cycle starting",
		zap.Int("dirty_blocks", len(dirty)),
		zap.String("patch_bytes", humanize.Bytes(uint64(patchSnapSize(memSnap)))))

	var firstErr error
	failures := make(map[types.BlockID]error)
	for _, buf := range dirty {
		if err := w.flushOne(ctx, buf, memSnap); err != nil {
			w.lg.Warn("writeback: flush failed, block stays dirty for retry",
				zap.Uint64("block", uint64(buf.block)), zap.Error(err))
			failures[buf.block] = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.mu.Lock()
		if buf.dirtyElem != nil {
			w.dirtyList.Remove(buf.dirtyElem)
			buf.dirtyElem = nil
		}
		w.mu.Unlock()
	}

	w.resolvePending(pending, failures)
	return firstErr
}

func (w *writeback) flushOne(ctx context.Context, buf *InnerBuf, memSnap map[types.BlockID][]types.Patch) error {
	buf.mu.Lock()
	deleted := buf.doDelete
	ensureFull := buf.ensureFlush_
	dataCopy := buf.data.Clone()
	buf.mu.Unlock()

	patches := memSnap[buf.block]
	ratio := 0.0
	if len(dataCopy.Data) > 0 && len(patches) > 0 {
		sz := 0
		for _, p := range patches {
			sz += p.Size()
		}
		ratio = float64(sz) / float64(len(dataCopy.Data))
	}
	useFull := deleted || ensureFull || len(patches) == 0 || ratio > w.cfg.MaxPatchesRatio

	var write serializer.Write
	switch {
	case deleted:
		write = serializer.Write{Block: buf.block, Deleted: true}
	case useFull:
		write = serializer.Write{Block: buf.block, Full: dataCopy.Data}
	default:
		write = serializer.Write{Block: buf.block, Patches: patches}
	}

	ack, err := w.ser.Write(ctx, write)
	if err != nil {
		return types.NewIOError(fmt.Errorf("buffercache: writeback block %d: %w", buf.block, err))
	}

	buf.mu.Lock()
	buf.lastTxnID = ack.TxnID
	if !deleted {
		buf.dirty = false
		buf.ensureFlush_ = false
	}
	buf.mu.Unlock()

	w.mem.dropCaptured(buf.block, len(patches))
	w.dsk.clear(buf.block)

	if deleted {
		w.pm.delete(buf.block)
		w.fl.release(buf.block)
	}
	return nil
}

// resolvePending completes every commit whose own written blocks all landed
// this cycle, retries (up to CommitRetryBudget) those whose blocks are among
// failures, and fails the rest once that budget is spent — §7's "I/O errors
// retry on a bounded schedule, then fail the affected transaction's commit
// callback," scoped per transaction rather than to the whole cycle's
// aggregate error (S5: the callback must not fail just because some other
// transaction's block had a transient write failure).
func (w *writeback) resolvePending(pending []*pendingCommit, failures map[types.BlockID]error) {
	var retry []*pendingCommit
	for _, p := range pending {
		var blockErr error
		for b := range p.txn.writtenBlockSet() {
			if err, failed := failures[b]; failed {
				blockErr = err
				break
			}
		}
		if blockErr == nil {
			p.done <- nil
			continue
		}
		p.attempts++
		if p.attempts >= w.cfg.CommitRetryBudget {
			p.done <- blockErr
			continue
		}
		retry = append(retry, p)
	}
	if len(retry) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = append(retry, w.pending...)
	w.mu.Unlock()
}

func patchSnapSize(snap map[types.BlockID][]types.Patch) int {
	total := 0
	for _, patches := range snap {
		for _, p := range patches {
			total += p.Size()
		}
	}
	return total
}
