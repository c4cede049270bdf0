package buffercache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"shardcore/types"
)

var txnIDCounter uint64

// Transaction is the access-mode-scoped unit of the cache's state machine
// (§4.5): open while its holder is acquiring and mutating blocks,
// in-commit and committing while write-back is folding its writes into a
// flush cycle, committed once that cycle's serializer acks land.
type Transaction struct {
	id    uint64
	cache *Cache
	mode  types.AccessMode

	mu             sync.Mutex
	state          types.TxnState
	snapshotted    bool
	snapVersion    types.VersionID
	ownedSnapshots []*Handle
	writtenBlocks  map[types.BlockID]struct{}
}

func newTransaction(cache *Cache, mode types.AccessMode) *Transaction {
	return &Transaction{
		id:    atomic.AddUint64(&txnIDCounter, 1),
		cache: cache,
		mode:  mode,
		state: types.TxnOpen,
	}
}

func (t *Transaction) State() types.TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) isSnapshotted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotted
}

func (t *Transaction) snapshotVersion() types.VersionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapVersion
}

func (t *Transaction) trackSnapshotHandle(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownedSnapshots = append(t.ownedSnapshots, h)
}

// trackWrite records that this transaction dirtied block, so write-back can
// later tell which pending commit a given flush failure actually belongs to.
func (t *Transaction) trackWrite(block types.BlockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writtenBlocks == nil {
		t.writtenBlocks = make(map[types.BlockID]struct{})
	}
	t.writtenBlocks[block] = struct{}{}
}

// writtenBlockSet returns a snapshot of the blocks this transaction has
// written so far, safe for a caller to range over without racing trackWrite.
func (t *Transaction) writtenBlockSet() map[types.BlockID]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.BlockID]struct{}, len(t.writtenBlocks))
	for b := range t.writtenBlocks {
		out[b] = struct{}{}
	}
	return out
}

// Snapshot pins the transaction to the cache's current version. Only valid
// on an open, non-write transaction; every block it later acquires that has
// a snapshot_info at or below this version is served from that snapshot
// instead of the live buffer (§4.4 step 1).
func (t *Transaction) Snapshot() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != types.TxnOpen {
		return fmt.Errorf("buffercache: txn %d: snapshot requires open state, have %s", t.id, t.state)
	}
	if t.mode == types.AccessWrite {
		return fmt.Errorf("buffercache: txn %d: snapshot is only valid on a read transaction", t.id)
	}
	t.snapVersion = t.cache.registerSnapshot(t)
	t.snapshotted = true
	return nil
}

// Acquire is valid only while the transaction is open (§4.5).
func (t *Transaction) Acquire(ctx context.Context, block types.BlockID, mode types.AccessMode) (*Handle, error) {
	if t.State() != types.TxnOpen {
		return nil, fmt.Errorf("buffercache: txn %d: acquire requires open state, have %s", t.id, t.State())
	}
	return t.cache.acquire(ctx, t, block, mode)
}

// Allocate is valid only while the transaction is open (§4.5).
func (t *Transaction) Allocate(ctx context.Context) (*Handle, error) {
	if t.State() != types.TxnOpen {
		return nil, fmt.Errorf("buffercache: txn %d: allocate requires open state, have %s", t.id, t.State())
	}
	return t.cache.allocate(ctx, t)
}

// Commit requests write-back to fold this transaction's writes into its
// next flush cycle. onDone, if non-nil, is the transaction's on_sync/commit
// callback and fires exactly once, from a goroutine, once that cycle's
// serializer writes have been acked (or failed).
func (t *Transaction) Commit(onDone func(error)) error {
	t.mu.Lock()
	if t.state != types.TxnOpen {
		t.mu.Unlock()
		return fmt.Errorf("buffercache: txn %d: commit requires open state, have %s", t.id, t.state)
	}
	t.state = types.TxnInCommit
	t.mu.Unlock()

	ch := t.cache.wb.beginCommit(t)

	t.mu.Lock()
	t.state = types.TxnCommitting
	t.mu.Unlock()

	go func() {
		err := <-ch
		t.mu.Lock()
		t.state = types.TxnCommitted
		t.mu.Unlock()
		t.Close()
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// Close releases every snapshot page this transaction materialized whose
// handle the caller has not already released and, if
// it registered a snapshot version, retires it from the cache's active-
// snapshot map. Safe to call once a transaction is done being used whether
// or not it ever committed.
func (t *Transaction) Close() {
	t.mu.Lock()
	owned := t.ownedSnapshots
	t.ownedSnapshots = nil
	snapshotted := t.snapshotted
	t.snapshotted = false
	t.mu.Unlock()

	for _, h := range owned {
		if !h.released {
			h.Release()
		}
	}
	if snapshotted {
		t.cache.unregisterSnapshot(t)
	}
}
