package buffercache

import (
	"context"
	"fmt"

	"shardcore/storage_engine/page"
	"shardcore/types"
)

// Handle is a live access to one block, acquired through a Transaction and
// released exactly once. It is the only type outside this package that can
// see a block's bytes.
type Handle struct {
	buf  *InnerBuf
	mode types.AccessMode

	// lockHeld and heldMode describe the rwi-lock state this handle owns;
	// lockHeld is false for both read-outdated-ok access and snapshotted
	// non-locking access, matching §4.4's "handle points at that snapshot's
	// data with non_locking_access = true" path.
	lockHeld bool
	heldMode lockMode

	snapshot *snapshotInfo
	data     page.Block
	version  types.VersionID

	released bool
}

// acquireHandle implements §4.4's three-step acquire. txn may be nil for a
// bare, non-transactional acquire; a nil txn is treated as never
// snapshotted.
func acquireHandle(ctx context.Context, buf *InnerBuf, repl *replacement, txn *Transaction, mode types.AccessMode) (*Handle, error) {
	repl.recordAccess(buf.block)

	if txn != nil && txn.isSnapshotted() {
		if snap, ok := buf.snapshotAtOrBelow(txn.snapshotVersion()); ok {
			buf.retainSnapshot(snap)
			h := &Handle{buf: buf, mode: mode, snapshot: snap, data: snap.data, version: snap.snapshottedVersion}
			txn.trackSnapshotHandle(h)
			return h, nil
		}
	}

	if mode == types.AccessReadOutdatedOK {
		buf.retain()
		return &Handle{buf: buf, mode: mode, data: buf.tryReadOutdated(), version: buf.currentVersion()}, nil
	}

	lm := lockRead
	if mode == types.AccessWrite {
		lm = lockWrite
	}

	select {
	case <-buf.acquireLock(lm):
	case <-ctx.Done():
		return nil, fmt.Errorf("buffercache: acquire block %d: %w", buf.block, ctx.Err())
	}

	if mode == types.AccessWrite {
		buf.beginWrite()
		if txn != nil {
			txn.trackWrite(buf.block)
		}
	}

	buf.retain()
	return &Handle{
		buf:      buf,
		mode:     mode,
		lockHeld: true,
		heldMode: lm,
		data:     buf.currentData(),
		version:  buf.currentVersion(),
	}, nil
}

// Data returns the bytes this handle sees: a snapshot's frozen copy, or the
// canonical buffer's live bytes for a locking read/write.
func (h *Handle) Data() []byte {
	if h.snapshot != nil {
		return h.snapshot.data.Data
	}
	if h.mode == types.AccessWrite {
		return h.buf.currentData().Data
	}
	return h.data.Data
}

func (h *Handle) Version() types.VersionID { return h.version }
func (h *Handle) BlockID() types.BlockID   { return h.buf.block }

// SetData replaces the range [offset, offset+len(data)) and records the
// equivalent patch, the Go stand-in for the original's set_data.
func (h *Handle) SetData(ctx context.Context, offset uint32, data []byte) error {
	if h.mode != types.AccessWrite {
		return fmt.Errorf("buffercache: SetData requires a write handle on block %d", h.buf.block)
	}
	return h.buf.applyPatch(ctx, types.Patch{Offset: offset, Data: append([]byte(nil), data...)})
}

// MoveData shifts length bytes from src to dst within the block and records
// the move as an equivalent overwrite patch — a plain byte-copy patch
// rather than a dedicated move-patch type, since the memory saved by a true
// move-patch representation isn't worth a second patch kind here.
func (h *Handle) MoveData(ctx context.Context, dst, src uint32, length int) error {
	if h.mode != types.AccessWrite {
		return fmt.Errorf("buffercache: MoveData requires a write handle on block %d", h.buf.block)
	}
	current := h.buf.currentData().Data
	if int(src)+length > len(current) || int(dst)+length > len(current) {
		return fmt.Errorf("buffercache: MoveData out of range on block %d", h.buf.block)
	}
	moved := make([]byte, length)
	copy(moved, current[src:int(src)+length])
	return h.buf.applyPatch(ctx, types.Patch{Offset: dst, Data: moved})
}

// MajorWrite replaces the entire block, bypassing the patch log — the
// get_data_major_write path of §4.3.
func (h *Handle) MajorWrite(data []byte) error {
	if h.mode != types.AccessWrite {
		return fmt.Errorf("buffercache: MajorWrite requires a write handle on block %d", h.buf.block)
	}
	h.buf.majorWrite(data)
	return nil
}

// MarkDeleted flags the block for deletion on the next flush.
func (h *Handle) MarkDeleted() error {
	if h.mode != types.AccessWrite {
		return fmt.Errorf("buffercache: MarkDeleted requires a write handle on block %d", h.buf.block)
	}
	h.buf.markDeleted()
	return nil
}

// EnsureFlush inhibits patch-only writeback for this block on the next
// flush cycle, forcing a full-block write.
func (h *Handle) EnsureFlush() {
	h.buf.ensureFlush()
}

// Release drops this handle's hold on the buffer. Calling it twice is a
// programmer contract violation (§7) and panics rather than silently
// double-releasing a refcount.
func (h *Handle) Release() {
	if h.released {
		panic(fmt.Sprintf("buffercache: double release of handle on block %d", h.buf.block))
	}
	h.released = true

	if h.snapshot != nil {
		h.buf.releaseSnapshot(h.snapshot)
		return
	}
	h.buf.unretain()
	if h.lockHeld {
		h.buf.lock.release(h.heldMode)
	}
	// The replacement policy samples resident buffers lazily rather than
	// keeping a push-notified "safe to unload" set, so there is nothing
	// further to signal here beyond the refcount drop above.
}
