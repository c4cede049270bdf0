package buffercache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"shardcore/config"
	"shardcore/logsink"
	"shardcore/storage_engine/page"
	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

// reservedPatchLogSegments is the size of the disk patch log's block range,
// carved out of the serializer's id space starting at SuperblockID+1 (§6)
// before any ordinary data block is ever allocated, so the two id spaces
// never collide.
const reservedPatchLogSegments = 64

// Cache is the mirrored buffer cache's public entry point: callers open a
// Transaction, acquire and allocate blocks through it, and commit.
// Everything else in this package — InnerBuf, the page map, free list,
// replacement, patch logs, write-back — is reachable only from here.
type Cache struct {
	ser serializer.Serializer
	pm  *pageMap
	fl  *freeList
	rp  *replacement
	wb  *writeback
	mem *memoryPatchLog
	dsk *diskPatchLog
	lg  *zap.Logger

	loadMu    sync.Mutex
	loadingCh map[types.BlockID]chan struct{}

	versionMu     sync.Mutex
	version       types.VersionID
	snapshotsBy   map[uint64]types.VersionID // txn id -> version, for unregister
	snapshotCount map[types.VersionID]int    // refcount per active version

	targetBytes int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Cache over ser, reserving the disk patch log's block range
// before returning so the free list never hands out an id inside it.
func New(ctx context.Context, ser serializer.Serializer, cfg config.CacheConfig) (*Cache, error) {
	lg := logsink.Get().Named("buffercache")

	segments := make([]types.BlockID, 0, reservedPatchLogSegments)
	for i := 0; i < reservedPatchLogSegments; i++ {
		id, err := ser.AllocateBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("buffercache: reserve patch log segment %d: %w", i, err)
		}
		segments = append(segments, id)
	}

	c := &Cache{
		ser:           ser,
		pm:            newPageMap(),
		fl:            newFreeList(ser),
		mem:           newMemoryPatchLog(),
		lg:            lg,
		loadingCh:     make(map[types.BlockID]chan struct{}),
		snapshotsBy:   make(map[uint64]types.VersionID),
		snapshotCount: make(map[types.VersionID]int),
		version:       1,
		targetBytes:   cfg.TargetMemoryBytes,
	}
	c.dsk = newDiskPatchLog(ser, segments)
	c.rp = newReplacement(cfg, int64(ser.SuperblockID())+1)
	c.wb = newWriteback(cfg, ser, c.mem, c.dsk, c.pm, c.fl, lg)
	return c, nil
}

// Run starts write-back's periodic flush cycle on its own goroutine and
// returns immediately; the cycle stops once ctx is canceled or Close is
// called, and Close also flushes any final state.
func (c *Cache) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.wb.run(ctx)
	}()
}

// Close stops the write-back loop and forces one last flush cycle so
// nothing dirty is silently dropped.
func (c *Cache) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.wb.flushCycle(ctx); err != nil {
		return fmt.Errorf("buffercache: final flush: %w", err)
	}
	return c.dsk.flush(ctx)
}

// Begin opens a new Transaction in the given access mode.
func (c *Cache) Begin(mode types.AccessMode) *Transaction {
	return newTransaction(c, mode)
}

func (c *Cache) log() *zap.Logger                    { return c.lg }
func (c *Cache) serializer() serializer.Serializer   { return c.ser }
func (c *Cache) memoryPatches() *memoryPatchLog       { return c.mem }
func (c *Cache) diskPatches() *diskPatchLog           { return c.dsk }
func (c *Cache) writeback() *writeback                { return c.wb }

func (c *Cache) currentVersion() types.VersionID {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	return c.version
}

func (c *Cache) bumpVersion() types.VersionID {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	c.version++
	return c.version
}

// hasSnapshotAtOrAbove reports whether any active snapshot would still see
// the data at version v — i.e. a snapshot taken at or after v, matching the
// original's !no_active_snapshots(inner_buf->version_id, current_version):
// a write to a block currently at version v must preserve v's bytes for any
// reader who snapshotted anywhere in [v, current].
func (c *Cache) hasSnapshotAtOrAbove(v types.VersionID) bool {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	for ver, count := range c.snapshotCount {
		if count > 0 && ver >= v {
			return true
		}
	}
	return false
}

// registerSnapshot pins txn to the cache's current version and returns it.
// Concurrent readers snapshotting before any intervening write legitimately
// share a version — the data-model invariant that "no two active snapshots
// share a version" is enforced per block (InnerBuf.beginWrite can only ever
// capture one snapshot_info per version, since capturing one always also
// advances the version), not across independent read transactions.
func (c *Cache) registerSnapshot(txn *Transaction) types.VersionID {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	v := c.version
	c.snapshotsBy[txn.id] = v
	c.snapshotCount[v]++
	return v
}

func (c *Cache) unregisterSnapshot(txn *Transaction) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	v, ok := c.snapshotsBy[txn.id]
	if !ok {
		return
	}
	delete(c.snapshotsBy, txn.id)
	c.snapshotCount[v]--
	if c.snapshotCount[v] <= 0 {
		delete(c.snapshotCount, v)
	}
}

// getOrLoad resolves block to a resident InnerBuf, loading it through the
// serializer at most once even if multiple acquires race on the same
// not-yet-resident block: the first caller loads and publishes, the rest
// wait on a channel closed once that load finishes.
func (c *Cache) getOrLoad(ctx context.Context, block types.BlockID) (*InnerBuf, error) {
	if buf, ok := c.pm.get(block); ok {
		return buf, nil
	}

	c.loadMu.Lock()
	if buf, ok := c.pm.get(block); ok {
		c.loadMu.Unlock()
		return buf, nil
	}
	if ch, loading := c.loadingCh[block]; loading {
		c.loadMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if buf, ok := c.pm.get(block); ok {
			return buf, nil
		}
		return nil, types.ErrBlockNotFound
	}
	done := make(chan struct{})
	c.loadingCh[block] = done
	c.loadMu.Unlock()

	defer func() {
		c.loadMu.Lock()
		delete(c.loadingCh, block)
		c.loadMu.Unlock()
		close(done)
	}()

	buf, err := loadInnerBuf(ctx, c, block)
	if err != nil {
		return nil, err
	}
	c.pm.put(block, buf)
	return buf, nil
}

// acquire is Transaction.Acquire's implementation, kept on Cache so
// InnerBuf/replacement/eviction all stay unexported to this package.
func (c *Cache) acquire(ctx context.Context, txn *Transaction, block types.BlockID, mode types.AccessMode) (*Handle, error) {
	c.evictIfOverBudget(ctx)

	buf, err := c.getOrLoad(ctx, block)
	if err != nil {
		return nil, err
	}
	return acquireHandle(ctx, buf, c.rp, txn, mode)
}

// allocate draws a fresh block id from the free list and publishes a new,
// empty InnerBuf for it, per §4.3's "Allocate" creation path.
func (c *Cache) allocate(ctx context.Context, txn *Transaction) (*Handle, error) {
	id, err := c.fl.allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("buffercache: allocate block: %w", err)
	}
	data := make([]byte, c.ser.BlockSize())
	buf := newInnerBuf(c, id, c.currentVersion(), page.Block{Data: data})
	c.pm.put(id, buf)

	buf.acquireLock(lockWrite) // uncontended: nobody else can know about id yet
	buf.beginWrite()
	txn.trackWrite(id)
	buf.retain()

	return &Handle{buf: buf, mode: types.AccessWrite, lockHeld: true, heldMode: lockWrite, data: buf.currentData(), version: buf.currentVersion()}, nil
}

// evictIfOverBudget asks the replacement policy for a victim whenever the
// resident set has grown past the configured target, flushing it first if
// dirty so it can actually be unloaded afterward.
func (c *Cache) evictIfOverBudget(ctx context.Context) {
	if !c.overBudget() {
		return
	}
	victim, err := c.rp.pickVictim(c.pm)
	if err != nil {
		c.lg.Debug("buffercache: no eviction candidate", zap.Error(err))
		return
	}
	if victim.isDirty() {
		if err := c.wb.flushOne(ctx, victim, c.mem.snapshotAll()); err != nil {
			c.lg.Warn("buffercache: eviction flush failed, leaving block resident", zap.Error(err))
			return
		}
		c.wb.unlinkDirty(victim)
	}
	if victim.safeToUnload() {
		c.pm.delete(victim.block)
	}
}

// overBudget compares the resident set's size against the configured
// target. Every block is exactly ser.BlockSize() bytes, so counting
// resident InnerBufs is an exact accounting, not an approximation.
func (c *Cache) overBudget() bool {
	if c.targetBytes <= 0 {
		return false
	}
	return c.residentBytes() > c.targetBytes
}

func (c *Cache) residentBytes() int64 {
	return int64(len(c.pm.snapshot())) * int64(c.ser.BlockSize())
}

var _ bufHost = (*Cache)(nil)
