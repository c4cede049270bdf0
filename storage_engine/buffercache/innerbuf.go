package buffercache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardcore/storage_engine/page"
	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

// bufHost is the capability object InnerBuf is handed at construction in
// place of the original's bidirectional friend declarations (design note
// "friend-class pervasiveness"): it exposes exactly the cache-wide services
// an inner buffer needs — the serializer, the two patch stores, write-back's
// dirty list, and the active-snapshot set — and nothing else of Cache.
type bufHost interface {
	serializer() serializer.Serializer
	memoryPatches() *memoryPatchLog
	diskPatches() *diskPatchLog
	writeback() *writeback
	hasSnapshotAtOrAbove(v types.VersionID) bool
	currentVersion() types.VersionID
	bumpVersion() types.VersionID
	log() *zap.Logger
}

// snapshotInfo is one entry in an inner buffer's snapshot list: the data a
// transaction snapshotted at snapshottedVersion saw, kept alive until the
// last transaction pinning it (refcount) releases it.
type snapshotInfo struct {
	data               page.Block
	snapshottedVersion types.VersionID
	refcount           int
}

// InnerBuf is the one resident-block object every access mode ultimately
// goes through. What were three cross-linked friend objects in the
// original (writeback_buf, page_repl_buf, page_map_buf) are plain fields
// here per design note 9; the page map and write-back hold only a back
// pointer to this struct plus (for write-back) a *list.Element they do not
// outlive the buffer.
type InnerBuf struct {
	host  bufHost
	block types.BlockID

	mu        sync.Mutex
	data      page.Block
	version   types.VersionID
	recency   time.Time
	refcount  int
	snapshots []*snapshotInfo

	lock rwiLock

	patchCounter types.PatchCounter
	dirty        bool
	doDelete     bool
	ensureFlush_ bool

	lastTxnID types.SerializerTxnID

	dirtyElem *list.Element // owned by writeback; nil when not queued
}

func newInnerBuf(host bufHost, block types.BlockID, version types.VersionID, data page.Block) *InnerBuf {
	return &InnerBuf{
		host:    host,
		block:   block,
		data:    data,
		version: version,
		recency: time.Now(),
	}
}

// loadInnerBuf reads block through the serializer, replays outstanding
// patches from both patch stores, and returns a fresh buffer for the caller
// to publish. Concurrent acquirers of a block still loading wait in
// Cache.getOrLoad, which publishes the buffer in the page map only after
// this returns; the buffer's rwi-lock plays no part in the load.
func loadInnerBuf(ctx context.Context, host bufHost, block types.BlockID) (*InnerBuf, error) {
	raw, err := host.serializer().Read(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("buffercache: load block %d: %w", block, err)
	}
	blk := page.Block{Data: raw}

	if err := host.diskPatches().replay(ctx, block, &blk); err != nil {
		return nil, types.NewCorruptionError(fmt.Errorf("buffercache: replay disk patches for block %d: %w", block, err))
	}
	host.memoryPatches().replay(block, &blk)

	ib := newInnerBuf(host, block, host.currentVersion(), blk)
	return ib, nil
}

// acquireLock enqueues mode on the buffer's rwi-lock; the returned channel
// closes once granted, synchronously if it already can be.
func (b *InnerBuf) acquireLock(mode lockMode) <-chan struct{} {
	return b.lock.acquire(mode)
}

// tryReadOutdated satisfies AccessReadOutdatedOK: it never waits, returning
// whatever bytes are resident right now even if a writer holds the lock.
func (b *InnerBuf) tryReadOutdated() page.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *InnerBuf) currentData() page.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *InnerBuf) currentVersion() types.VersionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// snapshotAtOrBelow finds the most recent snapshot_info whose version is
// <= v, the lookup buffer handle acquisition needs to serve a snapshotted
// transaction's read without touching the rwi-lock at all.
func (b *InnerBuf) snapshotAtOrBelow(v types.VersionID) (*snapshotInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *snapshotInfo
	for _, s := range b.snapshots {
		if s.snapshottedVersion <= v {
			if best == nil || s.snapshottedVersion > best.snapshottedVersion {
				best = s
			}
		}
	}
	return best, best != nil
}

func (b *InnerBuf) retainSnapshot(s *snapshotInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.refcount++
}

func (b *InnerBuf) releaseSnapshot(s *snapshotInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.refcount--
	if s.refcount <= 0 {
		b.snapshots = removeSnapshot(b.snapshots, s)
	}
}

func removeSnapshot(list []*snapshotInfo, target *snapshotInfo) []*snapshotInfo {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// beginWrite is the copy-on-write point (§4.3): if a live snapshot would
// still see the buffer's current data, that data is captured into a fresh
// snapshot_info before the version advances, so the snapshot's view is
// preserved even though the canonical buffer is about to mutate in place.
func (b *InnerBuf) beginWrite() {
	wb := b.host.writeback()
	wb.greenLight.RLock()
	defer wb.greenLight.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host.hasSnapshotAtOrAbove(b.version) {
		b.snapshots = append(b.snapshots, &snapshotInfo{
			data:               b.data.Clone(),
			snapshottedVersion: b.version,
		})
	}
	b.version = b.host.bumpVersion()
	b.recency = time.Now()
}

// applyPatch records p in the memory patch store and mutates the resident
// buffer in place; get_data_major_write (majorWrite) is the only other path
// allowed to touch b.data.
func (b *InnerBuf) applyPatch(ctx context.Context, p types.Patch) error {
	b.mu.Lock()
	p.Counter = b.patchCounter
	b.patchCounter++
	end := int(p.Offset) + len(p.Data)
	if end > len(b.data.Data) {
		end = len(b.data.Data)
	}
	if int(p.Offset) < end {
		copy(b.data.Data[p.Offset:end], p.Data)
	}
	b.dirty = true
	b.mu.Unlock()

	b.host.memoryPatches().append(b.block, p)
	// Also recorded in the disk patch log, which buffers records and writes
	// a segment once a block's worth has accumulated; nothing reads those
	// segments back. Write-back drops the block's entries from that log once
	// the block's own full or patch write lands.
	if err := b.host.diskPatches().append(ctx, b.block, p); err != nil {
		return err
	}
	b.host.writeback().markDirty(b)
	return nil
}

// majorWrite bypasses the patch log entirely: the whole block is replaced
// and the buffer is marked for a full flush rather than a patch replay,
// per §4.3's get_data_major_write.
func (b *InnerBuf) majorWrite(data []byte) {
	b.mu.Lock()
	b.data = page.Block{Data: data}
	b.dirty = true
	b.ensureFlush_ = true
	b.mu.Unlock()

	// Design note 9 (open question): clear the block's memory patch log
	// immediately rather than waiting for the next flush cycle, closing the
	// race where a concurrent reader would see the full-block mutation plus
	// a now-stale patch replayed on top of it.
	b.host.memoryPatches().clear(b.block)
	b.host.writeback().markDirty(b)
}

func (b *InnerBuf) markDeleted() {
	b.mu.Lock()
	b.doDelete = true
	b.dirty = true
	b.mu.Unlock()
	b.host.writeback().markDirty(b)
}

func (b *InnerBuf) ensureFlush() {
	b.mu.Lock()
	b.ensureFlush_ = true
	b.mu.Unlock()
}

// safeToUnload matches §4.3's unload precondition exactly: zero refcount,
// no live snapshots, not dirty, not mid-flush (dirty covers "being written
// back" since write-back never clears it before the serializer acks).
func (b *InnerBuf) safeToUnload() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refcount == 0 && len(b.snapshots) == 0 && !b.dirty
}

func (b *InnerBuf) retain() {
	b.mu.Lock()
	b.refcount++
	b.mu.Unlock()
}

func (b *InnerBuf) unretain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refcount--
	return b.refcount
}

func (b *InnerBuf) timeSinceAccess() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.recency)
}

func (b *InnerBuf) isDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}
