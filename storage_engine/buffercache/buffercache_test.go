package buffercache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"shardcore/config"
	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

// fakeSerializer is an in-memory serializer.Serializer for tests: no real
// disk I/O, with a knob to fail the next N writes so write-back's retry
// path (S5) can be exercised deterministically.
type fakeSerializer struct {
	mu        sync.Mutex
	blockSize int
	nextID    types.BlockID
	blocks    map[types.BlockID][]byte
	deleted   map[types.BlockID]bool
	lastTxn   types.SerializerTxnID
	failNext  int
}

func newFakeSerializer(blockSize int) *fakeSerializer {
	return &fakeSerializer{
		blockSize: blockSize,
		nextID:    1,
		blocks:    make(map[types.BlockID][]byte),
		deleted:   make(map[types.BlockID]bool),
	}
}

func (f *fakeSerializer) BlockSize() int              { return f.blockSize }
func (f *fakeSerializer) SuperblockID() types.BlockID { return types.SuperblockID }

func (f *fakeSerializer) LatestTxnID() types.SerializerTxnID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTxn
}

func (f *fakeSerializer) AllocateBlock(_ context.Context) (types.BlockID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeSerializer) Read(_ context.Context, block types.BlockID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.blocks[block]; ok {
		out := make([]byte, f.blockSize)
		copy(out, data)
		return out, nil
	}
	return make([]byte, f.blockSize), nil
}

func (f *fakeSerializer) Write(_ context.Context, w serializer.Write) (serializer.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return serializer.Ack{}, errWriteFailed
	}

	if w.Deleted {
		f.deleted[w.Block] = true
		delete(f.blocks, w.Block)
		f.lastTxn++
		return serializer.Ack{TxnID: f.lastTxn}, nil
	}

	current, ok := f.blocks[w.Block]
	if !ok {
		current = make([]byte, f.blockSize)
	}
	if w.Full != nil {
		current = append([]byte(nil), w.Full...)
	}
	for _, p := range w.Patches {
		end := int(p.Offset) + len(p.Data)
		if end > len(current) {
			end = len(current)
		}
		copy(current[p.Offset:end], p.Data)
	}
	f.blocks[w.Block] = current
	f.lastTxn++
	return serializer.Ack{TxnID: f.lastTxn}, nil
}

type writeFailedErr struct{}

func (writeFailedErr) Error() string { return "fakeSerializer: simulated write failure" }

var errWriteFailed = writeFailedErr{}

func newTestCache(t *testing.T, cfg config.CacheConfig) (*Cache, *fakeSerializer) {
	t.Helper()
	ser := newFakeSerializer(256)
	c, err := New(context.Background(), ser, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, ser
}

func fill(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// S4: copy-on-write snapshot isolation.
func TestCOWSnapshot(t *testing.T) {
	ctx := context.Background()
	cache, ser := newTestCache(t, config.DefaultCacheConfig())

	txnA := cache.Begin(types.AccessWrite)
	h, err := txnA.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	block := h.BlockID()
	if err := h.MajorWrite(fill(ser.blockSize, 0xAA)); err != nil {
		t.Fatalf("MajorWrite: %v", err)
	}
	h.Release()

	reader := cache.Begin(types.AccessRead)
	if err := reader.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	txnB := cache.Begin(types.AccessWrite)
	h2, err := txnB.Acquire(ctx, block, types.AccessWrite)
	if err != nil {
		t.Fatalf("Acquire write: %v", err)
	}
	if err := h2.MajorWrite(fill(ser.blockSize, 0xBB)); err != nil {
		t.Fatalf("MajorWrite: %v", err)
	}
	h2.Release()

	h3, err := reader.Acquire(ctx, block, types.AccessRead)
	if err != nil {
		t.Fatalf("snapshotted acquire: %v", err)
	}
	if !bytes.Equal(h3.Data(), fill(ser.blockSize, 0xAA)) {
		t.Fatalf("snapshot reader observed post-write bytes, expected the pre-write snapshot")
	}
	h3.Release()
	reader.Close()
}

// S4 regression: the block being re-written must not itself be at the
// cache's current version for copy-on-write to matter — it only needs some
// active snapshot at or above its own version. Allocating Y after X bumps
// the cache-wide version past X's, so a snapshot taken after that must
// still force X's next write to capture X's pre-write bytes.
func TestCOWSnapshotAcrossIntermediateAllocation(t *testing.T) {
	ctx := context.Background()
	cache, ser := newTestCache(t, config.DefaultCacheConfig())

	txn := cache.Begin(types.AccessWrite)
	hx, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate X: %v", err)
	}
	x := hx.BlockID()
	if err := hx.MajorWrite(fill(ser.blockSize, 0xAA)); err != nil {
		t.Fatalf("MajorWrite X: %v", err)
	}
	hx.Release()

	hy, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate Y: %v", err)
	}
	hy.Release()

	reader := cache.Begin(types.AccessRead)
	if err := reader.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	txnB := cache.Begin(types.AccessWrite)
	hx2, err := txnB.Acquire(ctx, x, types.AccessWrite)
	if err != nil {
		t.Fatalf("re-acquire X for write: %v", err)
	}
	if err := hx2.MajorWrite(fill(ser.blockSize, 0xBB)); err != nil {
		t.Fatalf("MajorWrite X again: %v", err)
	}
	hx2.Release()

	hx3, err := reader.Acquire(ctx, x, types.AccessRead)
	if err != nil {
		t.Fatalf("snapshotted re-acquire X: %v", err)
	}
	if !bytes.Equal(hx3.Data(), fill(ser.blockSize, 0xAA)) {
		t.Fatalf("snapshot reader observed X's post-write bytes despite snapshotting before the second write")
	}
	hx3.Release()
	reader.Close()
}

// S5: a failed serializer write leaves the block dirty for retry; a
// subsequent successful cycle clears it.
func TestWritebackRetry(t *testing.T) {
	ctx := context.Background()
	cache, ser := newTestCache(t, config.DefaultCacheConfig())

	txn := cache.Begin(types.AccessWrite)
	h, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	block := h.BlockID()
	if err := h.SetData(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	h.Release()

	buf, ok := cache.pm.get(block)
	if !ok {
		t.Fatalf("block %d not resident after allocate", block)
	}
	if !buf.isDirty() {
		t.Fatal("expected block to be dirty after SetData")
	}

	ser.failNext = 1
	if err := cache.wb.flushCycle(ctx); err == nil {
		t.Fatal("expected first flush cycle to report the simulated failure")
	}
	if !buf.isDirty() {
		t.Fatal("block must remain dirty across a failed flush")
	}

	if err := cache.wb.flushCycle(ctx); err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if buf.isDirty() {
		t.Fatal("block should be clean after a successful flush")
	}
}

// S6: replacement never evicts a block with a live handle, even under
// memory pressure that would otherwise force it out.
func TestReplacementNeverEvictsHotBlock(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultCacheConfig()
	cfg.ReplacementSamples = 2
	cache, ser := newTestCache(t, cfg)
	cfg.TargetMemoryBytes = int64(ser.blockSize) // room for exactly one block
	cache.targetBytes = cfg.TargetMemoryBytes

	txn := cache.Begin(types.AccessWrite)

	h1, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate h1: %v", err)
	}
	block1 := h1.BlockID()
	h1.Release() // now safe to unload: unpinned, clean, no snapshots

	h2, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate h2: %v", err)
	}
	block2 := h2.BlockID()
	// h2 stays held: block2 must never be picked as a victim.

	cache.evictIfOverBudget(ctx)

	if _, ok := cache.pm.get(block2); !ok {
		t.Fatal("refcounted block2 was evicted")
	}
	if _, ok := cache.pm.get(block1); ok {
		t.Fatal("expected unpinned block1 to have been evicted under memory pressure")
	}

	h2.Release()
}

// S5: a transaction's commit callback is gated on its own blocks landing,
// not on some unrelated block's failure in the same flush cycle, and only
// fails once its retry budget is spent rather than on the first transient
// failure.
func TestCommitGatedOnOwnBlocksWithBoundedRetry(t *testing.T) {
	ctx := context.Background()
	cache, ser := newTestCache(t, config.DefaultCacheConfig())

	txnA := cache.Begin(types.AccessWrite)
	ha, err := txnA.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate A: %v", err)
	}
	if err := ha.SetData(ctx, 0, []byte("a")); err != nil {
		t.Fatalf("SetData A: %v", err)
	}
	ha.Release()

	txnB := cache.Begin(types.AccessWrite)
	hb, err := txnB.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate B: %v", err)
	}
	if err := hb.SetData(ctx, 0, []byte("b")); err != nil {
		t.Fatalf("SetData B: %v", err)
	}
	hb.Release()

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	if err := txnA.Commit(func(err error) { doneA <- err }); err != nil {
		t.Fatalf("Commit A: %v", err)
	}
	if err := txnB.Commit(func(err error) { doneB <- err }); err != nil {
		t.Fatalf("Commit B: %v", err)
	}

	// Cycle 1: A's block (dirtied first, flushed first) fails; B's succeeds.
	ser.failNext = 1
	if err := cache.wb.flushCycle(ctx); err == nil {
		t.Fatal("expected cycle 1 to report A's failure")
	}
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("B's commit must not fail on A's unrelated block failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("B's commit never resolved despite its own block succeeding")
	}
	select {
	case err := <-doneA:
		t.Fatalf("A's commit must not fail before its retry budget is spent, got %v", err)
	default:
	}

	// Cycle 2: still failing, still within the default retry budget of 3.
	ser.failNext = 1
	if err := cache.wb.flushCycle(ctx); err == nil {
		t.Fatal("expected cycle 2 to report A's failure")
	}
	select {
	case err := <-doneA:
		t.Fatalf("A's commit must not fail before its retry budget is spent, got %v", err)
	default:
	}

	// Cycle 3: budget spent, the commit callback must now see a failure.
	ser.failNext = 1
	if err := cache.wb.flushCycle(ctx); err == nil {
		t.Fatal("expected cycle 3 to report A's failure")
	}
	select {
	case err := <-doneA:
		if err == nil {
			t.Fatal("expected A's commit callback to fail once its retry budget is spent")
		}
		ce, ok := err.(*types.CacheError)
		if !ok || ce.Kind != types.ErrKindIO {
			t.Fatalf("expected an I/O-kind CacheError, got %#v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("A's commit callback never fired")
	}
}

// pickVictim reports types.ErrAllPinned once every sampled candidate is
// pinned, rather than silently reporting "no victim" with no reason.
func TestPickVictimAllPinned(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultCacheConfig()
	cfg.ReplacementSamples = 4
	cache, _ := newTestCache(t, cfg)

	txn := cache.Begin(types.AccessWrite)
	h, err := txn.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// h stays held: the only resident block is pinned, so no sample can
	// ever be safe to unload.

	if _, err := cache.rp.pickVictim(cache.pm); err != types.ErrAllPinned {
		t.Fatalf("expected ErrAllPinned with every resident block pinned, got %v", err)
	}

	h.Release()
}
