package buffercache

import (
	"container/list"
	"context"
	"sync"

	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

// freeList hands out block ids for new inner buffers. Ids released by a
// deleted block are reused before asking the serializer to mint a fresh
// one, mirroring the original's free-list-over-a-growing-file-id-space
// design without needing to know anything about the serializer's own id
// bookkeeping beyond AllocateBlock.
type freeList struct {
	mu        sync.Mutex
	reclaimed *list.List // of types.BlockID
	ser       serializer.Serializer
}

func newFreeList(ser serializer.Serializer) *freeList {
	return &freeList{reclaimed: list.New(), ser: ser}
}

// allocate returns a reused id if one is available, otherwise mints a new
// one through the serializer.
func (f *freeList) allocate(ctx context.Context) (types.BlockID, error) {
	f.mu.Lock()
	if front := f.reclaimed.Front(); front != nil {
		f.reclaimed.Remove(front)
		id := front.Value.(types.BlockID)
		f.mu.Unlock()
		return id, nil
	}
	f.mu.Unlock()
	return f.ser.AllocateBlock(ctx)
}

// release returns block to the pool of ids future allocate calls prefer,
// called once an inner buf's delete has been acked by the serializer.
func (f *freeList) release(block types.BlockID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimed.PushBack(block)
}
