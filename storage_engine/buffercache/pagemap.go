package buffercache

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"shardcore/types"
)

// pageMapShards bounds lock contention on the page map without needing a
// full concurrent map type; block ids are hashed with xxhash into a fixed
// number of independently-locked buckets. The cache's own operations are
// meant to run on a block's home worker, but replacement and write-back
// walk the map from that worker too, so a plain mutex per shard is enough —
// the sharding exists to keep a single flush cycle's map scan from
// serializing against unrelated acquires in other shards.
const pageMapShards = 16

type pageMapShard struct {
	mu    sync.Mutex
	table map[types.BlockID]*InnerBuf
}

// pageMap resolves a block id to its resident InnerBuf, if any. It is the
// Go stand-in for the original's array_map_t: same lookup contract, sharded
// instead of a single flat table.
type pageMap struct {
	shards [pageMapShards]*pageMapShard
}

func newPageMap() *pageMap {
	pm := &pageMap{}
	for i := range pm.shards {
		pm.shards[i] = &pageMapShard{table: make(map[types.BlockID]*InnerBuf)}
	}
	return pm
}

func (pm *pageMap) shardFor(block types.BlockID) *pageMapShard {
	h := xxhash.Sum64(blockIDBytes(block))
	return pm.shards[h%uint64(pageMapShards)]
}

func (pm *pageMap) get(block types.BlockID) (*InnerBuf, bool) {
	s := pm.shardFor(block)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.table[block]
	return buf, ok
}

func (pm *pageMap) put(block types.BlockID, buf *InnerBuf) {
	s := pm.shardFor(block)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[block] = buf
}

func (pm *pageMap) delete(block types.BlockID) {
	s := pm.shardFor(block)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, block)
}

// snapshot returns every resident buffer, used by the replacement policy's
// candidate sampling and by write-back's dirty-set capture.
func (pm *pageMap) snapshot() []*InnerBuf {
	var all []*InnerBuf
	for _, s := range pm.shards {
		s.mu.Lock()
		for _, buf := range s.table {
			all = append(all, buf)
		}
		s.mu.Unlock()
	}
	return all
}

func blockIDBytes(block types.BlockID) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(block >> (8 * i))
	}
	return b[:]
}
