package buffercache

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"shardcore/config"
	"shardcore/types"
)

// replacement is the randomized sampling eviction policy of §4.7: pick K
// resident candidates, keep only those safe_to_unload(), evict the one with
// the largest time-since-access. A ristretto counter cache supplies a
// secondary access-frequency hint used only to break exact-age ties, the
// same role ristretto plays as an admission/eviction hint store in a normal
// read-through cache, just fed by this policy's own accesses instead of a
// downstream store's.
type replacement struct {
	samples int
	rng     *rand.Rand

	mu    sync.Mutex
	hints *ristretto.Cache[types.BlockID, int64]
}

func newReplacement(cfg config.CacheConfig, seed int64) *replacement {
	hints, err := ristretto.NewCache(&ristretto.Config[types.BlockID, int64]{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// ristretto only fails construction on invalid config constants
		// above, never at runtime, so a hint-less policy is the only
		// degraded mode worth handling rather than propagating this up
		// through every acquire call.
		hints = nil
	}
	return &replacement{
		samples: cfg.ReplacementSamples,
		rng:     rand.New(rand.NewSource(seed)),
		hints:   hints,
	}
}

// recordAccess bumps block's frequency hint. Called from InnerBuf's home
// worker on every acquire, so no lock is needed on the counter update
// itself beyond what ristretto's own Cache provides.
func (r *replacement) recordAccess(block types.BlockID) {
	if r.hints == nil {
		return
	}
	freq := int64(1)
	if v, ok := r.hints.Get(block); ok {
		freq = v + 1
	}
	r.hints.Set(block, freq, 1)
}

func (r *replacement) frequency(block types.BlockID) int64 {
	if r.hints == nil {
		return 0
	}
	v, _ := r.hints.Get(block)
	return v
}

// pickVictim samples up to r.samples resident buffers from the page map and
// returns the best eviction candidate, or types.ErrAllPinned if none of the
// sample is safe to unload (never dirty, never refcounted, per §4.3/§4.7).
func (r *replacement) pickVictim(pm *pageMap) (*InnerBuf, error) {
	all := pm.snapshot()
	if len(all) == 0 {
		return nil, types.ErrAllPinned
	}

	r.mu.Lock()
	n := r.samples
	if n > len(all) {
		n = len(all)
	}
	idxs := r.rng.Perm(len(all))[:n]
	r.mu.Unlock()

	var best *InnerBuf
	var bestAge time.Duration = -1
	for _, i := range idxs {
		cand := all[i]
		if !cand.safeToUnload() {
			continue
		}
		age := cand.timeSinceAccess()
		if best == nil || age > bestAge || (age == bestAge && r.frequency(cand.block) < r.frequency(best.block)) {
			best = cand
			bestAge = age
		}
	}
	if best == nil {
		return nil, types.ErrAllPinned
	}
	return best, nil
}
