// Package serializer defines the contract the buffer cache core treats as
// an external collaborator (see §6 and §1's scope note: "the concrete
// on-disk serializer format" is deliberately out of scope here). Anything
// implementing Serializer — a real disk manager, a patch-aware store, a
// fake for tests — can sit underneath the cache unmodified.
package serializer

import (
	"context"

	"shardcore/types"
)

// Write describes one serializer write: either a full block image or a set
// of patches to replay against the block's current on-disk contents, never
// both. Deleted marks the block for removal rather than either kind of
// write; the serializer may reclaim the block id once it acks a delete.
type Write struct {
	Block   types.BlockID
	Full    []byte
	Patches []types.Patch
	Deleted bool
}

// Ack is returned once a Write lands durably (whatever durability the
// concrete serializer provides; the cache makes no stronger promise — see
// the design's Non-goals).
type Ack struct {
	TxnID types.SerializerTxnID
}

// Serializer is the block-oriented asynchronous interface the buffer cache
// is built on top of. Implementations must be safe for concurrent use: the
// cache's write-back issues writes for many blocks concurrently and reads
// can race writes to other blocks.
type Serializer interface {
	// BlockSize is fixed for the lifetime of the serializer.
	BlockSize() int

	// SuperblockID is the reserved id of the serializer's own bookkeeping
	// block. Patch-disk-storage's reserved range begins at SuperblockID+1.
	SuperblockID() types.BlockID

	// AllocateBlock hands back a fresh block id the serializer has not
	// handed out before (and will not hand out again until the cache
	// deletes it).
	AllocateBlock(ctx context.Context) (types.BlockID, error)

	// Read loads one block's current durable contents. ErrBlockNotFound if
	// the serializer never allocated or has since deleted the block.
	Read(ctx context.Context, block types.BlockID) ([]byte, error)

	// Write durably applies one Write and returns the serializer
	// transaction id it was assigned. Writes to different blocks may be
	// acked out of order; writes to the same block are acked in the order
	// submitted.
	Write(ctx context.Context, w Write) (Ack, error)

	// LatestTxnID returns the most recent transaction id this serializer
	// has handed out, monotonically increasing across the process.
	LatestTxnID() types.SerializerTxnID
}
