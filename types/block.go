// Package types holds the data model shared across the runtime and the
// buffer cache: block identifiers, priority levels and the sentinel errors
// surfaced across package boundaries.
package types

// BlockID identifies one fixed-size block owned by the serializer. Block ids
// are drawn from the free list; the serializer reserves a superblock id and
// the patch-disk-storage range begins at SuperblockID+1.
type BlockID uint64

// SuperblockID is the fixed id of the serializer's superblock.
const SuperblockID BlockID = 0

// NilBlockID marks the absence of a block and the top of the id space: the
// disk manager's AllocateBlock never hands it out.
const NilBlockID BlockID = ^BlockID(0)

// WorkerID is a stable index in [0, W) where W is the fixed worker count.
type WorkerID int

// SerializerTxnID is the monotonic transaction id the serializer hands back
// on every successful write, used to order writeback completions.
type SerializerTxnID uint64

// VersionID identifies a point-in-time view of a block. Version zero (the
// "faux" version) is smaller than any version a real inner buffer can hold,
// so comparisons against it always resolve in favor of live data.
type VersionID uint64

// FauxVersionID is smaller than any valid VersionID ever assigned by a cache.
const FauxVersionID VersionID = 0
