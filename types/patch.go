package types

// Patch is a small, replayable in-place edit to a block, recorded in lieu
// of a full-block write. Applying a patch means copying Data into the
// block's bytes starting at Offset.
type Patch struct {
	Counter PatchCounter
	Offset  uint32
	Data    []byte
}

// Size is the number of bytes the patch occupies in a block's patch log,
// used when weighing the accumulated patch size against the block size to
// decide whether a full-block flush is cheaper.
func (p Patch) Size() int {
	return len(p.Data)
}

// PatchCounter orders the patches applied to one block; it is local to a
// single inner buffer and resets whenever the block is reloaded.
type PatchCounter uint32
