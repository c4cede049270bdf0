// Package page holds the one thing every layer above the serializer needs
// to agree on: the fixed-size byte block a block id names. It carries no
// locking or cache bookkeeping of its own — that lives on the inner buffer
// in storage_engine/buffercache, which is the component actually allowed to
// mutate a block's bytes.
package page

// Block holds one block's bytes. Copying a Block shares its backing array:
// the cache mutates a resident block's Data in place when applying a patch,
// and its copy-on-write path Clones the bytes first to keep the pre-write
// view for snapshots. A Clone never aliases the original's backing array.
type Block struct {
	Data []byte
}

// New allocates a zero-filled block of size bytes.
func New(size int) Block {
	return Block{Data: make([]byte, size)}
}

// Clone returns a deep copy, the building block of the cache's
// copy-on-write snapshot path.
func (b Block) Clone() Block {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return Block{Data: data}
}
