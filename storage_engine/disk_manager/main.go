// Package diskmanager is the core's one concrete serializer.Serializer:
// a single backing file, block-addressed, written through at a fixed
// block size. It owns OS file handles and the block-id space the way the
// original disk manager owned page ids and file handles — ReadAt/WriteAt at
// computed offsets, a counter for fresh ids, an fsync on every durable
// write — just narrowed from many heap/index files down to the one file a
// serializer needs.
package diskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

const defaultBlockSize = 4096

// Open opens (creating if necessary) path as the backing file for a
// FileSerializer with the given block size. Block 0 is reserved as the
// superblock and is never handed out by AllocateBlock.
func Open(path string, blockSize int) (*FileSerializer, error) {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("diskmanager: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("diskmanager: stat %s: %w", path, err)
	}

	nextBlock := types.BlockID(stat.Size() / int64(blockSize))
	if nextBlock < 1 {
		nextBlock = 1 // block 0 is the superblock, always reserved
	}

	return &FileSerializer{
		file:       file,
		blockSize:  blockSize,
		nextBlock:  nextBlock,
		fileLength: stat.Size(),
		deleted:    make(map[types.BlockID]bool),
	}, nil
}

func (fs *FileSerializer) BlockSize() int { return fs.blockSize }

func (fs *FileSerializer) SuperblockID() types.BlockID { return types.SuperblockID }

func (fs *FileSerializer) LatestTxnID() types.SerializerTxnID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.lastTxnID
}

// AllocateBlock hands back the next unused block id. The id space is
// session-scoped on top of file size: restarting with a shorter file would
// reuse ids, which is why the cache's free list is the only path to ids
// that were deleted mid-session (see storage_engine/buffercache/freelist).
// NilBlockID marks the top of the id space, so AllocateBlock stops handing
// out ids once it would reach it rather than wrapping back into 0, the
// superblock.
func (fs *FileSerializer) AllocateBlock(_ context.Context) (types.BlockID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.nextBlock >= types.NilBlockID {
		return 0, types.ErrNoFreeBlocks
	}
	id := fs.nextBlock
	fs.nextBlock++
	delete(fs.deleted, id)
	return id, nil
}

func (fs *FileSerializer) offset(block types.BlockID) int64 {
	return int64(block) * int64(fs.blockSize)
}

func (fs *FileSerializer) Read(_ context.Context, block types.BlockID) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if block != types.SuperblockID && block >= fs.nextBlock {
		return nil, types.ErrBlockNotFound
	}
	if fs.deleted[block] {
		return nil, types.ErrBlockNotFound
	}

	buf := make([]byte, fs.blockSize)
	n, err := fs.file.ReadAt(buf, fs.offset(block))
	if err != nil && n == 0 && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("diskmanager: read block %d: %w", block, err)
	}
	// A block that was allocated but never flushed reads as zeros, same as
	// a short read off the tail of a sparse file.
	for i := n; i < fs.blockSize; i++ {
		buf[i] = 0
	}
	return buf, nil
}

func (fs *FileSerializer) Write(_ context.Context, w serializer.Write) (serializer.Ack, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if w.Deleted {
		fs.deleted[w.Block] = true
		fs.lastTxnID++
		return serializer.Ack{TxnID: fs.lastTxnID}, nil
	}
	delete(fs.deleted, w.Block)

	var payload []byte
	switch {
	case w.Full != nil:
		if len(w.Full) != fs.blockSize {
			return serializer.Ack{}, fmt.Errorf("diskmanager: full write to block %d has %d bytes, want %d", w.Block, len(w.Full), fs.blockSize)
		}
		payload = w.Full
	case len(w.Patches) > 0:
		current := make([]byte, fs.blockSize)
		n, err := fs.file.ReadAt(current, fs.offset(w.Block))
		if err != nil && n == 0 && !errors.Is(err, io.EOF) {
			return serializer.Ack{}, fmt.Errorf("diskmanager: read-before-patch block %d: %w", w.Block, err)
		}
		for _, p := range w.Patches {
			end := int(p.Offset) + len(p.Data)
			if end > fs.blockSize {
				return serializer.Ack{}, fmt.Errorf("diskmanager: patch on block %d overruns block size", w.Block)
			}
			copy(current[p.Offset:end], p.Data)
		}
		payload = current
	default:
		return serializer.Ack{}, fmt.Errorf("diskmanager: write to block %d has neither full data nor patches", w.Block)
	}

	if _, err := fs.file.WriteAt(payload, fs.offset(w.Block)); err != nil {
		return serializer.Ack{}, fmt.Errorf("diskmanager: write block %d: %w", w.Block, err)
	}
	if err := fs.file.Sync(); err != nil {
		return serializer.Ack{}, fmt.Errorf("diskmanager: sync after block %d: %w", w.Block, err)
	}

	fs.lastTxnID++
	return serializer.Ack{TxnID: fs.lastTxnID}, nil
}

// Close flushes and releases the backing file.
func (fs *FileSerializer) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Sync(); err != nil {
		fs.file.Close()
		return fmt.Errorf("diskmanager: sync on close: %w", err)
	}
	return fs.file.Close()
}

var _ serializer.Serializer = (*FileSerializer)(nil)
