package diskmanager

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"shardcore/storage_engine/serializer"
	"shardcore/types"
)

func openTest(t *testing.T, blockSize int) *FileSerializer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	fs, err := Open(path, blockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestAllocateSkipsSuperblock(t *testing.T) {
	fs := openTest(t, 512)
	ctx := context.Background()
	id, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if id == fs.SuperblockID() {
		t.Fatalf("AllocateBlock handed out the reserved superblock id %d", id)
	}
	id2, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if id2 == id {
		t.Fatalf("AllocateBlock returned the same id twice: %d", id)
	}
}

func TestWriteFullThenReadRoundTrips(t *testing.T) {
	fs := openTest(t, 256)
	ctx := context.Background()
	block, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}

	payload := make([]byte, fs.BlockSize())
	for i := range payload {
		payload[i] = byte(i)
	}
	ack, err := fs.Write(ctx, serializer.Write{Block: block, Full: payload})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ack.TxnID != fs.LatestTxnID() {
		t.Fatalf("ack txn id %d != LatestTxnID %d", ack.TxnID, fs.LatestTxnID())
	}

	got, err := fs.Read(ctx, block)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read bytes did not match the written full block")
	}
}

func TestPatchWriteMergesIntoExisting(t *testing.T) {
	fs := openTest(t, 64)
	ctx := context.Background()
	block, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}

	full := bytes.Repeat([]byte{0xFF}, fs.BlockSize())
	if _, err := fs.Write(ctx, serializer.Write{Block: block, Full: full}); err != nil {
		t.Fatalf("initial full write: %v", err)
	}

	patch := types.Patch{Offset: 4, Data: []byte{0x01, 0x02, 0x03}}
	if _, err := fs.Write(ctx, serializer.Write{Block: block, Patches: []types.Patch{patch}}); err != nil {
		t.Fatalf("patch write: %v", err)
	}

	got, err := fs.Read(ctx, block)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got[4:7], []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("patch bytes not applied, got %v", got[4:7])
	}
	if got[0] != 0xFF || got[8] != 0xFF {
		t.Fatal("patch write clobbered bytes outside its range")
	}
}

func TestDeletedBlockReadsAsNotFound(t *testing.T) {
	fs := openTest(t, 128)
	ctx := context.Background()
	block, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if _, err := fs.Write(ctx, serializer.Write{Block: block, Full: make([]byte, fs.BlockSize())}); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	if _, err := fs.Write(ctx, serializer.Write{Block: block, Deleted: true}); err != nil {
		t.Fatalf("delete write: %v", err)
	}
	if _, err := fs.Read(ctx, block); err != types.ErrBlockNotFound {
		t.Fatalf("expected ErrBlockNotFound after delete, got %v", err)
	}
}

func TestAllocatedButNeverFlushedReadsAsZeros(t *testing.T) {
	fs := openTest(t, 32)
	ctx := context.Background()
	block, err := fs.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	got, err := fs.Read(ctx, block)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, fs.BlockSize())) {
		t.Fatal("expected an allocated-but-unflushed block to read back as zeros")
	}
}

func TestAllocateBlockExhaustedIDSpace(t *testing.T) {
	fs := openTest(t, 64)
	fs.nextBlock = types.NilBlockID // simulate having minted every id up to the sentinel

	if _, err := fs.AllocateBlock(context.Background()); err != types.ErrNoFreeBlocks {
		t.Fatalf("expected ErrNoFreeBlocks once the id space reaches NilBlockID, got %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	ctx := context.Background()

	fs1, err := Open(path, 128)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	block, err := fs1.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, fs1.BlockSize())
	if _, err := fs1.Write(ctx, serializer.Write{Block: block, Full: payload}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs2, err := Open(path, 128)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()
	got, err := fs2.Read(ctx, block)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("data did not survive close and reopen")
	}
}
