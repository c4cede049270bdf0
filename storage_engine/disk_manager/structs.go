package diskmanager

import (
	"os"
	"sync"

	"shardcore/types"
)

// FileSerializer is the disk_manager's concrete implementation of
// serializer.Serializer: one backing file, block-addressed, with a
// dedicated superblock at block 0 and a monotonically increasing
// transaction id handed out on every successful write.
type FileSerializer struct {
	file      *os.File
	blockSize int

	mu         sync.RWMutex
	nextBlock  types.BlockID
	lastTxnID  types.SerializerTxnID
	fileLength int64
	deleted    map[types.BlockID]bool
}
