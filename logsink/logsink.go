// Package logsink holds the process-wide logging sink. The source this
// runtime is modeled on keeps a single global log_file; we keep the same
// shape but route every call through a zap.Logger handle instead of a raw
// file descriptor, with an explicit Init/Teardown pair.
package logsink

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	cur *zap.Logger = zap.NewNop()
)

// Init installs the process-wide sink. Safe to call again to swap loggers
// (e.g. when a test wants to capture output); the previous logger is
// returned so callers can restore it in Teardown.
func Init(l *zap.Logger) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := cur
	cur = l
	return prev
}

// Teardown flushes and restores the no-op sink.
func Teardown() {
	mu.Lock()
	l := cur
	cur = zap.NewNop()
	mu.Unlock()
	_ = l.Sync()
}

// Get returns the current sink. Never nil.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}
