// Package config collects the knobs §6 of the design requires the core to
// honor: scheduler granularity and priority range, the patch-to-block ratio
// that forces a full flush, the worker count, and the dynamic cache
// configuration (target memory, writeback interval).
package config

import (
	"time"

	"shardcore/types"
)

// SchedulerConfig configures one worker's message hub.
type SchedulerConfig struct {
	// Granularity bounds how many PriorityMax messages are dispatched per
	// lane-scan pass; see messagehub.Hub.OnEvent.
	Granularity int
	MinPriority types.Priority
	MaxPriority types.Priority
	Ordered     types.Priority
}

// DefaultSchedulerConfig matches the teacher's MESSAGE_SCHEDULER_GRANULARITY
// default and the four-lane priority range used throughout the design.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Granularity: 16,
		MinPriority: types.PriorityMin,
		MaxPriority: types.PriorityMax,
		Ordered:     types.PriorityOrdered,
	}
}

// CacheConfig is the dynamic, reloadable half of the buffer cache's
// configuration: how much memory to target and how often to flush.
type CacheConfig struct {
	TargetMemoryBytes  int64
	WritebackInterval  time.Duration
	MaxPatchesRatio    float64
	ReplacementSamples int
	// CommitRetryBudget bounds how many flush cycles a transaction's commit
	// waits out a failing write to one of its own blocks before its on_sync
	// callback is told the commit failed (§7's "retry on a bounded schedule,
	// then fail"). The block itself stays dirty and keeps retrying on
	// write-back's own schedule regardless of this budget.
	CommitRetryBudget int
}

// DefaultCacheConfig mirrors the static defaults the mirrored cache ships
// with: a 5-second flush interval, a conservative patch ratio, an 8-way
// random sample for eviction, and three flush cycles of grace before a
// commit callback sees a failure.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TargetMemoryBytes:  512 << 20,
		WritebackInterval:  5 * time.Second,
		MaxPatchesRatio:    0.5,
		ReplacementSamples: 8,
		CommitRetryBudget:  3,
	}
}

// RuntimeConfig is the fixed, process-lifetime configuration: how many
// workers exist. W never changes after Pool construction.
type RuntimeConfig struct {
	WorkerCount int
	Scheduler   SchedulerConfig
	Cache       CacheConfig
}

func DefaultRuntimeConfig(workerCount int) RuntimeConfig {
	return RuntimeConfig{
		WorkerCount: workerCount,
		Scheduler:   DefaultSchedulerConfig(),
		Cache:       DefaultCacheConfig(),
	}
}
