// Package worker binds one message hub, one wake-notifier and one goroutine
// into the "worker runtime glue" component: a single-threaded cooperative
// event loop that owns a slice of process state and talks to its peers only
// through the message hub.
package worker

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"shardcore/logsink"
	"shardcore/runtime/messagehub"
	"shardcore/types"
)

// Worker runs one event loop on one goroutine. LockOSThread is used because
// the buffer cache's per-block rwi-lock and the replacement policy assume
// their owner never migrates OS threads mid-acquisition, matching the
// source runtime's one-thread-per-worker model.
type Worker struct {
	id  types.WorkerID
	hub *messagehub.Hub
	log *zap.Logger

	pinOSThread bool
}

// New returns a worker bound to hub. pinOSThread requests runtime.LockOSThread
// for the lifetime of Run; leave it false in tests that run many workers on
// a GOMAXPROCS-limited machine.
func New(id types.WorkerID, hub *messagehub.Hub, pinOSThread bool) *Worker {
	return &Worker{id: id, hub: hub, log: logsink.Get().With(zap.Int("worker", int(id))), pinOSThread: pinOSThread}
}

// Hub returns the worker's message hub, the only point of cross-worker
// contact.
func (w *Worker) Hub() *messagehub.Hub { return w.hub }

// Run is the event loop body: wait for a wake-up, drain and deliver the
// hub's initial batch, push out anything queued for other workers, repeat.
// It returns when ctx is done or the hub reports a fatal error.
func (w *Worker) Run(ctx context.Context) error {
	if w.pinOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	for {
		if err := w.hub.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: wait: %w", w.id, err)
		}

		if err := w.hub.OnEvent(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: on_event: %w", w.id, err)
		}

		if err := w.hub.PushMessages(); err != nil {
			return fmt.Errorf("worker %d: push_messages: %w", w.id, err)
		}
	}
}
