package worker

import (
	"context"
	"fmt"
	"sync"

	"shardcore/config"
	"shardcore/runtime/messagehub"
	"shardcore/runtime/wakenotifier"
	"shardcore/types"
)

// Pool owns W workers and the fabric their hubs share. It is the runtime's
// only externally visible bootstrap surface: construction wires the hubs
// together, Start spins up one goroutine per worker, and Bootstrap delivers
// the single initial message to worker 0 that §6 says begins server
// construction. Everything past that point is driven by messages, not by
// the pool.
type Pool struct {
	workers   []*Worker
	notifiers []wakenotifier.Notifier
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool constructs W workers, each with its own wake-notifier, sharing one
// fabric via their hubs.
func NewPool(cfg config.RuntimeConfig) (*Pool, error) {
	notifiers := make([]wakenotifier.Notifier, cfg.WorkerCount)
	for i := range notifiers {
		n, err := wakenotifier.New()
		if err != nil {
			for _, prev := range notifiers[:i] {
				if prev != nil {
					_ = prev.Close()
				}
			}
			return nil, fmt.Errorf("worker pool: notifier %d: %w", i, err)
		}
		notifiers[i] = n
	}

	hubs := messagehub.NewHubs(notifiers, cfg.Scheduler)
	workers := make([]*Worker, cfg.WorkerCount)
	for i, h := range hubs {
		workers[i] = New(types.WorkerID(i), h, cfg.WorkerCount > 1)
	}

	return &Pool{workers: workers, notifiers: notifiers}, nil
}

// WorkerCount returns W.
func (p *Pool) WorkerCount() int { return len(p.workers) }

// Worker returns the worker bound to id.
func (p *Pool) Worker(id types.WorkerID) *Worker { return p.workers[id] }

// Start launches one goroutine per worker running Worker.Run, returning
// immediately. Stop (via the context passed in, or Close) ends every loop.
func (p *Pool) Start(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Run(runCtx)
		}()
	}
	return runCtx, cancel
}

// Bootstrap delivers the single initial message that kicks off server
// construction to worker 0, as required by §6. It is the pool's only
// message-injection surface meant for use outside a worker's own goroutine.
func (p *Pool) Bootstrap(onThreadSwitch func()) error {
	msg := messagehub.NewMessage(types.PriorityMax, onThreadSwitch)
	return p.workers[0].Hub().InsertExternalMessage(msg)
}

// Stop cancels every worker's loop and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for _, n := range p.notifiers {
		_ = n.Close()
	}
}
