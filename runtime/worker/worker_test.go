package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"shardcore/config"
	"shardcore/runtime/messagehub"
)

// TestPoolBootstrapDeliversToWorkerZero exercises §6's bootstrap contract:
// the single initial message reaches worker 0's event loop once Start runs.
func TestPoolBootstrapDeliversToWorkerZero(t *testing.T) {
	cfg := config.DefaultRuntimeConfig(3)
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Stop()

	ctx, cancel := p.Start(context.Background())
	defer cancel()

	done := make(chan struct{})
	if err := p.Bootstrap(func() { close(done) }); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bootstrap message never reached worker 0")
	}
	_ = ctx
}

// TestWorkerRunStopsOnContextCancel confirms the event loop exits cleanly
// rather than hanging when its context is canceled mid-Wait.
func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	cfg := config.DefaultRuntimeConfig(1)
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Worker(0).Run(ctx) }()

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error on cancellation: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
	p.Stop()
}

// TestWorkerDeliversCrossWorkerMessage inserts a message into worker 1's
// incoming list from outside any worker, through the pool's shared fabric,
// and confirms worker 1's running loop delivers it.
func TestWorkerDeliversCrossWorkerMessage(t *testing.T) {
	cfg := config.DefaultRuntimeConfig(2)
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Stop()

	_, cancel := p.Start(context.Background())
	defer cancel()

	var mu sync.Mutex
	ran := false
	m := messagehub.NewMessage(1, func() { mu.Lock(); ran = true; mu.Unlock() })
	if err := p.Worker(1).Hub().InsertExternalMessage(m); err != nil {
		t.Fatalf("InsertExternalMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := ran
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cross-worker message never ran")
}
