// Package wakenotifier implements the one-shot, edge-triggered signal a
// worker's event loop blocks on between passes. §4.1 of the design leaves
// the backing primitive open ("self-pipe, eventfd-equivalent, or any
// primitive that survives the worker's poll"); this package picks eventfd on
// Linux and a self-pipe everywhere else, behind one interface.
package wakenotifier

import "context"

// Notifier is single-producer-multi-consumer-safe: any goroutine may call
// Signal, but only the owning worker calls Wait and Consume.
//
// Contract: multiple Signal calls observed between two Consume calls must
// not make Wait return more than once per unconsumed edge, and Consume must
// never block.
type Notifier interface {
	// Signal arms the notifier so a blocked or future Wait returns. Resource
	// exhaustion from the OS primitive (a full self-pipe, a failed eventfd
	// write) is fatal and is returned rather than swallowed.
	Signal() error

	// Wait blocks until Signal has been called at least once since the last
	// Consume, or ctx is done.
	Wait(ctx context.Context) error

	// Consume clears the pending signal. Never blocks.
	Consume()

	// Close releases the underlying OS resource.
	Close() error
}
