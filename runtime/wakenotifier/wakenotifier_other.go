//go:build !linux

package wakenotifier

import (
	"context"
	"fmt"
	"os"
	"time"
)

var noDeadline time.Time

// pipeNotifier is the self-pipe fallback: Signal writes one byte, Consume
// drains every byte currently buffered. Wait parks a goroutine on a blocking
// Read of one byte and treats that byte as the edge; any additional
// buffered bytes are mopped up by the following Consume.
type pipeNotifier struct {
	r, w *os.File
}

// New returns the platform's preferred Notifier backend.
func New() (Notifier, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wakenotifier: pipe: %w", err)
	}
	return &pipeNotifier{r: r, w: w}, nil
}

func (n *pipeNotifier) Signal() error {
	if _, err := n.w.Write([]byte{1}); err != nil {
		return fmt.Errorf("wakenotifier: signal: %w", err)
	}
	return nil
}

func (n *pipeNotifier) Wait(ctx context.Context) error {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		var buf [1]byte
		nr, err := n.r.Read(buf[:])
		done <- result{nr, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("wakenotifier: wait: %w", res.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *pipeNotifier) Consume() {
	_ = n.r.SetReadDeadline(time.Now())
	buf := make([]byte, 64)
	for {
		nr, err := n.r.Read(buf)
		if nr == 0 || err != nil {
			break
		}
	}
	_ = n.r.SetReadDeadline(noDeadline)
}

func (n *pipeNotifier) Close() error {
	werr := n.w.Close()
	rerr := n.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
