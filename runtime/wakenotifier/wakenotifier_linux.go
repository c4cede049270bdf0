//go:build linux

package wakenotifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// eventfdNotifier backs Notifier with a Linux eventfd(2) in non-semaphore
// mode: writes accumulate into a 64-bit counter, a read drains the whole
// counter to zero in one syscall, and poll reports readable exactly while
// the counter is nonzero. That is precisely the edge we need: any number of
// Signal calls before a Consume collapse into one readable edge.
type eventfdNotifier struct {
	fd int
}

// New returns the platform's preferred Notifier backend.
func New() (Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("wakenotifier: eventfd: %w", err)
	}
	return &eventfdNotifier{fd: fd}, nil
}

func (n *eventfdNotifier) Signal() error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(n.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		// EAGAIN means the counter is already saturated, i.e. already
		// signaled; that's the coalescing case, not a failure.
		return fmt.Errorf("wakenotifier: signal: %w", err)
	}
	return nil
}

func (n *eventfdNotifier) Wait(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
	// Poll in bounded slices so a canceled context is noticed even when it
	// carries no deadline.
	const pollSliceMillis = 10
	for {
		timeout := pollSliceMillis
		if dl, ok := ctx.Deadline(); ok {
			timeout = int(dl.Sub(time.Now()).Milliseconds())
			if timeout < 0 {
				timeout = 0
			}
			if timeout > pollSliceMillis {
				timeout = pollSliceMillis
			}
		}
		_, err := unix.Poll(pfd, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wakenotifier: poll: %w", err)
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (n *eventfdNotifier) Consume() {
	var buf [8]byte
	// Non-blocking: if nothing is pending this returns EAGAIN immediately.
	_, _ = unix.Read(n.fd, buf[:])
}

func (n *eventfdNotifier) Close() error {
	return unix.Close(n.fd)
}
