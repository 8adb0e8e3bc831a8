// Package reliability implements the ACK-retry protocol on top of a generic
// correlation registry. Both the ACK path (keyed by message ID) and the file
// offer response path (keyed by file ID) register a single-shot waiter, wait
// a bounded time, and delete it.
package reliability

import (
	"errors"
	"sync"
	"time"
)

const (
	// RetryCount is the number of send attempts for ACK-requiring frames.
	RetryCount = 3
	// RetryInterval is the per-attempt ACK wait.
	RetryInterval = 2 * time.Second
	// ResponseTimeout is the wait for a FILE_ACCEPT/FILE_REJECT response.
	ResponseTimeout = 60 * time.Second
)

var (
	// ErrTimeout is returned when the retry budget or deadline is exhausted.
	ErrTimeout = errors.New("reliability: no response before timeout")
	// ErrClosed is returned to callers blocked when the registry shuts down.
	ErrClosed = errors.New("reliability: registry closed")
)

// Registry maps correlation IDs to single-shot waiters.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
	done    chan struct{}
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register installs a waiter under id. Install happens before the first send
// so a fast ACK cannot race past it.
func (r *Registry) Register(id string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

// Signal fulfils the waiter for id, if any, and reports whether one matched.
// Unmatched IDs are the caller's to log.
func (r *Registry) Signal(id string) bool {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Remove deletes the waiter for id. Every Register must be paired with a
// Remove so exhausted waiters do not leak.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Pending returns the number of outstanding waiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close unblocks every in-flight waiter with failure. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
}

// SendWithRetry registers a waiter under id, then invokes send up to
// RetryCount times, waiting RetryInterval for the waiter after each attempt.
// The waiter is removed on every exit path.
func (r *Registry) SendWithRetry(id string, send func() error) error {
	ch := r.Register(id)
	defer r.Remove(id)

	timer := time.NewTimer(RetryInterval)
	defer timer.Stop()

	for attempt := 0; attempt < RetryCount; attempt++ {
		if err := send(); err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(RetryInterval)
		select {
		case <-ch:
			return nil
		case <-r.done:
			return ErrClosed
		case <-timer.C:
		}
	}
	return ErrTimeout
}

// SendBatch implements the batched pattern used by POST: send once per ID,
// wait one aggregate window, re-send whatever is still unacknowledged, wait a
// second window, and report how many IDs were acknowledged. All waiters are
// removed before returning.
func (r *Registry) SendBatch(ids []string, send func(id string) error) int {
	chans := make(map[string]<-chan struct{}, len(ids))
	for _, id := range ids {
		chans[id] = r.Register(id)
	}
	defer func() {
		for _, id := range ids {
			r.Remove(id)
		}
	}()

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := send(id); err == nil {
			pending[id] = struct{}{}
		}
	}

	acked := 0
	for pass := 0; pass < 2 && len(pending) > 0; pass++ {
		if pass == 1 {
			for id := range pending {
				_ = send(id)
			}
		}
		deadline := time.After(RetryInterval)
	window:
		for len(pending) > 0 {
			for id := range pending {
				select {
				case <-chans[id]:
					delete(pending, id)
					acked++
				default:
				}
			}
			select {
			case <-deadline:
				break window
			case <-r.done:
				return acked
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return acked
}

// AwaitResponse registers a waiter under id, invokes send once, and waits up
// to timeout for the response signal.
func (r *Registry) AwaitResponse(id string, timeout time.Duration, send func() error) error {
	ch := r.Register(id)
	defer r.Remove(id)

	if err := send(); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-r.done:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	}
}
