package reliability

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBeforeWait(t *testing.T) {
	r := NewRegistry()
	ch := r.Register("m1")
	assert.True(t, r.Signal("m1"))

	select {
	case <-ch:
	default:
		t.Fatal("waiter not signalled")
	}
	r.Remove("m1")
	assert.Equal(t, 0, r.Pending())
}

func TestSignalUnknownID(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Signal("nope"))
}

func TestSendWithRetrySucceedsOnAck(t *testing.T) {
	r := NewRegistry()
	var sends int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Signal("m1")
	}()
	err := r.SendWithRetry("m1", func() error {
		atomic.AddInt32(&sends, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
	assert.Equal(t, 0, r.Pending(), "waiter must be removed")
}

func TestSendWithRetryExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full retry budget")
	}
	r := NewRegistry()
	var sends int32
	start := time.Now()
	err := r.SendWithRetry("m1", func() error {
		atomic.AddInt32(&sends, 1)
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(RetryCount), atomic.LoadInt32(&sends))
	assert.GreaterOrEqual(t, time.Since(start), RetryCount*RetryInterval-100*time.Millisecond)
	assert.Equal(t, 0, r.Pending(), "exhausted waiter must be removed")
}

func TestSendWithRetrySendError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("socket closed")
	err := r.SendWithRetry("m1", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Pending())
}

func TestAwaitResponse(t *testing.T) {
	r := NewRegistry()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Signal("file-1")
	}()
	err := r.AwaitResponse("file-1", time.Second, func() error { return nil })
	require.NoError(t, err)

	err = r.AwaitResponse("file-2", 30*time.Millisecond, func() error { return nil })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, r.Pending())
}

func TestCloseUnblocksWaiters(t *testing.T) {
	r := NewRegistry()
	done := make(chan error, 1)
	go func() {
		done <- r.SendWithRetry("m1", func() error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter did not unblock on close")
	}
}

func TestSendBatch(t *testing.T) {
	r := NewRegistry()
	ids := []string{"a", "b", "c"}
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Signal("a")
		r.Signal("c")
	}()
	sent := make(chan string, 16)
	acked := r.SendBatch(ids, func(id string) error {
		sent <- id
		return nil
	})
	assert.Equal(t, 2, acked)
	assert.Equal(t, 0, r.Pending())
}
