package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
}

func TestAioDoResumesOnLoopWithResult(t *testing.T) {
	l := New(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	result := make(chan error, 1)
	err := l.AioDo(ctx,
		func(ctx context.Context) error { return errors.New("boom") },
		func(err error) { result <- err },
	)
	require.NoError(t, err)

	select {
	case err := <-result:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("completion never posted")
	}
}

func TestAioDoBoundsConcurrentWorkers(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var inFlight, maxInFlight int64
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	work := func(ctx context.Context) error {
		n := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			old := atomic.LoadInt64(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt64(&maxInFlight, old, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		return nil
	}

	done := make(chan struct{}, 2)
	require.NoError(t, l.AioDo(ctx, work, func(error) { done <- struct{}{} }))
	require.NoError(t, l.AioDo(ctx, work, func(error) { done <- struct{}{} }))

	<-started
	select {
	case <-started:
		t.Fatal("second worker started before the first released its slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-done

	assert.EqualValues(t, 1, atomic.LoadInt64(&maxInFlight))
}

func TestShutdownWaitsForOutstandingWorkers(t *testing.T) {
	l := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	finished := int64(0)
	release := make(chan struct{})
	require.NoError(t, l.AioDo(ctx, func(ctx context.Context) error {
		<-release
		atomic.AddInt64(&finished, 1)
		return nil
	}, func(error) {}))

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- l.Shutdown(context.Background())
	}()

	select {
	case <-shutdownErr:
		t.Fatal("Shutdown returned before the outstanding worker finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-shutdownErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown never returned")
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&finished))
}

func TestCompletionQueueFIFOOrder(t *testing.T) {
	q := NewCompletionQueue[int]()
	assert.True(t, q.Empty())
	q.Push(1)
	q.Push(2)
	q.Push(3)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 1, q.Pop())
	assert.Equal(t, 2, q.Pop())
	assert.Equal(t, 3, q.Pop())
	assert.True(t, q.Empty())
}
