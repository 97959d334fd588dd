package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTick struct {
	calls   atomic.Int32
	running atomic.Int32
	overlap atomic.Bool
	block   chan struct{}
	err     error
}

func (c *countingTick) ProcessWebhookEvents(ctx context.Context) error {
	if c.running.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.running.Add(-1)

	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.err
}

func TestWorker_TicksUntilStopped(t *testing.T) {
	tick := &countingTick{err: errors.New("transient")}
	w := NewWorker(tick, 10*time.Millisecond)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())

	require.Eventually(t, func() bool { return tick.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, w.Running())

	stopped := tick.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, tick.calls.Load())
	assert.False(t, tick.overlap.Load())
}

func TestWorker_StartTwice(t *testing.T) {
	w := NewWorker(&countingTick{}, time.Hour)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerRunning)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := NewWorker(&countingTick{}, time.Hour)

	w.Stop()
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
	assert.False(t, w.Running())

	// restartable after stop
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

func TestWorker_ParentCancelStopsWorker(t *testing.T) {
	tick := &countingTick{}
	w := NewWorker(tick, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool { return tick.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)

	// restartable without an explicit Stop
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())
	w.Stop()
	assert.False(t, w.Running())
}

func TestWorker_StopWaitsForRunningTick(t *testing.T) {
	tick := &countingTick{block: make(chan struct{})}
	w := NewWorker(tick, 5*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return tick.running.Load() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(tick.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
	assert.Equal(t, int32(0), tick.running.Load())
}

func TestNewWorker_DefaultInterval(t *testing.T) {
	w := NewWorker(&countingTick{}, 0)
	assert.Equal(t, 5*time.Second, w.interval)
}
