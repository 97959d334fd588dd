package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrWorkerRunning = errors.New("webhook worker already running")

// Tick is one unit of work run on every interval.
type Tick interface {
	ProcessWebhookEvents(ctx context.Context) error
}

// Worker drives a Tick on a fixed interval. Ticks never overlap.
type Worker struct {
	tick     Tick
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(tick Tick, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{tick: tick, interval: interval}
}

// Start launches the polling loop. The first tick runs one interval after Start.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	log.Info().Dur("interval", w.interval).Msg("Starting webhook worker")
	go w.loop(runCtx, w.done)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to return. It is safe to call repeatedly.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("Webhook worker stopped")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.release(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick.ProcessWebhookEvents(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Webhook worker tick failed")
			}
		}
	}
}

// release clears the running state when the loop exits on its own, e.g. after
// the parent context is cancelled. A concurrent Stop has already cleared it.
func (w *Worker) release(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != done {
		return
	}
	w.cancel()
	w.cancel, w.done = nil, nil
}
