// Package memory is an in-process job transport for single-instance
// deployments and tests. Jobs do not survive a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

var ErrQueueFull = errors.New("memory queue is full")
var ErrStopped = errors.New("memory queue is stopped")

type Config struct {
	Workers    int
	BufferSize int
	Backoff    time.Duration
	// MaxDeliveries caps redeliveries of one job regardless of the handler.
	MaxDeliveries int
}

type envelope struct {
	job        push.Job
	deliveries int
}

// Queue implements both dispatch.JobQueue and dispatch.JobConsumer.
type Queue struct {
	cfg    Config
	jobs   chan envelope
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 5
	}
	return &Queue{
		cfg:    cfg,
		jobs:   make(chan envelope, cfg.BufferSize),
		logger: logger.With("component", "MemoryQueue"),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Submit never blocks: a full buffer is reported as an error.
func (q *Queue) Submit(ctx context.Context, job push.Job) error {
	return q.enqueue(envelope{job: job})
}

func (q *Queue) enqueue(env envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.jobs <- env:
		return nil
	default:
		return fmt.Errorf("%w: %d jobs buffered", ErrQueueFull, cap(q.jobs))
	}
}

// Start launches the workers. It returns immediately.
func (q *Queue) Start(ctx context.Context, handler dispatch.JobHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i, handler)
	}
	q.logger.Info("Memory queue started", "workers", q.cfg.Workers, "backoff", q.cfg.Backoff)
	return nil
}

func (q *Queue) worker(ctx context.Context, id int, handler dispatch.JobHandler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.jobs:
			env.deliveries++
			if err := handler(ctx, env.job); err != nil {
				q.redeliver(env, err)
			}
		}
	}
}

func (q *Queue) redeliver(env envelope, cause error) {
	logger := q.logger.With("send_log_id", env.job.SendLogID, "deliveries", env.deliveries)
	if env.deliveries >= q.cfg.MaxDeliveries {
		logger.Error("Delivery cap reached, dropping job", "err", cause)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		logger.Warn("Queue stopped, job not redelivered", "err", cause)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(q.cfg.Backoff, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.enqueue(env); err != nil {
			logger.Error("Failed to redeliver job", "err", err)
		}
	})
	q.timers[timer] = struct{}{}
	logger.Debug("Job scheduled for redelivery", "backoff", q.cfg.Backoff)
}

// Stop halts the workers and drops pending redeliveries.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("Memory queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
