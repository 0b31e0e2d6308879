package worker

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/eventflo/internal/metrics"
)

// ErrQueueFull is returned by Pool.Schedule when no slot is free. The event stays queued.
var ErrQueueFull = errors.New("worker queue is full")

// ErrPoolStopped is returned by Pool.Schedule after Run has returned
var ErrPoolStopped = errors.New("worker pool stopped")

// Scheduler starts a processor run for an event at some later point
type Scheduler interface {
	Schedule(ctx context.Context, id uuid.UUID) error
}

// RunFunc performs one processor run
type RunFunc func(ctx context.Context, id uuid.UUID) error

// Pool runs processor invocations on a fixed set of goroutines
type Pool struct {
	size    int
	jobs    chan uuid.UUID
	run     RunFunc
	metrics *metrics.Metrics
	stopped atomic.Bool
}

// NewPool creates a pool with size workers and room for queueSize pending runs
func NewPool(size, queueSize int, run RunFunc, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Pool{
		size:    size,
		jobs:    make(chan uuid.UUID, queueSize),
		run:     run,
		metrics: m,
	}
}

// Schedule hands id to a worker without blocking the caller
func (p *Pool) Schedule(_ context.Context, id uuid.UUID) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- id:
		p.metrics.SetGauge(metrics.WorkerQueueDepth, int64(len(p.jobs)))
		return nil
	default:
		p.metrics.IncrementCounter(metrics.ScheduleDropped)
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. A run already in
// progress is allowed to finish; ids still waiting in the queue are left for the sweeper.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("workers", p.size).Int("queue", cap(p.jobs)).Msg("starting worker pool")
	defer p.stopped.Store(true)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-p.jobs:
					p.metrics.SetGauge(metrics.WorkerQueueDepth, int64(len(p.jobs)))
					p.execute(ctx, worker, id)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) execute(ctx context.Context, worker int, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", worker).Str("event_id", id.String()).Interface("panic", r).Msg("processor run panicked")
		}
	}()

	if err := p.run(context.WithoutCancel(ctx), id); err != nil {
		log.Warn().Err(err).Int("worker", worker).Str("event_id", id.String()).Msg("processor run failed")
	}
}

// Pending reports how many runs are waiting for a worker
func (p *Pool) Pending() int {
	return len(p.jobs)
}
