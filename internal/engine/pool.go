package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/metrics"
)

var ErrPoolClosed = errors.New("job pool is closed")

// Pool runs jobs with bounded concurrency and tracks them so they can be
// drained on stop. A drained pool cannot be reused.
type Pool struct {
	slots   chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	metrics *metrics.Collector
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	stopped  bool
	inFlight int
}

func NewPool(concurrency int, collector *metrics.Collector, logger *zap.SugaredLogger) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		slots:   make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		metrics: collector,
		logger:  logger.With("component", "job_pool"),
	}
}

// Submit blocks until a slot is free, then runs job on its own goroutine.
// The job context belongs to the pool, not to ctx, so a job keeps running
// after the submitter goes away and is only cancelled by Drain.
func (p *Pool) Submit(ctx context.Context, job func(ctx context.Context)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolClosed
	case p.slots <- struct{}{}:
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.inFlight++
	p.wg.Add(1)
	p.mu.Unlock()
	p.metrics.JobStarted()

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				p.logger.Errorw("job panicked", "panic", recovered)
			}
			p.mu.Lock()
			p.inFlight--
			p.mu.Unlock()
			p.metrics.JobFinished()
			<-p.slots
			p.wg.Done()
		}()
		job(p.ctx)
	}()
	return nil
}

func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Drain refuses new jobs and waits for running ones. Jobs still running
// after grace are cancelled; Drain then waits for them to return.
func (p *Pool) Drain(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warnw("grace period elapsed, cancelling running jobs", "in_flight", p.InFlight())
		p.cancel()
		<-done
	}
	p.cancel()
}
