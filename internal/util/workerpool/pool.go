// Package workerpool runs keyed background jobs on a bounded set of
// goroutines. At most one job per key is queued or running at a time.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work. Jobs sharing a Key are deduplicated
// while one of them is pending.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool executes submitted jobs until stopped
type Pool struct {
	name    string
	workers int
	queue   chan Job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	completed  atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
}

// New starts a pool with cfg.Workers goroutines
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		queue:    make(chan Job, cfg.QueueSize),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	defer p.release(job.Key)

	start := time.Now()
	err := p.safeRun(job)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", job.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
	p.logger.Debug("Job completed",
		zap.String("pool", p.name),
		zap.String("key", job.Key),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(p.ctx)
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// Submit queues job without blocking. It returns false when the pool is
// stopped, the queue is full, or a job with the same key is pending.
func (p *Pool) Submit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejected.Add(1)
		return false
	}
	if job.Key != "" {
		if _, busy := p.inflight[job.Key]; busy {
			p.duplicates.Add(1)
			return false
		}
	}

	select {
	case p.queue <- job:
		if job.Key != "" {
			p.inflight[job.Key] = struct{}{}
		}
		return true
	default:
		p.rejected.Add(1)
		p.logger.Warn("Worker pool queue is full",
			zap.String("pool", p.name),
			zap.String("key", job.Key))
		return false
	}
}

// Pending reports whether a job with key is queued or running
func (p *Pool) Pending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Stop cancels running jobs and waits for workers until ctx is done
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool %q stop: %w", p.name, ctx.Err())
	}
}

// Stats represents worker pool counters
type Stats struct {
	Name       string
	Workers    int
	Queued     int
	Completed  uint64
	Failed     uint64
	Rejected   uint64
	Duplicates uint64
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Workers:    p.workers,
		Queued:     len(p.queue),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Duplicates: p.duplicates.Load(),
	}
}
