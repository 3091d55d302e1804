// Package workerpool runs slow background jobs on a bounded set of workers.
// Jobs are retried with linear backoff unless they fail permanently, and
// their outcome stays queryable by id.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped pool
	ErrPoolClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the job queue has no free slot
	ErrQueueFull = errors.New("job queue is full")
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is a unit of background work
type Job struct {
	ID   string
	Kind string
	Run  func(ctx context.Context) error
}

// Result is the observable state of a submitted job
type Result struct {
	JobID      string    `json:"jobId"`
	Kind       string    `json:"kind"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the job queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed jobs
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
	// OnFinish is called once per job after its final attempt
	OnFinish func(Result)
}

// DefaultConfig returns defaults sized for a single clinician session
func DefaultConfig() Config {
	return Config{
		Workers:                 2,
		QueueSize:               32,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for background jobs
type Pool struct {
	config Config
	logger *zap.Logger

	jobs chan *Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	results  map[string]*Result
	closed   bool
	stopOnce sync.Once

	// Metrics
	jobsSubmitted int64
	jobsSucceeded int64
	jobsFailed    int64
	jobsRetried   int64
	activeWorkers int64
	queueDepth    int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:  cfg,
		logger:  logger,
		jobs:    make(chan *Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		results: make(map[string]*Result),
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a job without blocking
func (p *Pool) Submit(job *Job) error {
	if job == nil || job.Run == nil {
		return errors.New("job has nothing to run")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.results[job.ID] = &Result{JobID: job.ID, Kind: job.Kind, Status: StatusQueued}
		atomic.AddInt64(&p.jobsSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Result returns a copy of the job's current state
func (p *Pool) Result(jobID string) (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.results[jobID]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// Stop drains queued jobs and waits for workers up to the shutdown timeout
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for job := range p.jobs {
		atomic.AddInt64(&p.queueDepth, -1)
		p.process(id, job)
	}
}

// process runs a job with retries and records its final state
func (p *Pool) process(workerID int, job *Job) {
	p.setStatus(job.ID, StatusRunning, 0, nil)

	var err error
	attempts := 0
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		attempts++
		if err = job.Run(p.ctx); err == nil {
			break
		}

		var perm *permanentError
		if errors.As(err, &perm) || attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.jobsRetried, 1)
		p.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-p.ctx.Done():
			err = p.ctx.Err()
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if err != nil {
		atomic.AddInt64(&p.jobsFailed, 1)
		if attempts > 1 {
			err = fmt.Errorf("job failed after %d attempts: %w", attempts, err)
		}
		p.logger.Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("worker_id", workerID),
			zap.Error(err))
		p.finish(job.ID, StatusFailed, attempts, err)
		return
	}

	atomic.AddInt64(&p.jobsSucceeded, 1)
	p.finish(job.ID, StatusSucceeded, attempts, nil)
}

func (p *Pool) setStatus(jobID string, status Status, attempts int, err error) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.results[jobID]
	if !ok {
		r = &Result{JobID: jobID}
		p.results[jobID] = r
	}
	r.Status = status
	if attempts > 0 {
		r.Attempts = attempts
	}
	if err != nil {
		r.Error = err.Error()
	}
	cp := *r
	return &cp
}

func (p *Pool) finish(jobID string, status Status, attempts int, err error) {
	p.mu.Lock()
	if r, ok := p.results[jobID]; ok {
		r.FinishedAt = time.Now().UTC()
	}
	p.mu.Unlock()

	final := p.setStatus(jobID, status, attempts, err)
	if p.config.OnFinish != nil {
		p.config.OnFinish(*final)
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	JobsSubmitted int64
	JobsSucceeded int64
	JobsFailed    int64
	JobsRetried   int64
	ActiveWorkers int64
	QueueDepth    int64
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: atomic.LoadInt64(&p.jobsSubmitted),
		JobsSucceeded: atomic.LoadInt64(&p.jobsSucceeded),
		JobsFailed:    atomic.LoadInt64(&p.jobsFailed),
		JobsRetried:   atomic.LoadInt64(&p.jobsRetried),
		ActiveWorkers: atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:    atomic.LoadInt64(&p.queueDepth),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
