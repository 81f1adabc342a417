package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pkcelogin-go/internal/metrics"
)

// Task represents a unit of work for the worker pool. Process returning an
// error makes the pool retry it.
type Task interface {
	Name() string
	Process(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a small pool suited to background maintenance.
func DefaultConfig() Config {
	return Config{
		Workers:    2,
		QueueSize:  10,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
	}
}

// WorkerPool manages a pool of worker goroutines
// and a queue of tasks to process
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	cfg    Config

	// mu guards tasks against a send after Stop closed it.
	mu      sync.RWMutex
	stopped bool
	tasks   chan Task

	deadLetterMu sync.Mutex
	deadLetter   []Task
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	ActiveWorkers int
	QueueLength   int
	DeadLetters   int
}

// NewWorkerPool creates a new WorkerPool. Zero fields of cfg take their
// defaults.
func NewWorkerPool(cfg Config, logger *slog.Logger) *WorkerPool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "worker"),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop signals all workers to exit and waits for them to finish. Queued
// tasks that have not started are dropped.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Submit adds a task to the queue, returns false if the queue is full or
// the pool is stopped
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false // backpressure: queue is full
	}
}

// workerLoop is the main loop for each worker goroutine
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.processWithRetry(task)
		}
	}
}

// processWithRetry runs a task up to MaxRetries+1 times, then moves it to
// the dead letter queue.
func (p *WorkerPool) processWithRetry(task Task) {
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	name := task.Name()
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.TaskRetries.WithLabelValues(name).Inc()
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		if err = task.Process(p.ctx); err == nil {
			metrics.TasksCompleted.WithLabelValues(name).Inc()
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Warn("task failed", "task", name, "attempt", attempt+1, "error", err)
	}

	metrics.TasksFailed.WithLabelValues(name).Inc()
	p.logger.Error("task moved to dead letter queue", "task", name, "error", err)

	p.deadLetterMu.Lock()
	p.deadLetter = append(p.deadLetter, task)
	p.deadLetterMu.Unlock()
}

// DeadLetterCount returns the number of tasks in the dead letter queue
func (p *WorkerPool) DeadLetterCount() int {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	return len(p.deadLetter)
}

// DrainDeadLetters returns and clears the dead letter queue.
func (p *WorkerPool) DrainDeadLetters() []Task {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	out := p.deadLetter
	p.deadLetter = nil
	return out
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.cfg.Workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ActiveWorkers: p.cfg.Workers,
		QueueLength:   len(p.tasks),
		DeadLetters:   p.DeadLetterCount(),
	}
}
