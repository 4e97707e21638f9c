// Package workerpool bounds how many inbound anti-entropy sessions run at once.
// Submissions beyond the queue capacity are rejected so the caller can push
// back on the peer instead of spawning unbounded goroutines.
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
	// ErrStopped is returned for tasks submitted to, or still queued in, a stopped pool
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when a task cannot be admitted without blocking
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context

	result chan error
}

// WorkerPool runs tasks on a fixed set of goroutines
type WorkerPool struct {
	name          string
	maxWorkers    int
	taskQueue     chan Task
	queueSize     int
	logger        *zap.Logger
	onActive      func(active int)
	wg            sync.WaitGroup
	admitMu       sync.RWMutex
	stopped       bool
	stopChan      chan struct{}
	activeWorkers int32

	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnActiveChange, if set, is called with the number of running tasks whenever it changes
	OnActiveChange func(active int)
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		onActive:   cfg.OnActiveChange,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		case <-p.stopChan:
			// Admission is closed, so the queue only shrinks from here
			for {
				select {
				case task := <-p.taskQueue:
					p.executeTask(id, task)
				default:
					p.logger.Debug("Worker stopping",
						zap.String("pool", p.name),
						zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.setActive(atomic.AddInt32(&p.activeWorkers, 1))
	defer func() { p.setActive(atomic.AddInt32(&p.activeWorkers, -1)) }()

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	task.result <- err
}

func (p *WorkerPool) setActive(active int32) {
	if p.onActive != nil {
		p.onActive(int(active))
	}
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	if err := task.Context.Err(); err != nil {
		return err
	}

	return task.Fn(task.Context)
}

// TrySubmit admits task without blocking. On success the returned channel
// receives the task's result exactly once. It fails with ErrQueueFull when no
// worker or queue slot is free and with ErrStopped after Stop.
func (p *WorkerPool) TrySubmit(task Task) (<-chan error, error) {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, ErrStopped
	}

	task.result = make(chan error, 1)
	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return task.result, nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, ErrQueueFull
	}
}

// Stop closes admission and waits for queued and running tasks to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.admitMu.Lock()
	if p.stopped {
		p.admitMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopChan)
	p.admitMu.Unlock()

	p.logger.Info("Stopping worker pool", zap.String("name", p.name))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		return fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
	}
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// Capacity is the number of tasks the pool holds before rejecting
func (s Stats) Capacity() int {
	return s.MaxWorkers + s.QueueSize
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}
