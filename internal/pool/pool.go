// Package pool dispatches ingestion tasks across a fixed set of workers.
// Each worker owns its own plugin transformer instance; tasks are routed
// to the least-loaded worker and never migrate mid-execution.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridianhq/meridian/internal/emit"
	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/plugin"
	"github.com/meridianhq/meridian/internal/process"
)

// Task names accepted by RunTask.
const (
	TaskProcessEvent  = "processEvent"
	TaskProcessEvents = "processEvents"
	TaskIngestEvent   = "ingestEvent"
)

var (
	// ErrWorkerCrashed fails a task whose worker panicked mid-execution.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrPoolClosed rejects tasks submitted after Destroy began.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrUnknownTask rejects unrecognized task names.
	ErrUnknownTask = errors.New("unknown task")
)

// Task is one unit of work: a single event or a batch.
type Task struct {
	Name   string
	Event  *event.PluginEvent
	Events []*event.PluginEvent
}

// Result carries a task's output. Event/Events hold plugin-transformed
// events (nil entries are drops); Canonical is set by ingestEvent.
type Result struct {
	Event     *event.PluginEvent
	Events    []*event.PluginEvent
	Canonical *emit.CanonicalEvent
}

// TaskResult resolves a submitted task's future.
type TaskResult struct {
	Result Result
	Err    error
}

// Config sizes the pool.
type Config struct {
	// Concurrency is the number of workers.
	Concurrency int `yaml:"concurrency"`
	// TasksPerWorker is the soft cap of in-flight tasks per worker; tasks
	// above Concurrency*TasksPerWorker queue FIFO.
	TasksPerWorker int `yaml:"tasks_per_worker"`
}

// DefaultConfig returns the pool sizing used when none is configured.
func DefaultConfig() Config {
	return Config{Concurrency: 4, TasksPerWorker: 10}
}

type taskRequest struct {
	ctx    context.Context
	task   Task
	result chan TaskResult
}

// Pool is the bounded-concurrency task dispatcher.
type Pool struct {
	cfg       Config
	processor *process.Processor

	mu       sync.Mutex
	cond     *sync.Cond
	workers  []*worker
	overflow []*taskRequest
	closed   bool

	wg sync.WaitGroup
}

// New starts the pool: Concurrency workers, each with its own transformer
// built by factory.
func New(cfg Config, factory plugin.Factory, processor *process.Processor) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.TasksPerWorker <= 0 {
		cfg.TasksPerWorker = DefaultConfig().TasksPerWorker
	}
	if factory == nil {
		factory = func() (plugin.Transformer, error) { return plugin.Noop{}, nil }
	}

	p := &Pool{cfg: cfg, processor: processor}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < cfg.Concurrency; i++ {
		transformer, err := factory()
		if err != nil {
			p.Destroy(context.Background())
			return nil, fmt.Errorf("build transformer for worker %d: %w", i, err)
		}
		w := &worker{
			id:          i,
			pool:        p,
			factory:     factory,
			transformer: transformer,
			tasks:       make(chan *taskRequest, cfg.TasksPerWorker),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run()
	}

	return p, nil
}

// Submit enqueues a task and returns its future. The returned channel
// receives exactly one TaskResult.
func (p *Pool) Submit(ctx context.Context, task Task) <-chan TaskResult {
	req := &taskRequest{ctx: ctx, task: task, result: make(chan TaskResult, 1)}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		req.result <- TaskResult{Err: ErrPoolClosed}
		return req.result
	}

	if w := p.leastLoadedLocked(); w != nil {
		w.pending++
		w.tasks <- req
	} else {
		p.overflow = append(p.overflow, req)
	}
	return req.result
}

// RunTask submits the task and awaits its result.
func (p *Pool) RunTask(ctx context.Context, task Task) (Result, error) {
	select {
	case res := <-p.Submit(ctx, task):
		return res.Result, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// leastLoadedLocked returns the worker with the fewest in-flight tasks
// that still has capacity, or nil when the aggregate budget is spent.
func (p *Pool) leastLoadedLocked() *worker {
	var best *worker
	for _, w := range p.workers {
		if w.pending >= p.cfg.TasksPerWorker {
			continue
		}
		if best == nil || w.pending < best.pending {
			best = w
		}
	}
	return best
}

// taskDone releases w's slot and pulls queued work from the overflow.
func (p *Pool) taskDone(w *worker) {
	p.mu.Lock()
	w.pending--
	if len(p.overflow) > 0 {
		next := p.overflow[0]
		p.overflow = p.overflow[1:]
		w.pending++
		w.tasks <- next
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Destroy stops accepting tasks, drains the queue, waits for in-flight
// tasks, and terminates the workers.
func (p *Pool) Destroy(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true

	for len(p.overflow) > 0 || p.pendingLocked() > 0 {
		p.cond.Wait()
	}
	for _, w := range p.workers {
		close(w.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()

	for _, w := range p.workers {
		w.transformer.Close()
	}
	slog.Info("worker pool drained", "workers", len(p.workers))
}

func (p *Pool) pendingLocked() int {
	total := 0
	for _, w := range p.workers {
		total += w.pending
	}
	return total
}
