package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Submit when no more runs can be queued.
	ErrQueueFull = errors.New("run queue is full")
	// ErrQueueStopped is returned by Submit after Stop.
	ErrQueueStopped = errors.New("run queue is stopped")
)

// Job is a queued request to run the pipeline.
type Job struct {
	ID     string
	Reason string // who asked: cli, watch, api
	Config PipelineConfig
}

// JobResult captures the outcome of a Job.
type JobResult struct {
	Job    Job
	Report Report
	Error  error
}

// Queue serialises pipeline runs requested from several places (watcher,
// HTTP API) onto one engine.
type Queue struct {
	engine    *Engine
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	mu        sync.Mutex // guards stopped, jobs sends and subs
	stopped   bool
	subs      map[int]chan JobResult
	nextSubID int
}

// NewQueue starts the queue worker. depth bounds how many runs may wait.
func NewQueue(ctx context.Context, engine *Engine, logger *slog.Logger, depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		engine: engine,
		log:    logger,
		jobs:   make(chan Job, depth),
		cancel: cancel,
		subs:   make(map[int]chan JobResult),
	}
	q.wg.Add(1)
	go q.worker(ctx)
	return q
}

// Submit adds a run to the queue and returns its job ID.
func (q *Queue) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Config.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrQueueStopped
	}
	select {
	case q.jobs <- job:
		q.log.Info("run queued", "job", job.ID, "reason", job.Reason, "input", job.Config.InputRoot)
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Pending reports how many runs are waiting.
func (q *Queue) Pending() int { return len(q.jobs) }

// Stop cancels the active run, drops queued ones and waits for the worker.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.mu.Lock()
		q.stopped = true
		close(q.jobs)
		q.mu.Unlock()
		q.wg.Wait()
		q.mu.Lock()
		for id, ch := range q.subs {
			close(ch)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			start := time.Now()
			rep, err := q.engine.Process(ctx, job.Config)
			if err != nil {
				q.log.Error("run failed", "job", job.ID, "run", rep.RunID, "duration", time.Since(start).Round(time.Millisecond).String(), "error", err)
			} else {
				q.log.Info("run done", "job", job.ID, "run", rep.RunID, "results", len(rep.Results), "duration", time.Since(start).Round(time.Millisecond).String())
			}
			q.broadcast(JobResult{Job: job, Report: rep, Error: err})
		}
	}
}

// Subscribe returns a channel for receiving finished runs and an unsubscribe function.
func (q *Queue) Subscribe() (<-chan JobResult, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan JobResult, 8)
	q.subs[id] = ch
	unsub := func() {
		q.mu.Lock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	}
	return ch, unsub
}

func (q *Queue) broadcast(res JobResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ch := range q.subs {
		select {
		case ch <- res:
		default:
			q.log.Warn("job channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
