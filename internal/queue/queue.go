// Package queue runs background jobs on a fixed pool of workers. Job state
// lives in a Backend so that status can be polled from another request.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/store"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrQueueFull   = errors.New("job queue is full")
	ErrJobNotFound = errors.New("job not found")
)

// Backend stores job records and hands job IDs to workers.
type Backend interface {
	// Enqueue persists a pending job and makes it available to Dequeue.
	Enqueue(ctx context.Context, job store.Job) error
	// Dequeue blocks until a job ID is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	Save(ctx context.Context, job store.Job) error
	Load(ctx context.Context, id string) (*store.Job, error)
	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]store.Job, error)
}

// Handler executes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type Pool struct {
	backend Backend
	workers int

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

func NewPool(backend Backend, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		backend:  backend,
		workers:  workers,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Handle registers the handler for a job kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Submit records a pending job and queues it. It returns the job ID.
func (p *Pool) Submit(ctx context.Context, kind string, payload any) (string, error) {
	if _, ok := p.handler(kind); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := store.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		State:     models.JobPending,
		CreatedAt: p.now().UTC(),
	}
	if err := p.backend.Enqueue(ctx, job); err != nil {
		return "", err
	}
	log.Printf("queue: submitted %s job %s", kind, job.ID)
	return job.ID, nil
}

// Get returns the current state of a job.
func (p *Pool) Get(ctx context.Context, id string) (*store.Job, error) {
	return p.backend.Load(ctx, id)
}

// List returns recent jobs, newest first.
func (p *Pool) List(ctx context.Context, limit int) ([]store.Job, error) {
	jobs, err := p.backend.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	return jobs, nil
}

// Wait polls until the job reaches a terminal state or ctx is done.
func (p *Pool) Wait(ctx context.Context, id string) (*store.Job, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := p.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	log.Printf("queue: %d workers started", p.workers)
	wg.Wait()
	log.Printf("queue: workers stopped")
}

func (p *Pool) work(ctx context.Context) {
	for {
		id, err := p.backend.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue: dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.execute(ctx, id)
	}
}

func (p *Pool) execute(ctx context.Context, id string) {
	job, err := p.backend.Load(ctx, id)
	if err != nil {
		log.Printf("queue: load job %s: %v", id, err)
		return
	}
	if job.State != models.JobPending {
		return
	}

	started := p.now().UTC()
	job.State = models.JobRunning
	job.StartedAt = &started
	if err := p.backend.Save(ctx, *job); err != nil {
		log.Printf("queue: mark job %s running: %v", id, err)
	}

	metrics.JobsInFlight.Inc()
	result, runErr := p.invoke(ctx, job)
	metrics.JobsInFlight.Dec()

	finished := p.now().UTC()
	job.FinishedAt = &finished
	if runErr == nil {
		job.Result, runErr = json.Marshal(result)
	}
	if runErr != nil {
		job.State = models.JobFailed
		job.Error = runErr.Error()
		job.Result = nil
		log.Printf("queue: %s job %s failed after %s: %v", job.Kind, id, finished.Sub(started).Round(time.Millisecond), runErr)
	} else {
		job.State = models.JobSucceeded
		log.Printf("queue: %s job %s succeeded in %s", job.Kind, id, finished.Sub(started).Round(time.Millisecond))
	}
	metrics.JobsTotal.WithLabelValues(job.Kind, string(job.State)).Inc()

	// The job's own ctx may be cancelled at shutdown; the final state must still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.backend.Save(saveCtx, *job); err != nil {
		log.Printf("queue: record job %s: %v", id, err)
	}
}

func (p *Pool) invoke(ctx context.Context, job *store.Job) (result any, err error) {
	h, ok := p.handler(job.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}
