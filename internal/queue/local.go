package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/store"
)

// LocalBackend queues job IDs on a buffered channel and keeps job records
// in the SQLite jobs table.
type LocalBackend struct {
	store *store.Store
	ids   chan string
}

func NewLocalBackend(st *store.Store, size int) *LocalBackend {
	if size < 1 {
		size = 1
	}
	return &LocalBackend{store: st, ids: make(chan string, size)}
}

func (b *LocalBackend) Enqueue(ctx context.Context, job store.Job) error {
	if err := b.store.SaveJob(job); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	select {
	case b.ids <- job.ID:
		return nil
	default:
	}

	now := time.Now().UTC()
	job.State = models.JobFailed
	job.Error = ErrQueueFull.Error()
	job.FinishedAt = &now
	if err := b.store.SaveJob(job); err != nil {
		return fmt.Errorf("%w (and recording it failed: %v)", ErrQueueFull, err)
	}
	return ErrQueueFull
}

func (b *LocalBackend) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-b.ids:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *LocalBackend) Save(ctx context.Context, job store.Job) error {
	return b.store.SaveJob(job)
}

func (b *LocalBackend) Load(ctx context.Context, id string) (*store.Job, error) {
	job, err := b.store.GetJob(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

func (b *LocalBackend) List(ctx context.Context, limit int) ([]store.Job, error) {
	return b.store.ListJobs(limit)
}
