// Package scheduler queues the daily maintenance job.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/train"
)

// Scheduler submits a maintenance job once a day at a fixed UTC time.
type Scheduler struct {
	scheduler *gocron.Scheduler
	queue     train.Submitter
	at        string
}

// New creates a scheduler that fires daily at the given "HH:MM" UTC time.
func New(queue train.Submitter, at string) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		queue:     queue,
		at:        at,
	}
}

// Start registers the daily job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(1).Day().At(s.at).Do(s.RunNow); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	_, next := s.scheduler.NextRun()
	log.Printf("scheduler: maintenance scheduled daily at %s UTC, next run %s", s.at, next.Format(time.RFC3339))
	return nil
}

// RunNow queues a maintenance job immediately.
func (s *Scheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.queue.Submit(ctx, train.KindMaintenance, struct{}{})
	if err != nil {
		log.Printf("scheduler: failed to queue maintenance: %v", err)
		return
	}
	metrics.SchedulerLastRun.WithLabelValues(train.KindMaintenance).SetToCurrentTime()
	log.Printf("scheduler: queued maintenance job %s", id)
}

// Run starts the scheduler and stops it when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
