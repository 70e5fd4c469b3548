package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// startPool runs the pool until the test ends.
func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitJob(t *testing.T, p *Pool, id string) *store.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := p.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait for job %s: %v", id, err)
	}
	return job
}

type echo struct {
	N int `json:"n"`
}

func TestPool_RunsJobs(t *testing.T) {
	p := NewPool(NewLocalBackend(setupTestStore(t), 8), 2)
	p.Handle("double", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in echo
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return echo{N: in.N * 2}, nil
	})
	startPool(t, p)

	id, err := p.Submit(context.Background(), "double", echo{N: 21})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitJob(t, p, id)
	if job.State != models.JobSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", job.State, job.Error)
	}
	var out echo
	if err := json.Unmarshal(job.Result, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out.N != 42 {
		t.Errorf("result = %d, want 42", out.N)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("expected start and finish times")
	}
}

func TestPool_HandlerFailures(t *testing.T) {
	p := NewPool(NewLocalBackend(setupTestStore(t), 8), 1)
	p.Handle("fail", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("no history")
	})
	p.Handle("panic", func(ctx context.Context, payload json.RawMessage) (any, error) {
		panic("boom")
	})
	startPool(t, p)

	tests := []struct {
		kind    string
		wantErr string
	}{
		{"fail", "no history"},
		{"panic", "panic: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			id, err := p.Submit(context.Background(), tt.kind, nil)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			job := waitJob(t, p, id)
			if job.State != models.JobFailed {
				t.Errorf("state = %s, want failed", job.State)
			}
			if job.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", job.Error, tt.wantErr)
			}
		})
	}
}

func TestPool_UnknownKind(t *testing.T) {
	p := NewPool(NewLocalBackend(setupTestStore(t), 8), 1)
	if _, err := p.Submit(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	st := setupTestStore(t)
	p := NewPool(NewLocalBackend(st, 1), 1)
	p.Handle("noop", func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil })

	// No workers running, so the second submit finds the buffer full.
	if _, err := p.Submit(context.Background(), "noop", nil); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := p.Submit(context.Background(), "noop", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	jobs, err := st.ListJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	var failed int
	for _, j := range jobs {
		if j.State == models.JobFailed {
			failed++
		}
	}
	if len(jobs) != 2 || failed != 1 {
		t.Errorf("jobs = %d, failed = %d; want 2 and 1", len(jobs), failed)
	}
}

func TestPool_GetMissing(t *testing.T) {
	p := NewPool(NewLocalBackend(setupTestStore(t), 1), 1)
	if _, err := p.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestJobFields(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(3 * time.Second)
	job := store.Job{
		ID:         "abc",
		Kind:       "train",
		Payload:    json.RawMessage(`{"lat":1}`),
		State:      models.JobFailed,
		Error:      "boom",
		CreatedAt:  created,
		FinishedAt: &finished,
	}

	fields := jobFields(job)
	if _, ok := fields["result"]; ok {
		t.Error("nil result should not be written")
	}
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = v.(string)
	}
	got, err := parseJobFields(str)
	if err != nil {
		t.Fatalf("parseJobFields: %v", err)
	}
	if got.StartedAt != nil || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("times = %v / %v", got.StartedAt, got.FinishedAt)
	}
	if got.State != models.JobFailed || got.Error != "boom" || string(got.Payload) != `{"lat":1}` {
		t.Errorf("job = %+v", got)
	}
}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisBackend(t *testing.T) {
	b, _ := newRedisBackend(t)

	p := NewPool(b, 1)
	p.Handle("noop", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	})
	startPool(t, p)

	id, err := p.Submit(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitJob(t, p, id)
	if job.State != models.JobSucceeded || string(job.Result) != `{"ok":true}` {
		t.Errorf("job = %+v", job)
	}
	if _, err := b.Load(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestRedisBackend_List(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	p := NewPool(b, 1)
	p.Handle("noop", func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil })
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := p.Submit(ctx, "noop", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	jobs, err := p.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Fatalf("List(2) = %v, want the two newest jobs newest first", jobIDs(jobs))
	}
	if jobs[0].State != models.JobPending || jobs[0].Kind != "noop" {
		t.Errorf("job = %+v", jobs[0])
	}

	mr.Del(jobKey(ids[1]))
	jobs, err = p.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[0] {
		t.Errorf("List after expiry = %v", jobIDs(jobs))
	}
	if n, _ := mr.ZMembers(b.index); len(n) != 2 {
		t.Errorf("index members = %d, want expired job pruned", len(n))
	}
}

func TestLocalBackend_List(t *testing.T) {
	p := NewPool(NewLocalBackend(setupTestStore(t), 8), 1)
	p.Handle("noop", func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil })

	jobs, err := p.List(context.Background(), 10)
	if err != nil || jobs == nil || len(jobs) != 0 {
		t.Fatalf("empty List = %v, %v; want a non-nil empty slice", jobs, err)
	}
	id, err := p.Submit(context.Background(), "noop", nil)
	if err != nil {
		t.Fatal(err)
	}
	jobs, err = p.List(context.Background(), 10)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Errorf("List = %v, %v", jobIDs(jobs), err)
	}
}

func jobIDs(jobs []store.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
