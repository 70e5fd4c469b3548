package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lox/tempcast/internal/models"
)

// Job is the persisted record of a background task.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	State      models.JobState `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func nullRaw(r json.RawMessage) sql.NullString {
	return sql.NullString{String: string(r), Valid: len(r) > 0}
}

// SaveJob inserts or updates a job record.
func (s *Store) SaveJob(j Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, kind, payload, state, result, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, j.ID, j.Kind, string(j.Payload), string(j.State), nullRaw(j.Result),
		sql.NullString{String: j.Error, Valid: j.Error != ""},
		dbTime(j.CreatedAt), nullTime(j.StartedAt), nullTime(j.FinishedAt))
	return err
}

const jobColumns = `id, kind, payload, state, result, error, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var payload, state string
	var result, errMsg sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&j.ID, &j.Kind, &payload, &state, &result, &errMsg, &j.CreatedAt, &started, &finished); err != nil {
		return j, err
	}
	j.Payload = json.RawMessage(payload)
	j.State = models.JobState(state)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errMsg.String
	j.CreatedAt = j.CreatedAt.UTC()
	if started.Valid {
		t := started.Time.UTC()
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		j.FinishedAt = &t
	}
	return j, nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns the most recently created jobs.
func (s *Store) ListJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailStaleJobs marks jobs left pending or running by a previous process as
// failed. It returns the number of jobs updated.
func (s *Store) FailStaleJobs(reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE jobs SET state = ?, error = ?, finished_at = ?
		WHERE state IN (?, ?)
	`, string(models.JobFailed), reason, dbTime(time.Now()), string(models.JobPending), string(models.JobRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
