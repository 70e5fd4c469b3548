package store

import (
	"database/sql"
	"time"
)

// FetchRun records a single archive request for auditing.
type FetchRun struct {
	ID              int64
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	Provider        string // "open-meteo", "meteostat"
	LocKey          string
	RangeStart      time.Time
	RangeEnd        time.Time
	RecordsParsed   sql.NullInt64
	RecordsStored   sql.NullInt64
	RecordsRejected sql.NullInt64 // failed validation
	Success         bool
	ErrorMessage    sql.NullString
}

// StartFetchRun creates a new fetch run record and returns it.
func (s *Store) StartFetchRun(provider, locKey string, start, end time.Time) (*FetchRun, error) {
	run := &FetchRun{
		StartedAt:  dbTime(time.Now()),
		Provider:   provider,
		LocKey:     locKey,
		RangeStart: dbTime(start),
		RangeEnd:   dbTime(end),
	}

	result, err := s.db.Exec(`
		INSERT INTO fetch_runs (started_at, provider, loc_key, range_start, range_end, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Provider, run.LocKey, run.RangeStart, run.RangeEnd)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteFetchRun updates the fetch run with results.
func (s *Store) CompleteFetchRun(run *FetchRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: dbTime(time.Now()), Valid: true}

	_, err := s.db.Exec(`
		UPDATE fetch_runs SET
			finished_at = ?,
			records_parsed = ?,
			records_stored = ?,
			records_rejected = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsParsed, run.RecordsStored, run.RecordsRejected,
		run.Success, run.ErrorMessage, run.ID)
	return err
}

// FetchHealthSummary aggregates fetch runs per day and provider.
type FetchHealthSummary struct {
	Date          string `json:"date"`
	Provider      string `json:"provider"`
	TotalRuns     int    `json:"total_runs"`
	SuccessRuns   int    `json:"success_runs"`
	FailedRuns    int    `json:"failed_runs"`
	TotalStored   int64  `json:"total_stored"`
	TotalRejected int64  `json:"total_rejected"`
}

// GetFetchHealth returns fetch summaries for the last N days.
func (s *Store) GetFetchHealth(days int) ([]FetchHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			provider,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_stored), 0) as total_stored,
			COALESCE(SUM(records_rejected), 0) as total_rejected
		FROM fetch_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, provider
		ORDER BY date DESC, provider
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchHealthSummary
	for rows.Next() {
		var h FetchHealthSummary
		if err := rows.Scan(&h.Date, &h.Provider, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.TotalStored, &h.TotalRejected); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentFetchErrors returns recent failed fetch runs.
func (s *Store) GetRecentFetchErrors(limit int) ([]FetchRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, provider, loc_key, range_start, range_end,
			   records_parsed, records_stored, records_rejected, success, error_message
		FROM fetch_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchRun
	for rows.Next() {
		var r FetchRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Provider, &r.LocKey,
			&r.RangeStart, &r.RangeEnd, &r.RecordsParsed, &r.RecordsStored,
			&r.RecordsRejected, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
