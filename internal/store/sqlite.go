package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lox/tempcast/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPublishConflict means a publish lost a write race and can be retried.
	ErrPublishConflict = errors.New("publish conflict")
	// ErrEmptyPublish rejects a publish with no forecast points.
	ErrEmptyPublish = errors.New("empty forecast")
)

type Store struct {
	db *sql.DB

	// one mutex per (location, horizon) pair
	pairLocks sync.Map
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DefaultBusyTimeout is how long a connection waits on another writer
// before failing with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// DSN builds a connection string whose pragmas apply to every pooled
// connection. Transactions take the write lock up front so a read followed
// by a write inside one transaction waits instead of failing.
func DSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open opens a SQLite database at path with the pragmas the store expects.
func Open(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
		return db, nil
	}
	db, err := sql.Open("sqlite", DSN(path, DefaultBusyTimeout))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

// dbTime normalises timestamps so SQLite's text comparison orders them.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// InsertObservations stores readings, skipping any (location, timestamp)
// already present. It returns how many rows were new.
func (s *Store) InsertObservations(obs []models.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO observations (loc_key, ts, temp_c, humidity, pressure, wind_speed, condition, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loc_key, ts) DO NOTHING
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, o := range obs {
		res, err := stmt.Exec(o.LocKey, dbTime(o.Timestamp), o.TempC, o.Humidity, o.Pressure, o.WindSpeed, string(o.Condition), o.Source)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const observationColumns = `id, loc_key, ts, temp_c, humidity, pressure, wind_speed, condition, source, created_at`

func scanObservation(row interface{ Scan(...any) error }) (models.Observation, error) {
	var o models.Observation
	var cond sql.NullString
	err := row.Scan(&o.ID, &o.LocKey, &o.Timestamp, &o.TempC, &o.Humidity, &o.Pressure, &o.WindSpeed, &cond, &o.Source, &o.CreatedAt)
	o.Condition = models.Condition(cond.String)
	o.Timestamp = o.Timestamp.UTC()
	return o, err
}

// GetObservations returns readings for a location in [start, end], oldest first.
func (s *Store) GetObservations(locKey string, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT `+observationColumns+`
		FROM observations
		WHERE loc_key = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, locKey, dbTime(start), dbTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// GetAllObservations returns every stored reading for a location.
func (s *Store) GetAllObservations(locKey string) ([]models.Observation, error) {
	return s.GetObservations(locKey, time.Unix(0, 0), time.Now().AddDate(1, 0, 0))
}

func (s *Store) CountObservations(locKey string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM observations WHERE loc_key = ?`, locKey).Scan(&n)
	return n, err
}

// GetLatestObservation returns nil when the location has no readings.
func (s *Store) GetLatestObservation(locKey string) (*models.Observation, error) {
	row := s.db.QueryRow(`
		SELECT `+observationColumns+`
		FROM observations
		WHERE loc_key = ?
		ORDER BY ts DESC
		LIMIT 1
	`, locKey)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// RecentObservationKeys lists locations with readings at or after since,
// most recently observed first.
func (s *Store) RecentObservationKeys(since time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT loc_key
		FROM observations
		WHERE ts >= ?
		GROUP BY loc_key
		ORDER BY MAX(ts) DESC, loc_key ASC
		LIMIT ?
	`, dbTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
