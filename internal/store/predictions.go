package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lox/tempcast/internal/models"
)

// Publication is one forecast run to be made visible atomically.
type Publication struct {
	LocKey    string
	Horizon   models.Horizon
	ModelType string
	Candidate *models.Candidate
	TrainedAt time.Time
}

type PublishResult struct {
	Inserted int
	Entry    models.RegistryEntry
}

// VersionTag labels a model with the registry version that produced it.
func VersionTag(model string, version int) string {
	return fmt.Sprintf("%s_v%d", model, version)
}

func (s *Store) pairLock(locKey string, horizon models.Horizon) *sync.Mutex {
	m, _ := s.pairLocks.LoadOrStore(locKey+"|"+string(horizon), &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Publish replaces every prediction for (location, horizon) with the
// candidate's points and appends a registry entry, in one transaction.
// Readers see either the previous set or the new one.
func (s *Store) Publish(ctx context.Context, p Publication) (*PublishResult, error) {
	if p.Candidate == nil || len(p.Candidate.Points) == 0 {
		return nil, ErrEmptyPublish
	}
	if !p.Horizon.Valid() {
		return nil, fmt.Errorf("publish: unknown horizon %q", p.Horizon)
	}

	mu := s.pairLock(p.LocKey, p.Horizon)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.publish(ctx, p)
	if isBusy(err) {
		return nil, fmt.Errorf("%w: %v", ErrPublishConflict, err)
	}
	return res, err
}

func (s *Store) publish(ctx context.Context, p Publication) (*PublishResult, error) {
	trainedAt := p.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now()
	}
	trainedAt = dbTime(trainedAt)

	diag, err := json.Marshal(p.Candidate.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("encode diagnostics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM model_registry
		WHERE loc_key = ? AND model_type = ?
	`, p.LocKey, p.ModelType).Scan(&version); err != nil {
		return nil, err
	}

	tags := make(map[string]string, len(p.Candidate.Models))
	for _, m := range p.Candidate.Models {
		tags[m] = VersionTag(m, version)
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE loc_key = ? AND horizon = ?`, p.LocKey, string(p.Horizon)); err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO predictions (loc_key, horizon, ts, yhat, yhat_lower, yhat_upper, ensemble, model_versions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loc_key, horizon, ts) DO UPDATE SET
			yhat = excluded.yhat,
			yhat_lower = excluded.yhat_lower,
			yhat_upper = excluded.yhat_upper,
			ensemble = excluded.ensemble,
			model_versions = excluded.model_versions,
			created_at = excluded.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, pt := range p.Candidate.Points {
		if _, err := stmt.ExecContext(ctx, p.LocKey, string(p.Horizon), dbTime(pt.T), pt.Yhat, pt.Lower, pt.Upper,
			p.Candidate.Ensemble, string(tagJSON), trainedAt); err != nil {
			return nil, err
		}
	}

	artifact := sql.NullString{String: p.Candidate.ArtifactPath, Valid: p.Candidate.ArtifactPath != ""}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO model_registry (loc_key, model_type, version, trained_at, diagnostics, artifact_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.LocKey, p.ModelType, version, trainedAt, string(diag), artifact)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &PublishResult{
		Inserted: len(p.Candidate.Points),
		Entry: models.RegistryEntry{
			ID:           id,
			LocKey:       p.LocKey,
			ModelType:    p.ModelType,
			Version:      version,
			TrainedAt:    trainedAt,
			Diagnostics:  p.Candidate.Diagnostics,
			ArtifactPath: p.Candidate.ArtifactPath,
		},
	}, nil
}

// GetPredictions returns the current prediction set for a location and
// horizon, ordered by target time.
func (s *Store) GetPredictions(locKey string, horizon models.Horizon) ([]models.Prediction, error) {
	rows, err := s.db.Query(`
		SELECT id, loc_key, horizon, ts, yhat, yhat_lower, yhat_upper, ensemble, model_versions, created_at
		FROM predictions
		WHERE loc_key = ? AND horizon = ?
		ORDER BY ts ASC
	`, locKey, string(horizon))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Prediction
	for rows.Next() {
		var p models.Prediction
		var h, tags string
		if err := rows.Scan(&p.ID, &p.LocKey, &h, &p.T, &p.Yhat, &p.Lower, &p.Upper, &p.Ensemble, &tags, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Horizon = models.Horizon(h)
		p.T = p.T.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(tags), &p.ModelVersions); err != nil {
			return nil, fmt.Errorf("decode model versions for prediction %d: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgePredictions deletes predictions of a horizon whose target time is
// before cutoff.
func (s *Store) PurgePredictions(ctx context.Context, horizon models.Horizon, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM predictions WHERE horizon = ? AND ts < ?`, string(horizon), dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
