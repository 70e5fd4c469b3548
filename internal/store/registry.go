package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lox/tempcast/internal/models"
)

// ListRegistry returns the registry history for a location, newest first.
func (s *Store) ListRegistry(locKey string) ([]models.RegistryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, loc_key, model_type, version, trained_at, diagnostics, artifact_path
		FROM model_registry
		WHERE loc_key = ?
		ORDER BY trained_at DESC, id DESC
	`, locKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RegistryEntry
	for rows.Next() {
		var e models.RegistryEntry
		var diag string
		var artifact sql.NullString
		if err := rows.Scan(&e.ID, &e.LocKey, &e.ModelType, &e.Version, &e.TrainedAt, &diag, &artifact); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(diag), &e.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode diagnostics for registry entry %d: %w", e.ID, err)
		}
		e.TrainedAt = e.TrainedAt.UTC()
		e.ArtifactPath = artifact.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestVersion returns the highest version recorded for a location and
// model type, or 0 when none exists.
func (s *Store) LatestVersion(locKey, modelType string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(version) FROM model_registry WHERE loc_key = ? AND model_type = ?
	`, locKey, modelType).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// RegistryKeys lists every location that has ever been trained, sorted.
func (s *Store) RegistryKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT loc_key FROM model_registry ORDER BY loc_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}
