package ingest

import (
	"database/sql"

	"github.com/lox/tempcast/internal/models"
)

const (
	FlagTempMissing     = "temp_missing"
	FlagTempOutOfRange  = "temp_out_of_range"
	FlagHumidityInvalid = "humidity_invalid"
	FlagWindNegative    = "wind_negative"
)

// Plausible physical bounds for surface readings.
const (
	minTempC = -90.0
	maxTempC = 60.0
)

// ValidateObservation returns the quality flags raised by a record. Any
// flag makes the record unusable.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.TempC.Valid {
		if obs.TempC.Float64 < minTempC || obs.TempC.Float64 > maxTempC {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if obs.WindSpeed.Valid && obs.WindSpeed.Float64 < 0 {
		flags = append(flags, FlagWindNegative)
	}

	return flags
}

// Clean drops invalid records and counts the first flag of each rejection.
// Records without a temperature are dropped too: archives publish recent
// hours as nulls before the values settle, and storing them would block the
// real reading from ever being inserted.
func Clean(obs []models.Observation) ([]models.Observation, map[string]int) {
	kept := obs[:0:0]
	rejected := make(map[string]int)
	for i := range obs {
		if !obs[i].TempC.Valid {
			rejected[FlagTempMissing]++
			continue
		}
		if flags := ValidateObservation(&obs[i]); len(flags) > 0 {
			rejected[flags[0]]++
			continue
		}
		kept = append(kept, obs[i])
	}
	return kept, rejected
}

func kmhToMS(v sql.NullFloat64) sql.NullFloat64 {
	if !v.Valid {
		return v
	}
	return sql.NullFloat64{Float64: v.Float64 / 3.6, Valid: true}
}

// wmoCondition maps a WMO weather interpretation code.
func wmoCondition(code int) models.Condition {
	switch {
	case code == 0 || code == 1:
		return models.ConditionClear
	case code == 2 || code == 3:
		return models.ConditionClouds
	case code == 45 || code == 48:
		return models.ConditionMist
	case code >= 51 && code <= 67, code >= 80 && code <= 82:
		return models.ConditionRain
	case code >= 71 && code <= 77, code == 85 || code == 86:
		return models.ConditionSnow
	case code >= 95 && code <= 99:
		return models.ConditionThunderstorm
	default:
		return models.ConditionUnknown
	}
}

// meteostatCondition maps a Meteostat condition code onto the coarse groups.
func meteostatCondition(code int) models.Condition {
	switch {
	case code >= 1 && code <= 3:
		return models.ConditionClear
	case code >= 4 && code <= 7:
		return models.ConditionClouds
	case code >= 8 && code <= 12:
		return models.ConditionMist
	case code >= 13 && code <= 17, code == 23 || code == 24:
		return models.ConditionRain
	case code >= 18 && code <= 22:
		return models.ConditionSnow
	case code == 25 || code == 26:
		return models.ConditionThunderstorm
	default:
		return models.ConditionUnknown
	}
}
