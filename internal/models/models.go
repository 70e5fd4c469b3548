package models

import (
	"database/sql"
	"math"
	"time"
)

// Condition is the coarse weather category every provider code is mapped onto.
type Condition string

const (
	ConditionClear        Condition = "Clear"
	ConditionClouds       Condition = "Clouds"
	ConditionMist         Condition = "Mist"
	ConditionRain         Condition = "Rain"
	ConditionSnow         Condition = "Snow"
	ConditionThunderstorm Condition = "Thunderstorm"
	ConditionUnknown      Condition = "Unknown"
)

// Horizon is the forecast granularity class. Each horizon has its own grid
// frequency and retention policy.
type Horizon string

const (
	HorizonHourly Horizon = "hourly"
	HorizonDaily  Horizon = "daily"
)

func (h Horizon) Valid() bool {
	return h == HorizonHourly || h == HorizonDaily
}

// Step returns the grid spacing of the horizon.
func (h Horizon) Step() time.Duration {
	if h == HorizonDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// DefaultLength is the number of steps forecast when the caller does not say.
func (h Horizon) DefaultLength() int {
	if h == HorizonDaily {
		return 7
	}
	return 48
}

// MaxLength bounds how many steps a single run may forecast.
func (h Horizon) MaxLength() int {
	if h == HorizonDaily {
		return 366
	}
	return 720
}

type Observation struct {
	ID        int64
	LocKey    string
	Timestamp time.Time
	TempC     sql.NullFloat64
	Humidity  sql.NullFloat64
	Pressure  sql.NullFloat64
	WindSpeed sql.NullFloat64 // m/s
	Condition Condition
	Source    string // "open-meteo", "meteostat"
	CreatedAt time.Time
}

// Point is one grid slot of a resampled series.
type Point struct {
	T time.Time
	V float64
}

// Series is an ordered fixed-grid series. Grid slots that could not be filled
// are absent rather than invented.
type Series struct {
	Step   time.Duration
	Points []Point
}

func (s Series) Len() int { return len(s.Points) }

func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.V
	}
	return out
}

// Grid lays the series out on its full grid from the first to the last
// point, with NaN in slots that are absent. Index i is always Points[0].T +
// i*Step, so positional seasonality stays in phase across gaps.
func (s Series) Grid() []float64 {
	if len(s.Points) == 0 || s.Step <= 0 {
		return nil
	}
	first := s.Points[0].T
	out := make([]float64, int(s.Last().Sub(first)/s.Step)+1)
	for i := range out {
		out[i] = math.NaN()
	}
	for _, p := range s.Points {
		out[int(p.T.Sub(first)/s.Step)] = p.V
	}
	return out
}

// Contiguous reports whether Points[i:i+n] sit on consecutive grid slots.
func (s Series) Contiguous(i, n int) bool {
	if n <= 1 {
		return true
	}
	return s.Points[i+n-1].T.Sub(s.Points[i].T) == time.Duration(n-1)*s.Step
}

// Last returns the final grid timestamp. It panics on an empty series.
func (s Series) Last() time.Time {
	return s.Points[len(s.Points)-1].T
}

// Span is the time covered between the first and last point.
func (s Series) Span() time.Duration {
	if len(s.Points) < 2 {
		return 0
	}
	return s.Last().Sub(s.Points[0].T)
}

type ForecastPoint struct {
	T     time.Time `json:"ts"`
	Yhat  float64   `json:"yhat"`
	Lower float64   `json:"yhat_lower"`
	Upper float64   `json:"yhat_upper"`
}

// Diagnostics describes one fit. Model-specific numbers go in Extra.
type Diagnostics struct {
	Model            string             `json:"model"`
	Sigma            float64            `json:"sigma"`
	TrainPoints      int                `json:"train_points"`
	ValidationPoints int                `json:"validation_points"`
	Extra            map[string]float64 `json:"extra,omitempty"`
	Components       []Diagnostics      `json:"components,omitempty"`
}

func (d *Diagnostics) SetExtra(name string, v float64) {
	if d.Extra == nil {
		d.Extra = make(map[string]float64)
	}
	d.Extra[name] = v
}

// Candidate is the transient output of a forecaster or of the blender.
type Candidate struct {
	Points       []ForecastPoint
	Diagnostics  Diagnostics
	Ensemble     bool
	Models       []string // contributing model identifiers, primary first
	ArtifactPath string
}

type Prediction struct {
	ID            int64             `json:"-"`
	LocKey        string            `json:"loc_key"`
	Horizon       Horizon           `json:"horizon"`
	T             time.Time         `json:"ts"`
	Yhat          float64           `json:"yhat"`
	Lower         float64           `json:"yhat_lower"`
	Upper         float64           `json:"yhat_upper"`
	Ensemble      bool              `json:"ensemble"`
	ModelVersions map[string]string `json:"model_versions"`
	CreatedAt     time.Time         `json:"created_at"`
}

type RegistryEntry struct {
	ID           int64       `json:"id"`
	LocKey       string      `json:"loc_key"`
	ModelType    string      `json:"model_type"`
	Version      int         `json:"version"`
	TrainedAt    time.Time   `json:"trained_at"`
	Diagnostics  Diagnostics `json:"diagnostics"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}
