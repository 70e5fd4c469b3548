// Package forecast holds the per-model forecasters and the ensemble blender.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/tempcast/internal/models"
)

var (
	// ErrInsufficientHistory means the series is below a forecaster's minimum.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrModelUnavailable means the forecaster cannot run in this process.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrNoCandidate means neither blend input produced a forecast.
	ErrNoCandidate = errors.New("no forecast candidate")
)

// Model identifiers used in diagnostics, registry labels and version tags.
const (
	ModelETS      = "ets"
	ModelCurve    = "curve"
	ModelSequence = "sequence"
)

// z-scores for symmetric bands.
const (
	z95 = 1.959964
	z80 = 1.281552
)

// Forecaster fits a model to a resampled series and forecasts horizon steps
// past its last point.
type Forecaster interface {
	Name() string
	// Available reports whether the forecaster can run at all. It is checked
	// once at startup and again before each fit.
	Available() error
	FitAndForecast(ctx context.Context, key string, s models.Series, horizon int) (*models.Candidate, error)
}

// Lookup resolves a caller preference to a canonical model identifier.
func Lookup(preference string) (string, error) {
	switch preference {
	case ModelETS:
		return ModelETS, nil
	case ModelCurve, "prophet":
		return ModelCurve, nil
	case ModelSequence, "lstm":
		return ModelSequence, nil
	default:
		return "", fmt.Errorf("unknown model %q", preference)
	}
}

func insufficient(model string, have, need int) error {
	return fmt.Errorf("%s: %w: have %d points, need %d", model, ErrInsufficientHistory, have, need)
}

// futureTimes returns the n grid timestamps following last.
func futureTimes(last time.Time, step time.Duration, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = last.Add(time.Duration(i+1) * step)
	}
	return out
}

// constantBand builds forecast points with a fixed-width symmetric band.
func constantBand(times []time.Time, yhat []float64, halfWidth float64) []models.ForecastPoint {
	out := make([]models.ForecastPoint, len(times))
	for i := range times {
		out[i] = models.ForecastPoint{
			T:     times[i],
			Yhat:  yhat[i],
			Lower: yhat[i] - halfWidth,
			Upper: yhat[i] + halfWidth,
		}
	}
	return out
}

// dispersion is the population standard deviation, or 1 when it cannot be
// computed.
func dispersion(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 1.0
	}
	_, sd := stat.PopMeanStdDev(residuals, nil)
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		return 1.0
	}
	return sd
}

func periodFor(step time.Duration) (int, error) {
	switch step {
	case 24 * time.Hour:
		return 7, nil
	case time.Hour:
		return 24, nil
	default:
		return 0, fmt.Errorf("unsupported series step %v", step)
	}
}
