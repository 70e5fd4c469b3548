package forecast

import (
	"math"

	"github.com/lox/tempcast/internal/models"
)

const minSigma = 1e-6

// InverseSigmaWeight weights a candidate by the inverse of its residual
// dispersion, so tighter fits count for more.
func InverseSigmaWeight(sigma float64) float64 {
	return 1 / math.Max(minSigma, sigma)
}

// Blend combines a primary and a fallback candidate into a weighted mean on
// the timestamps both cover. Yhat, Lower and Upper are each averaged with the
// same weights.
//
// A missing primary yields the fallback unchanged, a missing fallback yields
// the primary. When the two share no timestamps the primary is kept.
func Blend(primary, fallback *models.Candidate, wPrimary, wFallback float64) (*models.Candidate, error) {
	switch {
	case primary == nil && fallback == nil:
		return nil, ErrNoCandidate
	case primary == nil:
		out := *fallback
		out.Ensemble = false
		return &out, nil
	case fallback == nil:
		out := *primary
		out.Ensemble = false
		return &out, nil
	}

	byTime := make(map[int64]models.ForecastPoint, len(fallback.Points))
	for _, p := range fallback.Points {
		byTime[p.T.UnixNano()] = p
	}

	total := math.Max(minSigma, wPrimary+wFallback)
	mix := func(a, b float64) float64 { return (wPrimary*a + wFallback*b) / total }

	points := make([]models.ForecastPoint, 0, len(primary.Points))
	for _, p := range primary.Points {
		f, ok := byTime[p.T.UnixNano()]
		if !ok {
			continue
		}
		points = append(points, models.ForecastPoint{
			T:     p.T,
			Yhat:  mix(p.Yhat, f.Yhat),
			Lower: mix(p.Lower, f.Lower),
			Upper: mix(p.Upper, f.Upper),
		})
	}
	if len(points) == 0 {
		out := *primary
		out.Ensemble = false
		return &out, nil
	}

	diag := models.Diagnostics{
		Model:       primary.Diagnostics.Model + "+" + fallback.Diagnostics.Model,
		Sigma:       mix(primary.Diagnostics.Sigma, fallback.Diagnostics.Sigma),
		TrainPoints: max(primary.Diagnostics.TrainPoints, fallback.Diagnostics.TrainPoints),
		Components:  []models.Diagnostics{primary.Diagnostics, fallback.Diagnostics},
	}
	diag.SetExtra("weight_primary", wPrimary)
	diag.SetExtra("weight_fallback", wFallback)

	return &models.Candidate{
		Points:       points,
		Diagnostics:  diag,
		Ensemble:     true,
		Models:       append(append([]string(nil), primary.Models...), fallback.Models...),
		ArtifactPath: primary.ArtifactPath,
	}, nil
}
