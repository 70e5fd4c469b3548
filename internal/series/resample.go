// Package series turns observation history into fixed-grid series.
package series

import (
	"fmt"
	"sort"
	"time"

	"github.com/lox/tempcast/internal/models"
)

// MaxInterpolatedGap is the longest run of missing hours filled by linear
// interpolation. Longer gaps are left absent.
const MaxInterpolatedGap = 3

// Resample buckets temperature readings onto the grid of the given horizon.
//
// Daily: UTC calendar day means; days without data are dropped.
// Hourly: UTC hour means; runs of up to MaxInterpolatedGap missing hours are
// linearly interpolated between their neighbours.
func Resample(obs []models.Observation, horizon models.Horizon) (models.Series, error) {
	switch horizon {
	case models.HorizonDaily:
		return models.Series{Step: 24 * time.Hour, Points: bucketMeans(obs, 24*time.Hour)}, nil
	case models.HorizonHourly:
		return models.Series{Step: time.Hour, Points: fillGaps(bucketMeans(obs, time.Hour), time.Hour, MaxInterpolatedGap)}, nil
	default:
		return models.Series{}, fmt.Errorf("resample: unknown horizon %q", horizon)
	}
}

func bucketMeans(obs []models.Observation, step time.Duration) []models.Point {
	type acc struct {
		sum float64
		n   int
	}
	buckets := make(map[time.Time]*acc)
	for _, o := range obs {
		if !o.TempC.Valid {
			continue
		}
		slot := o.Timestamp.UTC().Truncate(step)
		a, ok := buckets[slot]
		if !ok {
			a = &acc{}
			buckets[slot] = a
		}
		a.sum += o.TempC.Float64
		a.n++
	}

	points := make([]models.Point, 0, len(buckets))
	for slot, a := range buckets {
		points = append(points, models.Point{T: slot, V: a.sum / float64(a.n)})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].T.Before(points[j].T) })
	return points
}

func fillGaps(points []models.Point, step time.Duration, maxGap int) []models.Point {
	if len(points) < 2 {
		return points
	}
	out := make([]models.Point, 0, len(points))
	out = append(out, points[0])
	for i := 1; i < len(points); i++ {
		prev, next := points[i-1], points[i]
		missing := int(next.T.Sub(prev.T)/step) - 1
		if missing > 0 && missing <= maxGap {
			for k := 1; k <= missing; k++ {
				frac := float64(k) / float64(missing+1)
				out = append(out, models.Point{
					T: prev.T.Add(time.Duration(k) * step),
					V: prev.V + frac*(next.V-prev.V),
				})
			}
		}
		out = append(out, next)
	}
	return out
}
