package ingest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/tempcast/internal/models"
)

const (
	// MaxChunkDays is the widest date window requested from a provider.
	MaxChunkDays     = 31
	chunkConcurrency = 2
)

type window struct {
	start, end time.Time // UTC dates, inclusive
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// splitRange cuts the inclusive date range start..end into windows of at
// most maxDays days.
func splitRange(start, end time.Time, maxDays int) []window {
	start, end = utcDate(start), utcDate(end)
	var out []window
	for cur := start; !cur.After(end); {
		last := cur.AddDate(0, 0, maxDays-1)
		if last.After(end) {
			last = end
		}
		out = append(out, window{start: cur, end: last})
		cur = last.AddDate(0, 0, 1)
	}
	return out
}

type windowFetch func(ctx context.Context, lat, lon float64, w window) ([]models.Observation, error)

// fetchChunked fetches every window with bounded concurrency and returns the
// records concatenated in window order. Any failed window fails the whole
// range.
func fetchChunked(ctx context.Context, lat, lon float64, start, end time.Time, maxDays int, fetch windowFetch) ([]models.Observation, error) {
	windows := splitRange(start, end, maxDays)
	results := make([][]models.Observation, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkConcurrency)
	for i, w := range windows {
		g.Go(func() error {
			obs, err := fetch(gctx, lat, lon, w)
			if err != nil {
				return err
			}
			results[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.Observation
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
