package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/tempcast/internal/location"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/store"
)

// FallbackArchive tries each archive in order and returns the first success.
type FallbackArchive struct {
	archives []Archive
}

func NewFallbackArchive(archives ...Archive) *FallbackArchive {
	return &FallbackArchive{archives: archives}
}

func (f *FallbackArchive) Name() string {
	names := make([]string, len(f.archives))
	for i, a := range f.archives {
		names[i] = a.Name()
	}
	return strings.Join(names, ",")
}

func (f *FallbackArchive) FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.Observation, error) {
	var errs *multierror.Error
	for _, a := range f.archives {
		obs, err := a.FetchHourly(ctx, lat, lon, start, end)
		if err == nil {
			return obs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("ingest: %s failed, trying next archive: %v", a.Name(), err)
		errs = multierror.Append(errs, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, errs.ErrorOrNil())
}

// Lookback converts a month count to the fetch window, 30.5 days per month.
func Lookback(months int) time.Duration {
	return time.Duration(float64(months) * 30.5 * float64(24*time.Hour))
}

// History keeps the observation store topped up from an archive.
type History struct {
	store   *store.Store
	archive Archive
	now     func() time.Time
}

func NewHistory(st *store.Store, archive Archive) *History {
	return &History{store: st, archive: archive, now: time.Now}
}

// EnsureHistory fetches the lookback window ending today (UTC) and stores
// every valid record not already present. It returns the number of new rows.
func (h *History) EnsureHistory(ctx context.Context, lat, lon float64, lookback time.Duration) (int, error) {
	key := location.Key(lat, lon)
	end := utcDate(h.now())
	start := utcDate(end.Add(-lookback))

	run, err := h.store.StartFetchRun(h.archive.Name(), key, start, end)
	if err != nil {
		log.Printf("ingest: failed to start fetch run: %v", err)
	}

	inserted, err := h.ensure(ctx, key, lat, lon, start, end, run)
	if run != nil {
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		run.Success = err == nil
		if cerr := h.store.CompleteFetchRun(run); cerr != nil {
			log.Printf("ingest: failed to complete fetch run: %v", cerr)
		}
	}
	return inserted, err
}

func (h *History) ensure(ctx context.Context, key string, lat, lon float64, start, end time.Time, run *store.FetchRun) (int, error) {
	obs, err := h.archive.FetchHourly(ctx, lat, lon, start, end)
	if err != nil {
		return 0, err
	}
	parsed := len(obs)

	provider := h.archive.Name()
	if parsed > 0 {
		// a fallback archive serves every record from one provider
		provider = obs[0].Source
	}

	obs, rejected := Clean(obs)
	total := 0
	for reason, n := range rejected {
		total += n
		metrics.ObservationsRejected.WithLabelValues(provider, reason).Add(float64(n))
	}
	if total > 0 {
		log.Printf("ingest: %s dropped %d invalid records", key, total)
	}

	for i := range obs {
		obs[i].LocKey = key
	}
	inserted, err := h.store.InsertObservations(obs)
	if err != nil {
		return 0, fmt.Errorf("store observations: %w", err)
	}
	metrics.ObservationsIngested.WithLabelValues(provider).Add(float64(inserted))

	if run != nil {
		run.RecordsParsed = sql.NullInt64{Int64: int64(parsed), Valid: true}
		run.RecordsStored = sql.NullInt64{Int64: int64(inserted), Valid: true}
		run.RecordsRejected = sql.NullInt64{Int64: int64(total), Valid: true}
	}
	log.Printf("ingest: %s %s..%s fetched %d, stored %d new", key, start.Format(time.DateOnly), end.Format(time.DateOnly), parsed, inserted)
	return inserted, nil
}
