package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/tempcast/internal/location"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/queue"
)

// Job kinds handled by the worker pool.
const (
	KindBackfill    = "backfill"
	KindTrain       = "train"
	KindMaintenance = "maintenance"
)

const (
	recentWindow   = 30 * 24 * time.Hour
	recentKeyLimit = 20
)

var errNoQueue = errors.New("no job queue configured")

type MaintenanceResult struct {
	Locations    int      `json:"locations"`
	Scheduled    int      `json:"scheduled"`
	JobIDs       []string `json:"job_ids,omitempty"`
	PurgedHourly int64    `json:"purged_hourly"`
	PurgedDaily  int64    `json:"purged_daily"`
}

// Register installs the job handlers on the pool and uses it for the
// retrains that maintenance schedules.
func (o *Orchestrator) Register(p *queue.Pool) {
	o.queue = p
	p.Handle(KindBackfill, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req BackfillRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalid("backfill payload: %v", err)
		}
		return o.Backfill(ctx, req)
	})
	p.Handle(KindTrain, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req TrainRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalid("train payload: %v", err)
		}
		return o.Train(ctx, req)
	})
	p.Handle(KindMaintenance, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return o.Maintenance(ctx)
	})
}

// Maintenance queues a daily and an hourly retrain for every known location
// and applies prediction retention. It does not wait for the retrains. A
// failure for one location is collected and the rest still run.
func (o *Orchestrator) Maintenance(ctx context.Context) (*MaintenanceResult, error) {
	now := o.now().UTC()
	var errs *multierror.Error

	keys, err := o.locations(now)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("list locations: %w", err))
	}

	result := &MaintenanceResult{Locations: len(keys)}
	for _, key := range keys {
		ids, err := o.scheduleRetrain(ctx, key)
		result.JobIDs = append(result.JobIDs, ids...)
		if err != nil {
			log.Printf("train: maintenance could not schedule %s: %v", key, err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		result.Scheduled++
	}

	hourly, daily, err := o.Retain(ctx, now)
	result.PurgedHourly, result.PurgedDaily = hourly, daily
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	log.Printf("train: maintenance scheduled %d/%d locations, purged %d hourly and %d daily predictions",
		result.Scheduled, result.Locations, hourly, daily)
	return result, errs.ErrorOrNil()
}

// locations returns every key with a registry entry plus a bounded number of
// keys with recent observations, sorted and capped at MaxLocations.
func (o *Orchestrator) locations(now time.Time) ([]string, error) {
	seen := make(map[string]bool)
	var errs *multierror.Error

	registered, err := o.store.RegistryKeys()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, k := range registered {
		seen[k] = true
	}

	recent, err := o.store.RecentObservationKeys(now.Add(-recentWindow), recentKeyLimit)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, k := range recent {
		seen[k] = true
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if o.cfg.MaxLocations > 0 && len(keys) > o.cfg.MaxLocations {
		keys = keys[:o.cfg.MaxLocations]
	}
	return keys, errs.ErrorOrNil()
}

func (o *Orchestrator) scheduleRetrain(ctx context.Context, key string) ([]string, error) {
	if o.queue == nil {
		return nil, errNoQueue
	}
	lat, lon, err := location.Parse(key)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, h := range []models.Horizon{models.HorizonDaily, models.HorizonHourly} {
		id, err := o.queue.Submit(ctx, KindTrain, TrainRequest{
			Lat:     lat,
			Lon:     lon,
			Horizon: h,
			Model:   DefaultModel(h),
			Length:  h.DefaultLength(),
		})
		if err != nil {
			return ids, fmt.Errorf("submit %s retrain: %w", h, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Retain deletes hourly and daily predictions whose target time is older than
// the configured retention.
func (o *Orchestrator) Retain(ctx context.Context, now time.Time) (hourly, daily int64, err error) {
	var errs *multierror.Error

	hourly, err = o.store.PurgePredictions(ctx, models.HorizonHourly, now.Add(-o.cfg.HourlyRetention))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("purge hourly: %w", err))
	}
	metrics.PredictionsPurged.WithLabelValues(string(models.HorizonHourly)).Add(float64(hourly))

	daily, err = o.store.PurgePredictions(ctx, models.HorizonDaily, now.Add(-o.cfg.DailyRetention))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("purge daily: %w", err))
	}
	metrics.PredictionsPurged.WithLabelValues(string(models.HorizonDaily)).Add(float64(daily))

	return hourly, daily, errs.ErrorOrNil()
}
