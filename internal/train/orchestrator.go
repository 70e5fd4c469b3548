// Package train runs the forecast lifecycle for a location: make sure there
// is history, fit the preferred model and ETS, blend them and publish.
package train

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/ingest"
	"github.com/lox/tempcast/internal/location"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/series"
	"github.com/lox/tempcast/internal/store"
)

// ErrInvalidRequest wraps caller mistakes such as bad coordinates.
var ErrInvalidRequest = errors.New("invalid request")

type Config struct {
	// LookbackMonths of history fetched before every training run.
	LookbackMonths  int
	HourlyRetention time.Duration
	DailyRetention  time.Duration
	// MaxLocations caps how many locations one maintenance run retrains.
	MaxLocations int
}

func DefaultConfig() Config {
	return Config{
		LookbackMonths:  6,
		HourlyRetention: 10 * 24 * time.Hour,
		DailyRetention:  60 * 24 * time.Hour,
		MaxLocations:    50,
	}
}

// queueHeadroom is the room left for interactive jobs while a full
// maintenance fan-out is pending.
const queueHeadroom = 32

// MinQueueSize is the smallest local queue buffer that holds one full
// maintenance fan-out (a daily and an hourly retrain per location) plus
// headroom.
func (c Config) MinQueueSize() int {
	return 2*c.MaxLocations + queueHeadroom
}

// Submitter queues a unit of work and returns its job ID.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload any) (string, error)
}

type Orchestrator struct {
	store       *store.Store
	history     *ingest.History
	forecasters map[string]forecast.Forecaster
	queue       Submitter
	cfg         Config
	now         func() time.Time

	// publishFn is the store write used by publish.
	publishFn func(context.Context, store.Publication) (*store.PublishResult, error)
}

// New builds an orchestrator. history may be nil when no archive is
// configured; training then works from stored observations only. ETS is
// always present whether or not it is passed in.
func New(st *store.Store, history *ingest.History, forecasters []forecast.Forecaster, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		history:     history,
		forecasters: make(map[string]forecast.Forecaster),
		cfg:         cfg,
		now:         time.Now,
	}
	o.publishFn = st.Publish
	for _, f := range forecasters {
		o.forecasters[f.Name()] = f
	}
	if _, ok := o.forecasters[forecast.ModelETS]; !ok {
		o.forecasters[forecast.ModelETS] = forecast.NewETS()
	}
	return o
}

// LogAvailability reports which forecasters can run in this process.
func (o *Orchestrator) LogAvailability() {
	for _, name := range []string{forecast.ModelETS, forecast.ModelCurve, forecast.ModelSequence} {
		f, ok := o.forecasters[name]
		switch {
		case !ok:
			log.Printf("train: %s not configured", name)
		case f.Available() != nil:
			log.Printf("train: %s unavailable: %v", name, f.Available())
		default:
			log.Printf("train: %s available", name)
		}
	}
}

type TrainRequest struct {
	Lat     float64        `json:"lat"`
	Lon     float64        `json:"lon"`
	Horizon models.Horizon `json:"horizon"`
	// Model is the preferred primary model; empty picks the horizon default.
	Model string `json:"model,omitempty"`
	// Length is the number of steps to forecast; zero picks the default.
	Length int `json:"length,omitempty"`
}

type TrainResult struct {
	Key          string         `json:"key"`
	Horizon      models.Horizon `json:"horizon"`
	Model        string         `json:"model"`
	ModelType    string         `json:"model_type"`
	Inserted     int            `json:"inserted"`
	EnsembleRows int            `json:"ensemble_rows"`
	Version      int            `json:"version"`
}

// DefaultModel is the primary model for a horizon when the caller has no
// preference.
func DefaultModel(h models.Horizon) string {
	if h == models.HorizonDaily {
		return forecast.ModelCurve
	}
	return forecast.ModelSequence
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Train fits and publishes a forecast for one (location, horizon) pair. The
// previous prediction set is left untouched unless the publish succeeds.
func (o *Orchestrator) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	if err := location.Validate(req.Lat, req.Lon); err != nil {
		return nil, invalid("%v", err)
	}
	if !req.Horizon.Valid() {
		return nil, invalid("unknown horizon %q", req.Horizon)
	}
	if req.Length < 0 || req.Length > req.Horizon.MaxLength() {
		return nil, invalid("length %d outside 0..%d for %s", req.Length, req.Horizon.MaxLength(), req.Horizon)
	}
	length := req.Length
	if length == 0 {
		length = req.Horizon.DefaultLength()
	}
	pref := req.Model
	if pref == "" {
		pref = DefaultModel(req.Horizon)
	}
	primary, err := forecast.Lookup(pref)
	if err != nil {
		return nil, invalid("%v", err)
	}

	key := location.Key(req.Lat, req.Lon)
	start := o.now()
	defer func() {
		metrics.TrainDuration.WithLabelValues(string(req.Horizon)).Observe(time.Since(start).Seconds())
	}()

	o.ensureHistory(ctx, req.Lat, req.Lon)

	obs, err := o.store.GetAllObservations(key)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	s, err := series.Resample(obs, req.Horizon)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	if s.Len() == 0 {
		metrics.TrainRunsTotal.WithLabelValues(string(req.Horizon), primary, "failed").Inc()
		return nil, fmt.Errorf("%s: %w: no observations", key, forecast.ErrInsufficientHistory)
	}

	cand, err := o.forecast(ctx, key, s, primary, length)
	if err != nil {
		metrics.TrainRunsTotal.WithLabelValues(string(req.Horizon), primary, "failed").Inc()
		return nil, err
	}

	modelType := ModelType(cand, req.Horizon)
	res, err := o.publish(ctx, store.Publication{
		LocKey:    key,
		Horizon:   req.Horizon,
		ModelType: modelType,
		Candidate: cand,
		TrainedAt: o.now(),
	})
	if err != nil {
		metrics.TrainRunsTotal.WithLabelValues(string(req.Horizon), primary, "failed").Inc()
		return nil, fmt.Errorf("publish %s %s: %w", key, req.Horizon, err)
	}

	used := strings.Join(cand.Models, "+")
	metrics.TrainRunsTotal.WithLabelValues(string(req.Horizon), used, "succeeded").Inc()
	metrics.PredictionsPublished.WithLabelValues(string(req.Horizon)).Add(float64(res.Inserted))

	result := &TrainResult{
		Key:       key,
		Horizon:   req.Horizon,
		Model:     used,
		ModelType: modelType,
		Inserted:  res.Inserted,
		Version:   res.Entry.Version,
	}
	if cand.Ensemble {
		result.EnsembleRows = res.Inserted
	}
	log.Printf("train: %s %s published %d rows as %s v%d (sigma %.2f) in %s",
		key, req.Horizon, res.Inserted, modelType, res.Entry.Version, cand.Diagnostics.Sigma,
		time.Since(start).Round(time.Millisecond))
	return result, nil
}

// ModelType is the registry label for a published candidate, for example
// "curve+ets_daily" for a blend or "ets_hourly" for a single model.
func ModelType(c *models.Candidate, h models.Horizon) string {
	return strings.Join(c.Models, "+") + "_" + string(h)
}

func (o *Orchestrator) ensureHistory(ctx context.Context, lat, lon float64) {
	if o.history == nil {
		return
	}
	n, err := o.history.EnsureHistory(ctx, lat, lon, ingest.Lookback(o.cfg.LookbackMonths))
	if err != nil {
		log.Printf("train: history refresh for %s failed, using stored observations: %v", location.Key(lat, lon), err)
		return
	}
	if n > 0 {
		log.Printf("train: %s gained %d observations", location.Key(lat, lon), n)
	}
}

// forecast runs the primary model and ETS, then blends whatever succeeded.
func (o *Orchestrator) forecast(ctx context.Context, key string, s models.Series, primary string, length int) (*models.Candidate, error) {
	ets := o.forecasters[forecast.ModelETS]
	if primary == forecast.ModelETS {
		c, err := ets.FitAndForecast(ctx, key, s, length)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return c, nil
	}

	primaryCand, primaryErr := o.runPrimary(ctx, key, s, primary, length)
	if primaryErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("train: %s %s unusable, falling back to ets: %v", key, primary, primaryErr)
		metrics.ModelFallbacks.WithLabelValues(primary, fallbackReason(primaryErr)).Inc()
	}

	etsCand, etsErr := ets.FitAndForecast(ctx, key, s, length)
	if etsErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if primaryCand == nil {
			return nil, fmt.Errorf("%s: %w", key, multierror.Append(primaryErr, etsErr))
		}
		log.Printf("train: %s ets failed, publishing %s alone: %v", key, primary, etsErr)
	}

	weight := 1.0
	if etsCand != nil {
		weight = forecast.InverseSigmaWeight(etsCand.Diagnostics.Sigma)
	}
	return forecast.Blend(primaryCand, etsCand, 1.0, weight)
}

func (o *Orchestrator) runPrimary(ctx context.Context, key string, s models.Series, name string, length int) (*models.Candidate, error) {
	f, ok := o.forecasters[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w: not configured", name, forecast.ErrModelUnavailable)
	}
	if err := f.Available(); err != nil {
		return nil, err
	}
	return f.FitAndForecast(ctx, key, s, length)
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, forecast.ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, forecast.ErrModelUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

const publishAttempts = 3

// publish retries only on a conflicting concurrent publish.
func (o *Orchestrator) publish(ctx context.Context, p store.Publication) (*store.PublishResult, error) {
	var res *store.PublishResult
	operation := func() error {
		var err error
		res, err = o.publishFn(ctx, p)
		if errors.Is(err, store.ErrPublishConflict) {
			log.Printf("train: publish %s %s conflicted, retrying", p.LocKey, p.Horizon)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	retry := backoff.WithContext(backoff.WithMaxRetries(bo, publishAttempts-1), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		return nil, err
	}
	return res, nil
}

type BackfillRequest struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Months int     `json:"months,omitempty"`
}

type BackfillResult struct {
	Key      string `json:"key"`
	Inserted int    `json:"inserted"`
	Total    int    `json:"total"`
}

const (
	defaultBackfillMonths = 12
	maxBackfillMonths     = 60
)

// Backfill fetches months of history ending today. Unlike the refresh inside
// Train, an upstream failure here is returned to the caller.
func (o *Orchestrator) Backfill(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	if err := location.Validate(req.Lat, req.Lon); err != nil {
		return nil, invalid("%v", err)
	}
	if req.Months < 0 || req.Months > maxBackfillMonths {
		return nil, invalid("months %d outside 0..%d", req.Months, maxBackfillMonths)
	}
	months := req.Months
	if months == 0 {
		months = defaultBackfillMonths
	}
	if o.history == nil {
		return nil, fmt.Errorf("%w: no archive configured", ingest.ErrUpstreamUnavailable)
	}

	key := location.Key(req.Lat, req.Lon)
	inserted, err := o.history.EnsureHistory(ctx, req.Lat, req.Lon, ingest.Lookback(months))
	if err != nil {
		return nil, err
	}
	total, err := o.store.CountObservations(key)
	if err != nil {
		return nil, fmt.Errorf("count observations: %w", err)
	}
	return &BackfillResult{Key: key, Inserted: inserted, Total: total}, nil
}

type PredictionSet struct {
	Key         string              `json:"key"`
	Horizon     models.Horizon      `json:"horizon"`
	Predictions []models.Prediction `json:"predictions"`
}

// Predictions returns up to limit live predictions, earliest first. A limit of
// zero uses the horizon's default length.
func (o *Orchestrator) Predictions(ctx context.Context, lat, lon float64, horizon models.Horizon, limit int) (*PredictionSet, error) {
	if err := location.Validate(lat, lon); err != nil {
		return nil, invalid("%v", err)
	}
	if !horizon.Valid() {
		return nil, invalid("unknown horizon %q", horizon)
	}
	if limit <= 0 {
		limit = horizon.DefaultLength()
	}

	key := location.Key(lat, lon)
	preds, err := o.store.GetPredictions(key, horizon)
	if err != nil {
		return nil, err
	}
	if len(preds) > limit {
		preds = preds[:limit]
	}
	if preds == nil {
		preds = []models.Prediction{}
	}
	return &PredictionSet{Key: key, Horizon: horizon, Predictions: preds}, nil
}

type RegistryListing struct {
	Key     string                 `json:"key"`
	Entries []models.RegistryEntry `json:"entries"`
	// Current maps each model type to its latest version.
	Current map[string]int `json:"current"`
	// DataThrough is the newest stored observation, if any.
	DataThrough *time.Time `json:"data_through,omitempty"`
}

// Registry lists training runs for a location, newest first.
func (o *Orchestrator) Registry(ctx context.Context, lat, lon float64) (*RegistryListing, error) {
	if err := location.Validate(lat, lon); err != nil {
		return nil, invalid("%v", err)
	}
	key := location.Key(lat, lon)
	entries, err := o.store.ListRegistry(key)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.RegistryEntry{}
	}
	listing := &RegistryListing{Key: key, Entries: entries, Current: make(map[string]int)}
	for _, e := range entries {
		if _, ok := listing.Current[e.ModelType]; ok {
			continue
		}
		v, err := o.store.LatestVersion(key, e.ModelType)
		if err != nil {
			return nil, err
		}
		listing.Current[e.ModelType] = v
	}

	latest, err := o.store.GetLatestObservation(key)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		t := latest.Timestamp.UTC()
		listing.DataThrough = &t
	}
	return listing, nil
}
