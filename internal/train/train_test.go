package train

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/ingest"
	"github.com/lox/tempcast/internal/location"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/queue"
	"github.com/lox/tempcast/internal/store"
)

var testNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// hourlyReadings builds n consecutive hours ending just before testNow, with
// a diurnal cycle and a little deterministic wobble.
func hourlyReadings(key string, n int) []models.Observation {
	first := testNow.Truncate(time.Hour).Add(-time.Duration(n) * time.Hour)
	obs := make([]models.Observation, n)
	for i := range obs {
		ts := first.Add(time.Duration(i) * time.Hour)
		temp := 18 + 6*math.Sin(2*math.Pi*float64(ts.Hour())/24) + 0.3*math.Sin(float64(i)*1.7)
		obs[i] = models.Observation{
			LocKey:    key,
			Timestamp: ts,
			TempC:     sql.NullFloat64{Float64: temp, Valid: true},
			Condition: models.ConditionClear,
			Source:    "test",
		}
	}
	return obs
}

func seed(t *testing.T, st *store.Store, lat, lon float64, n int) string {
	t.Helper()
	key := location.Key(lat, lon)
	if _, err := st.InsertObservations(hourlyReadings(key, n)); err != nil {
		t.Fatalf("insert observations: %v", err)
	}
	return key
}

func newOrchestrator(st *store.Store, history *ingest.History, fs ...forecast.Forecaster) *Orchestrator {
	o := New(st, history, fs, DefaultConfig())
	o.now = func() time.Time { return testNow }
	return o
}

func TestTrain_HourlyETSScenario(t *testing.T) {
	st := setupTestStore(t)
	key := seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)

	res, err := o.Train(context.Background(), TrainRequest{
		Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets", Length: 48,
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Key != key || res.Inserted != 48 || res.Model != "ets" || res.ModelType != "ets_hourly" {
		t.Errorf("result = %+v", res)
	}
	if res.EnsembleRows != 0 || res.Version != 1 {
		t.Errorf("ensemble rows = %d, version = %d", res.EnsembleRows, res.Version)
	}

	set, err := o.Predictions(context.Background(), 12.345, 77.678, models.HorizonHourly, 0)
	if err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	preds := set.Predictions
	if len(preds) != 48 {
		t.Fatalf("predictions = %d, want 48", len(preds))
	}
	for i, p := range preds {
		if p.Lower > p.Yhat || p.Yhat > p.Upper {
			t.Errorf("row %d: band out of order %.2f <= %.2f <= %.2f", i, p.Lower, p.Yhat, p.Upper)
		}
		if i > 0 && p.T.Sub(preds[i-1].T) != time.Hour {
			t.Errorf("row %d: step %v, want 1h", i, p.T.Sub(preds[i-1].T))
		}
		if p.ModelVersions["ets"] != "ets_v1" {
			t.Errorf("row %d: versions %v", i, p.ModelVersions)
		}
	}
}

func TestTrain_RetrainReplacesPredictions(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)
	req := TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets", Length: 48}

	if _, err := o.Train(context.Background(), req); err != nil {
		t.Fatalf("first Train: %v", err)
	}
	req.Length = 24
	res, err := o.Train(context.Background(), req)
	if err != nil {
		t.Fatalf("second Train: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("version = %d, want 2", res.Version)
	}

	preds, err := st.GetPredictions(res.Key, models.HorizonHourly)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 24 {
		t.Fatalf("predictions = %d, want only the 24 from the latest run", len(preds))
	}
	for _, p := range preds {
		if p.ModelVersions["ets"] != "ets_v2" {
			t.Fatalf("stale row from earlier run: %+v", p)
		}
	}
}

func TestTrain_FallsBackToETSWhenSequenceUnavailable(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil, forecast.NewSequence(nil, forecast.DefaultSequenceOptions()))

	res, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "lstm"})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Model != "ets" || res.ModelType != "ets_hourly" || res.EnsembleRows != 0 {
		t.Errorf("result = %+v, want single ets", res)
	}
	if res.Inserted != 48 {
		t.Errorf("inserted = %d, want default 48", res.Inserted)
	}
}

func TestTrain_DailyCurveBlend(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, -37.814, 144.963, 60*24)
	curve := forecast.NewCurve(forecast.NewArtifacts(t.TempDir()), 0)
	o := newOrchestrator(st, nil, curve)

	res, err := o.Train(context.Background(), TrainRequest{Lat: -37.814, Lon: 144.963, Horizon: models.HorizonDaily})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Model != "curve+ets" || res.ModelType != "curve+ets_daily" {
		t.Errorf("model = %q / %q", res.Model, res.ModelType)
	}
	if res.Inserted != 7 || res.EnsembleRows != 7 {
		t.Errorf("inserted = %d, ensemble rows = %d; want 7 and 7", res.Inserted, res.EnsembleRows)
	}

	reg, err := o.Registry(context.Background(), -37.814, 144.963)
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if len(reg.Entries) != 1 {
		t.Fatalf("registry entries = %d, want 1", len(reg.Entries))
	}
	entry := reg.Entries[0]
	if len(entry.Diagnostics.Components) != 2 || entry.Diagnostics.Extra["weight_primary"] != 1 {
		t.Errorf("diagnostics = %+v", entry.Diagnostics)
	}
	if entry.ArtifactPath == "" {
		t.Error("expected the curve artifact path on the registry entry")
	}
	if reg.Current["curve+ets_daily"] != 1 {
		t.Errorf("current versions = %v", reg.Current)
	}
	if want := testNow.Truncate(time.Hour).Add(-time.Hour); reg.DataThrough == nil || !reg.DataThrough.Equal(want) {
		t.Errorf("data through = %v, want %v", reg.DataThrough, want)
	}

	preds, err := st.GetPredictions(res.Key, models.HorizonDaily)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range preds {
		if !p.Ensemble || p.ModelVersions["curve"] != "curve_v1" || p.ModelVersions["ets"] != "ets_v1" {
			t.Errorf("prediction = %+v", p)
		}
	}
}

func TestTrain_InsufficientHistoryLeavesPredictions(t *testing.T) {
	st := setupTestStore(t)
	key := seed(t, st, 12.345, 77.678, 200) // about 9 days, below the daily ETS minimum

	prior := &models.Candidate{
		Points: []models.ForecastPoint{{T: testNow.Add(24 * time.Hour), Yhat: 20, Lower: 18, Upper: 22}},
		Models: []string{"ets"},
	}
	if _, err := st.Publish(context.Background(), store.Publication{
		LocKey: key, Horizon: models.HorizonDaily, ModelType: "ets_daily", Candidate: prior,
	}); err != nil {
		t.Fatalf("publish prior: %v", err)
	}

	o := newOrchestrator(st, nil)
	_, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonDaily, Model: "ets"})
	if !errors.Is(err, forecast.ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}

	preds, err := st.GetPredictions(key, models.HorizonDaily)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 1 || preds[0].Yhat != 20 {
		t.Errorf("prior predictions disturbed: %+v", preds)
	}
}

func TestTrain_AllModelsFail(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 1, 2, 50)
	o := newOrchestrator(st, nil, forecast.NewCurve(nil, 0))

	_, err := o.Train(context.Background(), TrainRequest{Lat: 1, Lon: 2, Horizon: models.HorizonDaily})
	if !errors.Is(err, forecast.ErrInsufficientHistory) || !errors.Is(err, forecast.ErrModelUnavailable) {
		t.Errorf("err = %v, want both the curve and ets failures", err)
	}
}

func TestTrain_NoObservations(t *testing.T) {
	o := newOrchestrator(setupTestStore(t), nil)
	_, err := o.Train(context.Background(), TrainRequest{Lat: 1, Lon: 2, Horizon: models.HorizonHourly, Model: "ets"})
	if !errors.Is(err, forecast.ErrInsufficientHistory) {
		t.Errorf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestTrain_InvalidRequests(t *testing.T) {
	o := newOrchestrator(setupTestStore(t), nil)
	tests := []struct {
		name string
		req  TrainRequest
	}{
		{"latitude", TrainRequest{Lat: 91, Lon: 0, Horizon: models.HorizonDaily}},
		{"longitude", TrainRequest{Lat: 0, Lon: -181, Horizon: models.HorizonDaily}},
		{"horizon", TrainRequest{Lat: 0, Lon: 0, Horizon: "weekly"}},
		{"model", TrainRequest{Lat: 0, Lon: 0, Horizon: models.HorizonDaily, Model: "arima"}},
		{"length", TrainRequest{Lat: 0, Lon: 0, Horizon: models.HorizonDaily, Length: -1}},
		{"daily length too long", TrainRequest{Lat: 0, Lon: 0, Horizon: models.HorizonDaily, Length: 367}},
		{"hourly length too long", TrainRequest{Lat: 0, Lon: 0, Horizon: models.HorizonHourly, Length: 1_000_000_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Train(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

type stubArchive struct {
	obs []models.Observation
	err error
}

func (s *stubArchive) Name() string { return "stub" }

func (s *stubArchive) FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.Observation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.Observation(nil), s.obs...), nil
}

func TestTrain_UpstreamFailureUsesStoredHistory(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	history := ingest.NewHistory(st, ingest.NewFallbackArchive(&stubArchive{err: errors.New("503")}))
	o := newOrchestrator(st, history)

	res, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets"})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Inserted != 48 {
		t.Errorf("inserted = %d, want 48", res.Inserted)
	}
}

func TestBackfill(t *testing.T) {
	st := setupTestStore(t)
	key := location.Key(12.345, 77.678)
	history := ingest.NewHistory(st, &stubArchive{obs: hourlyReadings("", 72)})
	o := newOrchestrator(st, history)

	req := BackfillRequest{Lat: 12.3451, Lon: 77.6779, Months: 1}
	res, err := o.Backfill(context.Background(), req)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if res.Key != key || res.Inserted != 72 || res.Total != 72 {
		t.Errorf("result = %+v", res)
	}

	res, err = o.Backfill(context.Background(), req)
	if err != nil {
		t.Fatalf("repeat Backfill: %v", err)
	}
	if res.Inserted != 0 || res.Total != 72 {
		t.Errorf("repeat result = %+v, want nothing new", res)
	}
}

func TestBackfill_Errors(t *testing.T) {
	st := setupTestStore(t)
	if _, err := newOrchestrator(st, nil).Backfill(context.Background(), BackfillRequest{Lat: 1, Lon: 2}); !errors.Is(err, ingest.ErrUpstreamUnavailable) {
		t.Errorf("no archive: err = %v", err)
	}

	history := ingest.NewHistory(st, ingest.NewFallbackArchive(&stubArchive{err: errors.New("down")}))
	if _, err := newOrchestrator(st, history).Backfill(context.Background(), BackfillRequest{Lat: 1, Lon: 2}); !errors.Is(err, ingest.ErrUpstreamUnavailable) {
		t.Errorf("archive down: err = %v", err)
	}

	archive := &stubArchive{obs: hourlyReadings("", 24)}
	o := newOrchestrator(st, ingest.NewHistory(st, archive))
	for _, months := range []int{-1, 61, 1000} {
		if _, err := o.Backfill(context.Background(), BackfillRequest{Lat: 1, Lon: 2, Months: months}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("months %d: err = %v, want ErrInvalidRequest", months, err)
		}
	}
	if _, err := o.Backfill(context.Background(), BackfillRequest{Lat: 1, Lon: 2, Months: 60}); err != nil {
		t.Errorf("months 60: %v", err)
	}
}

func TestTrain_RetriesPublishConflict(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)

	calls := 0
	o.publishFn = func(ctx context.Context, p store.Publication) (*store.PublishResult, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("%w: database is locked", store.ErrPublishConflict)
		}
		return st.Publish(ctx, p)
	}

	res, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets"})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if calls != 3 || res.Inserted != 48 {
		t.Errorf("calls = %d, inserted = %d; want 3 and 48", calls, res.Inserted)
	}
}

func TestTrain_PublishConflictKeepsPriorSet(t *testing.T) {
	st := setupTestStore(t)
	key := seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)
	if _, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets"}); err != nil {
		t.Fatalf("first Train: %v", err)
	}
	before, err := st.GetPredictions(key, models.HorizonHourly)
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	o.publishFn = func(ctx context.Context, p store.Publication) (*store.PublishResult, error) {
		calls++
		return nil, store.ErrPublishConflict
	}
	_, err = o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets", Length: 24})
	if !errors.Is(err, store.ErrPublishConflict) {
		t.Fatalf("err = %v, want ErrPublishConflict", err)
	}
	if calls != 3 {
		t.Errorf("publish attempts = %d, want 3", calls)
	}

	after, err := st.GetPredictions(key, models.HorizonHourly)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) || !after[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("prior set changed: %d rows before, %d after", len(before), len(after))
	}
}

func TestPredictions_Limit(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)
	if _, err := o.Train(context.Background(), TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets"}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	set, err := o.Predictions(context.Background(), 12.345, 77.678, models.HorizonHourly, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Predictions) != 5 {
		t.Errorf("predictions = %d, want 5", len(set.Predictions))
	}

	empty, err := o.Predictions(context.Background(), 50, 50, models.HorizonDaily, 0)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Predictions == nil || len(empty.Predictions) != 0 {
		t.Errorf("expected an empty, non-nil list, got %v", empty.Predictions)
	}
}

func publishAt(t *testing.T, st *store.Store, key string, h models.Horizon, times ...time.Time) {
	t.Helper()
	c := &models.Candidate{Models: []string{"ets"}}
	for _, ts := range times {
		c.Points = append(c.Points, models.ForecastPoint{T: ts, Yhat: 10, Lower: 9, Upper: 11})
	}
	if _, err := st.Publish(context.Background(), store.Publication{
		LocKey: key, Horizon: h, ModelType: "ets_" + string(h), Candidate: c,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMaintenance_RetentionAndScheduling(t *testing.T) {
	st := setupTestStore(t)
	key := location.Key(12.345, 77.678)
	day := 24 * time.Hour
	publishAt(t, st, key, models.HorizonHourly, testNow.Add(-15*day), testNow.Add(-15*day+time.Hour), testNow.Add(-5*day))
	publishAt(t, st, key, models.HorizonDaily, testNow.Add(-61*day), testNow.Add(-59*day))
	seed(t, st, 40.713, -74.006, 24)

	o := newOrchestrator(st, nil)
	pool := queue.NewPool(queue.NewLocalBackend(st, 64), 1)
	o.Register(pool)

	res, err := o.Maintenance(context.Background())
	if err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if res.Locations != 2 || res.Scheduled != 2 || len(res.JobIDs) != 4 {
		t.Errorf("result = %+v, want 2 locations and 4 jobs", res)
	}
	if res.PurgedHourly != 2 || res.PurgedDaily != 1 {
		t.Errorf("purged hourly = %d, daily = %d; want 2 and 1", res.PurgedHourly, res.PurgedDaily)
	}

	hourly, err := st.GetPredictions(key, models.HorizonHourly)
	if err != nil {
		t.Fatal(err)
	}
	if len(hourly) != 1 || !hourly[0].T.Equal(testNow.Add(-5*day)) {
		t.Errorf("remaining hourly = %+v, want only the 5-day-old row", hourly)
	}

	job, err := pool.Get(context.Background(), res.JobIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	var req TrainRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if job.Kind != KindTrain || job.State != models.JobPending || req.Horizon != models.HorizonDaily || req.Model != forecast.ModelCurve {
		t.Errorf("job = %+v, request = %+v", job, req)
	}
}

func TestMaintenance_CapsLocations(t *testing.T) {
	st := setupTestStore(t)
	for i := 0; i < 5; i++ {
		seed(t, st, float64(i), float64(i), 2)
	}
	o := newOrchestrator(st, nil)
	o.cfg.MaxLocations = 3
	o.Register(queue.NewPool(queue.NewLocalBackend(st, 64), 1))

	res, err := o.Maintenance(context.Background())
	if err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if res.Locations != 3 || res.Scheduled != 3 {
		t.Errorf("result = %+v, want 3 locations", res)
	}
}

func TestMaintenance_FullFanOutFitsDefaultQueue(t *testing.T) {
	st := setupTestStore(t)
	cfg := DefaultConfig()
	for i := 0; i < cfg.MaxLocations; i++ {
		publishAt(t, st, location.Key(float64(i), float64(i)), models.HorizonDaily, testNow.Add(24*time.Hour))
	}
	o := newOrchestrator(st, nil)
	o.Register(queue.NewPool(queue.NewLocalBackend(st, cfg.MinQueueSize()), 1))

	res, err := o.Maintenance(context.Background())
	if err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	if res.Locations != cfg.MaxLocations || res.Scheduled != cfg.MaxLocations || len(res.JobIDs) != 2*cfg.MaxLocations {
		t.Errorf("locations = %d, scheduled = %d, jobs = %d; want %d, %d, %d",
			res.Locations, res.Scheduled, len(res.JobIDs), cfg.MaxLocations, cfg.MaxLocations, 2*cfg.MaxLocations)
	}
	if cfg.MinQueueSize() < 2*cfg.MaxLocations {
		t.Errorf("MinQueueSize = %d cannot hold %d retrains", cfg.MinQueueSize(), 2*cfg.MaxLocations)
	}
}

func TestMaintenance_PartialFailure(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 1, 1, 2)
	seed(t, st, 2, 2, 2)
	o := newOrchestrator(st, nil)
	// A one-slot buffer with no workers fails the second submit.
	o.Register(queue.NewPool(queue.NewLocalBackend(st, 1), 1))

	res, err := o.Maintenance(context.Background())
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if res.Locations != 2 || res.Scheduled != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestJobHandlers(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st, 12.345, 77.678, 200)
	o := newOrchestrator(st, nil)
	pool := queue.NewPool(queue.NewLocalBackend(st, 8), 1)
	o.Register(pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	id, err := pool.Submit(context.Background(), KindTrain, TrainRequest{Lat: 12.345, Lon: 77.678, Horizon: models.HorizonHourly, Model: "ets"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	job, err := pool.Wait(waitCtx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.State != models.JobSucceeded {
		t.Fatalf("state = %s: %s", job.State, job.Error)
	}
	var res TrainResult
	if err := json.Unmarshal(job.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 48 {
		t.Errorf("inserted = %d, want 48", res.Inserted)
	}

	id, err = pool.Submit(context.Background(), KindTrain, TrainRequest{Lat: 99, Lon: 0, Horizon: models.HorizonHourly})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err = pool.Wait(waitCtx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if job.State != models.JobFailed || job.Error == "" {
		t.Errorf("job = %+v, want failed", job)
	}
}
