package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/lox/tempcast/internal/api"
	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/ingest"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/queue"
	"github.com/lox/tempcast/internal/scheduler"
	"github.com/lox/tempcast/internal/store"
	"github.com/lox/tempcast/internal/train"
)

type Globals struct {
	DB           string `help:"Path to SQLite database." default:"data/tempcast.db" env:"TEMPCAST_DB"`
	ArtifactsDir string `help:"Directory for persisted model artifacts. Empty disables the curve model and trains the sequence model inline." default:"data/models" env:"TEMPCAST_ARTIFACTS_DIR"`

	Queue     string `help:"Job queue backend." enum:"local,redis" default:"local" env:"TEMPCAST_QUEUE"`
	RedisAddr string `help:"Redis address for the redis queue backend." default:"localhost:6379" env:"TEMPCAST_REDIS_ADDR"`
	Workers   int    `help:"Number of job workers." default:"2" env:"TEMPCAST_WORKERS"`
	QueueSize int    `help:"Pending job buffer for the local queue. 0 sizes it for a full maintenance run." default:"0" env:"TEMPCAST_QUEUE_SIZE"`

	LookbackMonths  int           `help:"Months of history refreshed before each training run." default:"6" env:"TEMPCAST_LOOKBACK_MONTHS"`
	HourlyRetention time.Duration `help:"Keep hourly predictions this long past their target time." default:"240h" env:"TEMPCAST_HOURLY_RETENTION"`
	DailyRetention  time.Duration `help:"Keep daily predictions this long past their target time." default:"1440h" env:"TEMPCAST_DAILY_RETENTION"`
	MaxLocations    int           `help:"Maximum locations retrained per maintenance run." default:"50" env:"TEMPCAST_MAX_LOCATIONS"`

	MeteostatKey   string        `help:"RapidAPI key enabling Meteostat as a secondary archive." env:"METEOSTAT_API_KEY"`
	CurveMaxAge    time.Duration `help:"Refit the curve model when its artifact is older than this. 0 reuses forever." default:"168h" env:"TEMPCAST_CURVE_MAX_AGE"`
	SequenceMaxAge time.Duration `help:"Retrain the sequence model when its artifact is older than this. 0 reuses forever." default:"168h" env:"TEMPCAST_SEQUENCE_MAX_AGE"`
}

type CLI struct {
	Globals

	Serve       ServeCmd       `cmd:"" default:"1" help:"Run the API, job workers and maintenance schedule."`
	Backfill    BackfillCmd    `cmd:"" help:"Fetch historical observations for a location."`
	Train       TrainCmd       `cmd:"" help:"Train and publish a forecast for a location."`
	Maintenance MaintenanceCmd `cmd:"" help:"Retrain known locations and apply prediction retention."`
	Predictions PredictionsCmd `cmd:"" help:"Print the live predictions for a location."`
	Migrate     MigrateCmd     `cmd:"" help:"Apply database migrations and exit."`
}

// app holds the wired components shared by every subcommand.
type app struct {
	store *store.Store
	orch  *train.Orchestrator
	pool  *queue.Pool
	close func()
}

func openStore(g *Globals) (*store.Store, func(), error) {
	if g.DB != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(g.DB), 0755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { db.Close() }, nil
}

func newApp(ctx context.Context, g *Globals) (*app, error) {
	st, closeDB, err := openStore(g)
	if err != nil {
		return nil, err
	}
	closers := []func(){closeDB}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	archives := []ingest.Archive{ingest.NewOpenMeteo()}
	if g.MeteostatKey != "" {
		archives = append(archives, ingest.NewMeteostat(g.MeteostatKey))
	}
	history := ingest.NewHistory(st, ingest.NewFallbackArchive(archives...))

	var artifacts *forecast.Artifacts
	if g.ArtifactsDir != "" {
		artifacts = forecast.NewArtifacts(g.ArtifactsDir)
	}
	seqOpts := forecast.DefaultSequenceOptions()
	seqOpts.Inline = artifacts == nil
	seqOpts.MaxAge = g.SequenceMaxAge

	cfg := train.Config{
		LookbackMonths:  g.LookbackMonths,
		HourlyRetention: g.HourlyRetention,
		DailyRetention:  g.DailyRetention,
		MaxLocations:    g.MaxLocations,
	}
	queueSize := g.QueueSize
	if queueSize == 0 {
		queueSize = cfg.MinQueueSize()
	}
	if g.Queue == "local" && queueSize < cfg.MinQueueSize() {
		closeAll()
		return nil, fmt.Errorf("--queue-size %d cannot hold a maintenance run of %d locations, need at least %d",
			queueSize, g.MaxLocations, cfg.MinQueueSize())
	}

	orch := train.New(st, history, []forecast.Forecaster{
		forecast.NewETS(),
		forecast.NewCurve(artifacts, g.CurveMaxAge),
		forecast.NewSequence(artifacts, seqOpts),
	}, cfg)
	orch.LogAvailability()

	var backend queue.Backend
	switch g.Queue {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: g.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			closeAll()
			return nil, fmt.Errorf("redis %s: %w", g.RedisAddr, err)
		}
		closers = append(closers, func() { client.Close() })
		backend = queue.NewRedisBackend(client)
		log.Printf("queue: using redis at %s", g.RedisAddr)
	default:
		backend = queue.NewLocalBackend(st, queueSize)
	}
	pool := queue.NewPool(backend, g.Workers)
	orch.Register(pool)

	return &app{store: st, orch: orch, pool: pool, close: closeAll}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ServeCmd struct {
	Port          string `help:"HTTP server port." default:"8080" env:"PORT"`
	MaintenanceAt string `help:"Daily maintenance time, HH:MM UTC." default:"03:00" env:"TEMPCAST_MAINTENANCE_AT"`
	NoSchedule    bool   `help:"Disable the maintenance schedule (server and workers only)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	if n, err := a.store.FailStaleJobs("interrupted by restart"); err != nil {
		log.Printf("failed to clear stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("marked %d stale jobs as failed", n)
	}

	server := api.NewServer(a.store, a.orch, a.pool, c.Port)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	if c.NoSchedule {
		log.Println("maintenance schedule disabled (--no-schedule)")
	} else {
		sched := scheduler.New(a.pool, c.MaintenanceAt)
		group.Go(func() error {
			if err := sched.Run(gctx); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		log.Printf("starting server on :%s", c.Port)
		return server.Run(gctx)
	})
	return group.Wait()
}

type BackfillCmd struct {
	Lat    float64 `help:"Latitude." required:""`
	Lon    float64 `help:"Longitude." required:""`
	Months int     `help:"Months of history to fetch." default:"12"`
}

func (c *BackfillCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.orch.Backfill(ctx, train.BackfillRequest{Lat: c.Lat, Lon: c.Lon, Months: c.Months})
	if err != nil {
		return err
	}
	return printJSON(res)
}

type TrainCmd struct {
	Lat     float64 `help:"Latitude." required:""`
	Lon     float64 `help:"Longitude." required:""`
	Horizon string  `help:"Forecast horizon." enum:"hourly,daily" default:"daily"`
	Model   string  `help:"Preferred primary model (ets, curve, sequence). Empty uses the horizon default."`
	Length  int     `help:"Steps to forecast. 0 uses the horizon default."`
}

func (c *TrainCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.orch.Train(ctx, train.TrainRequest{
		Lat:     c.Lat,
		Lon:     c.Lon,
		Horizon: models.Horizon(c.Horizon),
		Model:   c.Model,
		Length:  c.Length,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

type MaintenanceCmd struct {
	Wait bool `help:"Run the scheduled retrains in this process and wait for them." default:"true" negatable:""`
}

func (c *MaintenanceCmd) Run(g *Globals) error {
	if !c.Wait && g.Queue != "redis" {
		return fmt.Errorf("--no-wait needs --queue=redis; local jobs would be lost when this process exits")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	if c.Wait {
		go func() {
			a.pool.Run(workerCtx)
			close(workersDone)
		}()
	} else {
		close(workersDone)
	}

	res, err := a.orch.Maintenance(ctx)
	if err != nil {
		log.Printf("maintenance finished with errors: %v", err)
	}
	if res != nil && c.Wait {
		for _, id := range res.JobIDs {
			job, werr := a.pool.Wait(ctx, id)
			if werr != nil {
				log.Printf("wait for job %s: %v", id, werr)
				continue
			}
			log.Printf("job %s %s", id, job.State)
		}
	}
	stopWorkers()
	<-workersDone

	if perr := printJSON(res); perr != nil {
		return perr
	}
	return err
}

type PredictionsCmd struct {
	Lat     float64 `help:"Latitude." required:""`
	Lon     float64 `help:"Longitude." required:""`
	Horizon string  `help:"Forecast horizon." enum:"hourly,daily" default:"daily"`
	Limit   int     `help:"Maximum rows. 0 uses the horizon default."`
}

func (c *PredictionsCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g)
	if err != nil {
		return err
	}
	defer closeDB()

	orch := train.New(st, nil, nil, train.DefaultConfig())
	set, err := orch.Predictions(context.Background(), c.Lat, c.Lon, models.Horizon(c.Horizon), c.Limit)
	if err != nil {
		return err
	}
	return printJSON(set)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	st, closeDB, err := openStore(g)
	if err != nil {
		return err
	}
	defer closeDB()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at schema version %d", version)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("tempcast"),
		kong.Description("Temperature forecasting from historical weather archives."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
