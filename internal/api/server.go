package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/tempcast/internal/queue"
	"github.com/lox/tempcast/internal/store"
	"github.com/lox/tempcast/internal/train"
)

type Server struct {
	store *store.Store
	orch  *train.Orchestrator
	queue *queue.Pool
	port  string
}

func NewServer(st *store.Store, orch *train.Orchestrator, pool *queue.Pool, port string) *Server {
	return &Server{
		store: st,
		orch:  orch,
		queue: pool,
		port:  port,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/backfill", s.handleBackfill)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("GET /api/predictions", s.handlePredictions)
	mux.HandleFunc("GET /api/registry", s.handleRegistry)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
