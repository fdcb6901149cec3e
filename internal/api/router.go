package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigil-labs/vigil/internal/api/handlers"
	mw "github.com/vigil-labs/vigil/internal/api/middleware"
	"github.com/vigil-labs/vigil/internal/config"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/service"
	"github.com/vigil-labs/vigil/internal/store"
	"go.uber.org/zap"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router    *chi.Mux
	Fusion    *service.FusionService
	Consensus *service.ConsensusService
	Flusher   *service.FlusherService

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewApp wires stores, services and handlers. db may be nil: the engines
// then run purely in-memory (the degraded mode used when the durable
// backend is unavailable).
func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	var kv domain.KV
	if db != nil {
		kv = store.NewPostgresKV(db)
	} else {
		logger.Warn("no database configured, consensus state is in-memory only")
	}

	registry := service.NewNetworkRegistry(logger)
	if path := config.NetworksFile(); path != "" {
		if err := registry.LoadFile(path); err != nil {
			logger.Warn("falling back to built-in category networks", zap.Error(err))
		}
	}

	tracker := service.NewReliabilityTracker(kv, logger)
	consensusSvc := service.NewConsensusService(kv, tracker, logger)
	fusionSvc := service.NewFusionService(registry, consensusSvc, logger)
	fusionSvc.SetSessionTTL(config.SessionTTL())
	flusherSvc := service.NewFlusherService(consensusSvc, logger)
	flusherSvc.SetInterval(config.FlushInterval())

	sessionHandler := handlers.NewSessionHandler(fusionSvc)
	consensusHandler := handlers.NewConsensusHandler(consensusSvc)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Fusion:    fusionSvc,
		Consensus: consensusSvc,
		Flusher:   flusherSvc,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(db))

	r.Route("/v1", func(r chi.Router) {
		// Playback sessions and detector evidence
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/", sessionHandler.Start)
			r.Delete("/", sessionHandler.End)
			r.Post("/detections", sessionHandler.AddDetection)
		})

		// Community consensus
		r.Route("/consensus", func(r chi.Router) {
			r.Post("/votes", consensusHandler.Vote)
			r.Post("/seed", consensusHandler.Seed)
			r.Route("/{segmentID}/{category}", func(r chi.Router) {
				r.Get("/", consensusHandler.Get)
				r.Delete("/", consensusHandler.Reset)
			})
		})

		// Voter reliability
		r.Get("/users/{userID}/reliability", consensusHandler.Reliability)

		// Observability snapshot
		r.Get("/stats", app.statsHandler())
	})

	return app
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "storage": "memory"}
		if db != nil {
			status["storage"] = "postgres"
			if err := db.Ping(r.Context()); err != nil {
				status["storage"] = "degraded"
				status["storage_error"] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

func (app *App) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"fusion":         app.Fusion.Stats(),
			"consensus":      app.Consensus.Stats(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure adapters satisfy the persistence port at compile time.
var (
	_ domain.KV              = (*store.MemoryKV)(nil)
	_ domain.KV              = (*store.PostgresKV)(nil)
	_ domain.ConsensusReader = (*service.ConsensusService)(nil)
)
