// Package main provides the notes agent entry point. The agent owns one
// clinician's visit session: it keeps the note fields durable, composes and
// signs notes, and talks to the AI collaborators.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/visitnote/internal/api/handlers"
	"github.com/drfirst/visitnote/internal/api/middleware"
	"github.com/drfirst/visitnote/internal/autosave"
	"github.com/drfirst/visitnote/internal/collaborator"
	"github.com/drfirst/visitnote/internal/config"
	"github.com/drfirst/visitnote/internal/infrastructure/postgres"
	"github.com/drfirst/visitnote/internal/infrastructure/redpanda"
	"github.com/drfirst/visitnote/internal/observability/metrics"
	"github.com/drfirst/visitnote/internal/observability/tracing"
	"github.com/drfirst/visitnote/internal/visit"
	"github.com/drfirst/visitnote/pkg/circuitbreaker"
	"github.com/drfirst/visitnote/pkg/scheduler"
	"github.com/drfirst/visitnote/pkg/workerpool"
)

const serviceName = "notes-agent"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampling,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Local field store
	var (
		store autosave.Store = autosave.NewMemoryStore()
		pool  *pgxpool.Pool
	)
	if cfg.StoreBackend == config.StorePostgres {
		pool, err = postgres.Connect(ctx, postgres.PoolConfig{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		store = postgres.NewKVStore(pool)
		logger.Info("connected to database")
	}

	// Collaborators behind circuit breakers
	breakers := circuitbreaker.NewManager(logger)
	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		bcfg := circuitbreaker.DefaultConfig(name)
		bcfg.CallTimeout = cfg.CollaboratorTimeout
		bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.BreakerState(name, string(to))
		}
		cb, err := breakers.GetOrCreate(name, bcfg)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.String("name", name), zap.Error(err))
		}
		return cb
	}

	summarizer := collaborator.NewGuardedSummarizer(
		collaborator.NewHTTPSummarizer(cfg.SummarizerURL, cfg.CollaboratorTimeout, logger),
		breaker("summarizer"))
	var synthesizer collaborator.Synthesizer
	if cfg.SynthesizerURL != "" {
		synthesizer = collaborator.NewGuardedSynthesizer(
			collaborator.NewHTTPSynthesizer(cfg.SynthesizerURL, cfg.CollaboratorTimeout, logger),
			breaker("synthesizer"))
	}

	// Event delivery: the outbox relays to Redpanda when both are configured
	var (
		events   visit.EventPublisher
		producer *redpanda.Producer
		outbox   *postgres.Outbox
		admin    *redpanda.Admin
	)
	if cfg.StreamingEnabled() {
		admin, err = redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Fatal("admin client creation failed", zap.Error(err))
		}
		defer admin.Close()
		if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(cfg.TranscriptTopic, cfg.EventsTopic)); err != nil {
			logger.Warn("topic setup failed", zap.Error(err))
		}

		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.EventsTopic = cfg.EventsTopic
		producer, err = redpanda.NewProducer(pcfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		events = producer
		logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))
	}
	if pool != nil && producer != nil {
		outbox = postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger)
		outbox.Start()
		events = outbox
	}

	// Session
	sched := scheduler.New(scheduler.SystemClock{}, logger)
	defer sched.Stop()
	saver := autosave.New(autosave.Config{
		Namespace: cfg.AutosaveNamespace,
		Delay:     cfg.AutosaveDelay,
		MaxAge:    cfg.RestoreMaxAge,
	}, store, sched, m, logger)

	jobs := workerpool.DefaultConfig()
	jobs.Workers = cfg.AIWorkers
	opts := visit.Options{
		Autosaver:   saver,
		Summarizer:  summarizer,
		Synthesizer: synthesizer,
		Jobs:        jobs,
		Events:      events,
		Metrics:     m,
		Logger:      logger,
	}
	session, err := visit.NewSession(opts)
	if err != nil {
		logger.Fatal("session creation failed", zap.Error(err))
	}

	var consumer *redpanda.Consumer
	if cfg.StreamingEnabled() {
		ccfg := redpanda.DefaultConsumerConfig()
		ccfg.Brokers = cfg.KafkaBrokers
		ccfg.GroupID = cfg.ConsumerGroup
		ccfg.Topics = []string{cfg.TranscriptTopic}
		consumer, err = redpanda.NewConsumer(ccfg, redpanda.TranscriptHandler(session, m, logger), logger)
		if err != nil {
			logger.Fatal("consumer creation failed", zap.Error(err))
		}
		consumer.Start()
		logger.Info("transcript consumer started", zap.String("topic", cfg.TranscriptTopic))
	}

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Chart)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if cfg.StreamingEnabled() {
			if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"session":  session.Identity(),
			"autosave": session.Status(),
			"breakers": breakers.GetHealthStatus(),
		}
		if consumer != nil {
			status["consumer"] = consumer.Stats()
			if lag, err := admin.GroupLag(r.Context(), cfg.ConsumerGroup); err == nil {
				status["consumerLag"] = lag
			}
		}
		if producer != nil {
			status["producer"] = producer.Stats()
		}
		if outbox != nil {
			if stats, err := outbox.Stats(r.Context()); err == nil {
				status["outbox"] = stats
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.Handler(registry))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/session", handlers.NewNoteHandler(session, logger).Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.CollaboratorTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.Error("consumer stop error", zap.Error(err))
			}
		}
		if err := session.Teardown(ctx); err != nil {
			logger.Error("note fields not flushed", zap.Error(err))
		}
		if outbox != nil {
			outbox.Stop()
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting notes agent",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.Bool("streaming", cfg.StreamingEnabled()),
		zap.Bool("synthesis", synthesizer != nil))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	<-done
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDev() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.With(zap.String("service", serviceName))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"` + serviceName + `"}`))
}
