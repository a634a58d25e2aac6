package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/billing"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/httpapi"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/transport"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.EmergencyStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			migrate(cfg.PGDSN, logger)
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		store = storage.NewMemoryStore()
	}

	var presence geo.Registry
	if cfg.RedisAddr != "" {
		presence = geo.NewRedisPresence(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.SearchRadiusM, cfg.MaxSampleAge)
	} else {
		presence = geo.NewIndex(cfg.MaxSampleAge)
	}

	wsreg := transport.NewRegistry(logger)
	var notifier dispatch.Notifier = wsreg
	if endpoint := os.Getenv("FCM_ENDPOINT"); endpoint != "" {
		notifier = &transport.PushNotifier{
			WS:  wsreg,
			FCM: transport.NewFCMNotifier(endpoint, os.Getenv("FCM_SERVER_KEY")),
		}
	}

	machine := dispatch.NewStateMachine(dispatch.Config{
		OfferTimeout:   cfg.OfferTimeout,
		MaxOfferRounds: cfg.MaxOfferRounds,
		CandidateTopN:  cfg.CandidateTopN,
		SpeedKmh:       cfg.AssumedSpeedKmh,
	}, store, presence, notifier, logger)
	if cfg.OSRMEndpoint != "" {
		machine.ETA = &eta.Estimator{
			Client:   eta.NewOSRMClient(cfg.OSRMEndpoint),
			Cache:    eta.NewCache(cfg.ETACacheTTL),
			SpeedKmh: cfg.AssumedSpeedKmh,
		}
	}
	machine.OnExhausted = func(emergencyID string) {
		logger.Warn("no candidates left, emergency parked", "emergency_id", emergencyID)
	}

	if cfg.StripeEnabled {
		machine.AddListener(billing.NewListener(billing.NewStripeClient(), "usd", logger))
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	api := httpapi.NewServer(machine, presence, kafka, wsreg, auth.NewVerifier(cfg.JWTSecret), logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch authority listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_emergencies.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
	}
}
