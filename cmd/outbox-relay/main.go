package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signflow/config"
	"signflow/db"
	"signflow/httpx"
	"signflow/logger"
	"signflow/outbox"
)

const serviceName = "signflow-outbox-relay"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log := logger.New(serviceName, cfg.AppEnv)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, serviceName)
	if err != nil {
		return err
	}
	defer pool.Close()

	producer := outbox.NewProducer(outbox.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		ClientID:     serviceName,
		WriteTimeout: 5 * time.Second,
	})
	defer func() {
		if err := producer.Close(); err != nil {
			log.Warn("producer_close_failed", slog.String("err", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := outbox.NewRelay(outbox.NewStore(pool), producer, log, outbox.RelayConfig{
		BatchSize:         cfg.OutboxBatchSize,
		PollInterval:      cfg.OutboxPollInterval,
		ProcessingTimeout: 2 * time.Minute,
		MaxAttempts:       cfg.OutboxMaxAttempts,
	}).WithMetrics(outbox.NewRelayMetrics(reg))

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			httpx.WriteError(w, req, http.StatusServiceUnavailable, "not_ready", "database unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics_listen", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_server_failed", slog.String("err", err.Error()))
		}
	}()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(ctx)
	}()

	httpx.WaitAndShutdown(ctx, log, srv, cfg.ShutdownTimeout, func(c context.Context) {
		select {
		case <-relayDone:
		case <-c.Done():
			log.Warn("relay_drain_timeout")
		}
	})
	return nil
}
