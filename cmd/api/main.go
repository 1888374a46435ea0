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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signflow/blob"
	"signflow/config"
	"signflow/db"
	"signflow/docgen"
	"signflow/envelope"
	"signflow/httpx"
	"signflow/logger"
	"signflow/notify"
	"signflow/outbox"
	"signflow/telemetry"
	"signflow/token"
)

const serviceName = "signflow-api"

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
		log.Error("api_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, serviceName)
	if err != nil {
		return err
	}
	defer pool.Close()

	codec, err := token.NewCodec(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	blobs, err := blob.NewFSStore(cfg.StorageDir, cfg.BaseURL)
	if err != nil {
		return err
	}
	catalog, err := docgen.Load(cfg.TemplatesDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sender, err := newSender(cfg, log)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(sender, notify.NewComposer("Signflow", cfg.TokenTTL), log, cfg.NotifyTimeout).
		WithMetrics(reg)

	svc := envelope.NewService(pool, envelope.NewRepository(), codec, cfg.BaseURL).
		WithOutbox(outbox.NewStore(pool)).
		WithMetrics(envelope.NewMetrics(reg))

	server := &Server{
		envelopes:      svc,
		tokens:         codec,
		blobs:          blobs,
		docs:           catalog,
		notifier:       dispatcher,
		log:            log,
		maxUploadBytes: cfg.MaxUploadBytes,
		ready:          pool.Ping,
		metrics:        httpx.NewMetrics(reg),
		metricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http_listen", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	httpx.WaitAndShutdown(ctx, log, srv, cfg.ShutdownTimeout, server.Drain)
	return nil
}

func newSender(cfg config.Config, log *slog.Logger) (notify.Sender, error) {
	if cfg.SMTPAddr == "" {
		log.Warn("smtp_not_configured", slog.String("fallback", "log"))
		return notify.NewLogSender(log), nil
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
