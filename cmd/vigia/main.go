// Command vigia runs the consumer side of the telemetry backbone: the
// per-area broker workers, the alert persistence pipeline, the notification
// scheduler and the HTTP read surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/usinatech/vigia/internal/alerts"
	"github.com/usinatech/vigia/internal/area"
	"github.com/usinatech/vigia/internal/broker"
	"github.com/usinatech/vigia/internal/config"
	"github.com/usinatech/vigia/internal/ingest"
	"github.com/usinatech/vigia/internal/model"
	"github.com/usinatech/vigia/internal/server"
	"github.com/usinatech/vigia/internal/storage"
	"github.com/usinatech/vigia/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(os.Getenv("VIGIA_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("vigia starting", "version", version, "port", cfg.Port, "areas", cfg.Sites)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	reg := area.NewRegistry(cfg.Sites, cfg.AreaAliases)

	// Connect to the broker and declare the full per-area topology up front.
	// A topology we cannot declare is a deployment error, so boot fails.
	sup := broker.NewSupervisor(broker.SupervisorConfig{
		URL:        cfg.RabbitURL,
		VHost:      cfg.RabbitVHost,
		Heartbeat:  cfg.RabbitHeartbeat,
		Confirm:    cfg.PublishConfirm,
		CACert:     cfg.RabbitCACert,
		ClientCert: cfg.RabbitClientCert,
		ClientKey:  cfg.RabbitClientKey,
	}, logger)
	defer sup.Close()

	ch, err := sup.Channel(ctx)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	bases := area.Bases{
		Queue:         cfg.QueueBase,
		RetryQueue:    cfg.RetryBase,
		DLQ:           cfg.DLQBase,
		AlertQueue:    cfg.AlertQueue,
		AlertRetry:    cfg.AlertRetry,
		AlertDLQ:      cfg.AlertDLQ,
		RoutingPrefix: cfg.RoutingPrefix,
	}
	topo := broker.Topology{
		Exchange:     cfg.Exchange,
		ExchangeType: cfg.ExchangeType,
		RetryTTL:     cfg.RetryTTL,
		Bases:        bases,
	}
	if err := broker.DeclareTopology(ch, topo, reg.Areas()); err != nil {
		return err
	}

	// One store per distinct DSN: areas with their own database profile get
	// their own pool, the rest share the primary.
	stores := map[string]*storage.DB{}
	openStore := func(dsn string) (*storage.DB, error) {
		if db, ok := stores[dsn]; ok {
			return db, nil
		}
		db, err := storage.New(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureAlertSchema(ctx); err != nil {
			return nil, err
		}
		if err := db.EnsureTelemetrySchema(ctx); err != nil {
			return nil, err
		}
		stores[dsn] = db
		return db, nil
	}
	defer func() {
		for _, db := range stores {
			db.Close()
		}
	}()

	primary, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	meter := alerts.NewRateMeter()

	// Per-area consume loops. Each area runs one worker per stream; the
	// handlers are bound to that area's store so alert rows land in the
	// area's own database when one is configured.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()
	var wg sync.WaitGroup

	var fanTargets []storage.AreaTarget
	for _, a := range reg.Areas() {
		dsn := cfg.DatabaseURL
		target := storage.AreaTarget{Slug: a.Slug, DSN: dsn}
		if t, ok := cfg.AreaDBTarget(a.Slug); ok {
			dsn = t.DSN()
			target = storage.AreaTarget{
				Slug:     a.Slug,
				Host:     t.Host,
				Port:     t.Port,
				Database: t.Database,
				DSN:      dsn,
			}
		}
		fanTargets = append(fanTargets, target)

		if cfg.ConsumerArea != "" && a.Slug != cfg.ConsumerArea {
			continue
		}

		db, err := openStore(dsn)
		if err != nil {
			return fmt.Errorf("storage %s: %w", a.Slug, err)
		}

		names := area.Derive(a.Site, bases)
		areaLogger := logger.With("area", a.Slug)

		telemetryWorker := broker.NewWorker(sup, broker.WorkerConfig{
			Queue:      names.Queue,
			RetryQueue: names.RetryQueue,
			Prefetch:   cfg.Prefetch,
			MaxRetries: cfg.MaxRetries,
			Tag:        "vigia." + a.Slug + ".telemetry",
		}, map[string]broker.Handler{
			model.EnvelopeKey(model.TypeTelemetry, model.TelemetryVersion): broker.HandlerFunc(
				ingest.NewTelemetryIngestor(db, meter, areaLogger).Handle),
		}, areaLogger)

		alertWorker := broker.NewWorker(sup, broker.WorkerConfig{
			Queue:      names.AlertQueue,
			RetryQueue: names.AlertRetryQueue,
			Prefetch:   cfg.Prefetch,
			MaxRetries: cfg.MaxRetries,
			Tag:        "vigia." + a.Slug + ".alerts",
		}, map[string]broker.Handler{
			model.EnvelopeKey(model.TypeAlert, model.AlertVersion): broker.HandlerFunc(
				ingest.NewAlertIngestor(db, cfg.DedupWindow, areaLogger).Handle),
		}, areaLogger)

		for _, w := range []*broker.Worker{telemetryWorker, alertWorker} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(workCtx)
			}()
		}
	}

	// Notification scheduler over the primary store.
	sched := alerts.NewScheduler(
		alerts.NewDBSource(primary, cfg.SchedInterval),
		alerts.NewLogNotifier(logger, cfg.DefaultRecipients),
		cfg.SchedInterval,
		cfg.SchedObserveOnly,
		logger,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(workCtx)
	}()

	// Read surface: with multi-DB read enabled the alerts-sent query fans out
	// across every area database; summaries always come from the primary.
	var alertReader server.AlertReader = primary
	if cfg.MultiDBRead {
		alertReader = &fanoutReader{
			fan: storage.NewFanOut(fanTargets, logger),
			reg: reg,
		}
	}

	srv := server.New(server.ServerConfig{
		Alerts:       alertReader,
		Summaries:    primary,
		Rates:        meter,
		Pinger:       primary,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight, (2) stop the workers and the
	// scheduler; unacked deliveries go back to the broker on disconnect.
	slog.Info("vigia shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	workCancel()
	if !waitTimeout(&wg, 10*time.Second) {
		slog.Warn("workers did not stop in time")
	}

	slog.Info("vigia stopped")
	return nil
}

// fanoutReader adapts the multi-database fan-out to the read surface. The
// site query parameter selects the area to fan into rather than filtering
// rows, so it is resolved to a slug and cleared before querying.
type fanoutReader struct {
	fan *storage.FanOut
	reg *area.Registry
}

func (r *fanoutReader) FindAlerts(ctx context.Context, f storage.AlertFilters) ([]model.AlertSample, error) {
	slug := ""
	if f.Site != "" {
		slug = r.reg.ResolveSlug(f.Site)
		f.Site = ""
	}
	return r.fan.FindAlerts(ctx, slug, f)
}

// waitTimeout waits for wg up to d. Reports whether the group finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
