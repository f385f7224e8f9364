// Command coletor runs the collector side: one OPC-UA sampling loop per
// configured client, publishing telemetry and setpoint-alert envelopes into
// the per-area broker topology.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/usinatech/vigia/internal/area"
	"github.com/usinatech/vigia/internal/broker"
	"github.com/usinatech/vigia/internal/config"
	"github.com/usinatech/vigia/internal/opcua"
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

	setup, err := opcua.LoadSetup(cfg.SetupPath)
	if err != nil {
		return err
	}

	slog.Info("coletor starting", "version", version, "clients", len(setup.Clients))

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-coletor", version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	reg := area.NewRegistry(cfg.Sites, cfg.AreaAliases)

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

	// Declare the topology here too: the collector often boots before the
	// consumer, and publishes into an unbound exchange would be dropped.
	ch, err := sup.Channel(ctx)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	topo := broker.Topology{
		Exchange:     cfg.Exchange,
		ExchangeType: cfg.ExchangeType,
		RetryTTL:     cfg.RetryTTL,
		Bases: area.Bases{
			Queue:         cfg.QueueBase,
			RetryQueue:    cfg.RetryBase,
			DLQ:           cfg.DLQBase,
			AlertQueue:    cfg.AlertQueue,
			AlertRetry:    cfg.AlertRetry,
			AlertDLQ:      cfg.AlertDLQ,
			RoutingPrefix: cfg.RoutingPrefix,
		},
	}
	if err := broker.DeclareTopology(ch, topo, reg.Areas()); err != nil {
		return err
	}

	pub := broker.NewPublisher(sup, cfg.Exchange, cfg.PublishConfirm, logger)

	metrics, err := opcua.NewMetrics(telemetry.Meter("vigia/coletor"))
	if err != nil {
		logger.Warn("opcua metrics disabled", "error", err)
		metrics = nil
	}

	var wg sync.WaitGroup
	var readers []*opcua.ClientReader
	started := 0
	for _, c := range setup.Clients {
		if c.IntervalMs <= 0 {
			c.IntervalMs = int(cfg.SampleRate / time.Millisecond)
		}

		reader, err := opcua.Connect(ctx, c.Endpoint)
		if err != nil {
			logger.Error("opcua connect failed",
				"client_id", c.ClientID, "endpoint", c.Endpoint, "error", err)
			continue
		}
		readers = append(readers, reader)

		sampler := opcua.NewSampler(reader, pub, opcua.SamplerConfig{
			Client:        c,
			AreaSlug:      reg.ResolveSlug(c.Site),
			RoutingPrefix: cfg.RoutingPrefix,
			AlertWindow:   cfg.DedupWindow,
		}, metrics, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sampler.Run(ctx)
		}()
		started++
	}
	if started == 0 {
		return fmt.Errorf("coletor: no clients connected")
	}
	logger.Info("coletor sampling", "clients", started)

	<-ctx.Done()

	slog.Info("coletor shutting down")
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	for _, r := range readers {
		if err := r.Close(closeCtx); err != nil {
			logger.Warn("opcua close failed", "error", err)
		}
	}

	slog.Info("coletor stopped")
	return nil
}
