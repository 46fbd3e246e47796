package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arcflow.dev/api"
	"arcflow.dev/auth"
	"arcflow.dev/bus"
	"arcflow.dev/cache"
	"arcflow.dev/collab"
	"arcflow.dev/common"
	"arcflow.dev/config"
	"arcflow.dev/flow"
	"arcflow.dev/flow/docstore"
	"arcflow.dev/gateway"
	"arcflow.dev/kv"
	"arcflow.dev/metrics"
	"arcflow.dev/otel"
	"arcflow.dev/ratelimit"
	"arcflow.dev/registry"
	"arcflow.dev/relay"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	common.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Component("server")

	tracing := otel.Init(cfg.Service.Name, cfg.Service.Version)
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.NewWithOptions(cfg.KV.URL, kv.Options{
		MaxRetries: cfg.KV.MaxRetries,
		RetryBase:  cfg.KV.RetryBase,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	cacheMgr := cache.New(store, cache.Config{
		Prefix:               cfg.Cache.Prefix,
		MaxKeyLength:         cfg.Cache.MaxKeyLength,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		MetricsInterval:      cfg.Cache.MetricsInterval,
	})
	defer cacheMgr.Close()

	eventBus := bus.New(store)
	defer eventBus.Close()

	limiter := ratelimit.New(store, tierTable(cfg.Rate))

	tokens, err := auth.NewTokenService(cfg.Auth.SigningKey, cfg.Auth.TokenExpiration)
	if err != nil {
		return err
	}

	docs, err := docstore.New(ctx, cfg.DocStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := docs.Close(context.Background()); err != nil {
			log.WithError(err).Warn("docstore close failed")
		}
	}()

	flows := flow.NewManager(docs.Flows(), docs.Versions(), cacheMgr, eventBus)

	reg, err := registry.New(ctx, store, docs.Registry(), registry.Config{
		ProbeInterval: cfg.Registry.ProbeInterval(),
		ProbeTimeout:  cfg.Registry.ProbeTimeout,
		CallTimeout:   cfg.Registry.CallTimeout,
		CallRetries:   cfg.Registry.CallRetries,
	})
	if err != nil {
		return err
	}
	reg.StartHealthLoop(ctx)
	defer reg.Stop()

	hub := gateway.NewHub()
	coordinator := collab.New(hub, flows, store, eventBus)
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Close()

	gw := gateway.New(gateway.Config{
		Tokens:     tokens,
		Limiter:    limiter,
		Hub:        hub,
		Dispatcher: coordinator,
		Bus:        eventBus,
	})
	if err := gw.StartBridge(ctx); err != nil {
		return err
	}

	if cfg.Relay.URL != "" {
		eventRelay := relay.New(eventBus, relay.Config{
			URL:      cfg.Relay.URL,
			Exchange: cfg.Relay.Exchange,
		})
		if err := eventRelay.Start(ctx); err != nil {
			// The relay is an optional mirror; the server runs without it.
			log.WithError(err).Warn("event relay unavailable")
		} else {
			defer eventRelay.Close()
		}
	}

	promRegistry := metrics.NewRegistry(cacheMgr, gw, coordinator.QueueDepth)

	server := api.NewServer(cfg.Server, api.Deps{
		Service:  cfg.Service,
		Tokens:   tokens,
		Flows:    flows,
		Gateway:  gw,
		Registry: promRegistry,
		Health: func() map[string]any {
			return map[string]any{
				"connections": gw.Snapshot().Connections,
				"services":    len(reg.List()),
			}
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func tierTable(rate config.RateConfig) map[ratelimit.Tier]ratelimit.Limits {
	defaults := ratelimit.DefaultLimits()
	table := map[ratelimit.Tier]ratelimit.Limits{
		ratelimit.TierFree:       merge(defaults[ratelimit.TierFree], rate.Free),
		ratelimit.TierPro:        merge(defaults[ratelimit.TierPro], rate.Pro),
		ratelimit.TierEnterprise: merge(defaults[ratelimit.TierEnterprise], rate.Enterprise),
	}
	return table
}

// merge overlays configured budgets on the built-in defaults; zero
// values keep the default.
func merge(base ratelimit.Limits, cfg config.TierLimits) ratelimit.Limits {
	if cfg.MaxPerHour > 0 {
		base.MaxPerHour = cfg.MaxPerHour
	}
	if cfg.MaxPerDay > 0 {
		base.MaxPerDay = cfg.MaxPerDay
	}
	if cfg.MaxConnections > 0 {
		base.MaxConnections = cfg.MaxConnections
	}
	if cfg.MaxMsgPerSec > 0 {
		base.MaxMsgPerSec = cfg.MaxMsgPerSec
	}
	return base
}
