package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/config"
	"quoteflow/internal/dashboard"
	"quoteflow/internal/gateway"
	"quoteflow/internal/metrics"
	"quoteflow/internal/monitor"
	"quoteflow/internal/provider"
	"quoteflow/internal/router"
	"quoteflow/internal/service"
	"quoteflow/internal/sink"
	"quoteflow/internal/storage"
	"quoteflow/logger"
	"quoteflow/reader"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
		"config":  path,
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer store.Close()

	r := router.New(cfg.Router)
	manager := provider.NewManager(r, reader.Dialers(), provider.BackoffFromConfig(cfg.Reconnect))

	mon := monitor.NewService(store)
	if err := mon.Start(ctx, r.SubscribeTicker()); err != nil {
		log.WithError(err).Error("failed to start monitoring")
		os.Exit(1)
	}
	if n, err := mon.LoadConditions(ctx); err != nil {
		log.WithError(err).Warn("failed to load monitor conditions; continuing with none")
	} else {
		log.WithField("conditions", n).Info("monitor conditions loaded")
	}

	svc := service.New(store, r, manager, mon, reader.Lookup)

	out, err := sink.New(ctx, cfg.Sink)
	if err != nil {
		if config.IsProductionLike(env) {
			log.WithError(err).Error("failed to create sink")
			os.Exit(1)
		}
		log.WithError(err).Warn("sink disabled")
	}
	if out != nil {
		categories, err := sink.Categories(cfg.Sink.Categories)
		if err != nil {
			log.WithError(err).Error("invalid sink categories")
			os.Exit(1)
		}
		r.SetSink(ctx, out, categories...)
		log.WithField("sink", out.Name()).Info("router sink attached")
	}

	if err := svc.Bootstrap(ctx, cfg.Providers); err != nil {
		log.WithError(err).Warn("some providers failed to start")
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		metrics.StartReport(ctx, log, 30*time.Second, r.ReportFields)
	}

	var wg sync.WaitGroup

	if cfg.Gateway.Enabled {
		gw := gateway.NewServer(cfg.Gateway, r, svc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Run(ctx); err != nil {
				log.WithError(err).Error("gateway stopped")
			}
		}()
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Connections:  manager,
		Router:       r,
		Store:        store,
		// the raw store: the service's ListAlerts reports a pending failure once
		Alerts:       store,
		MonitorError: mon.LastError,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.App.Name); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping monitor")
	mon.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	log.Info("closing provider connections")
	manager.Close(closeCtx)
	closeCancel()

	log.Info("closing router")
	r.Close()
	if out != nil {
		if err := out.Close(); err != nil {
			log.WithError(err).Warn("failed to close sink")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}
