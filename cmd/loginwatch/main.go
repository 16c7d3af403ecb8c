// Package main provides the entry point for loginwatch, a login anomaly
// detection pipeline for SaaS identity providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/anomaly"
	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/geo"
	"github.com/lvonguyen/loginwatch/internal/logging"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/notify"
	"github.com/lvonguyen/loginwatch/internal/notify/slacknotify"
	"github.com/lvonguyen/loginwatch/internal/notify/webhook"
	"github.com/lvonguyen/loginwatch/internal/pipeline"
	"github.com/lvonguyen/loginwatch/internal/poller"
	"github.com/lvonguyen/loginwatch/internal/poller/gsuite"
	"github.com/lvonguyen/loginwatch/internal/poller/slack"
	"github.com/lvonguyen/loginwatch/internal/server"
	"github.com/lvonguyen/loginwatch/internal/store"
	"github.com/lvonguyen/loginwatch/internal/store/flatfile"
	"github.com/lvonguyen/loginwatch/internal/store/redisstore"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	mode := flag.String("mode", "run", "Operation mode: poll, analyze, run, or serve")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loginwatch %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting loginwatch",
		zap.String("version", Version), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, *mode, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode string, logger *zap.Logger) error {
	pollers, err := buildPollers(ctx, cfg, logger)
	if err != nil {
		return err
	}

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	locator, err := geo.Open(cfg.GeoIP.CityDB, cfg.GeoIP.ASNDB)
	if err != nil {
		return fmt.Errorf("opening geoip databases: %w", err)
	}
	defer locator.Close()

	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}

	engine := anomaly.NewEngine(anomaly.Params{
		Trees:     cfg.Analysis.Trees,
		Subsample: cfg.Analysis.Subsample,
		Seed:      cfg.Analysis.Seed,
		Workers:   cfg.Analysis.Workers,
	}, logger)

	p := pipeline.New(cfg, pollers, st, normalize.New(locator, logger), engine, notifiers, logger)

	switch mode {
	case "poll":
		return p.Poll(ctx)
	case "analyze":
		_, err := p.Analyze(ctx)
		return err
	case "run":
		_, err := p.Run(ctx)
		return err
	case "serve":
		srv := server.New(cfg.Server, p, pollers, logger, Version)
		return srv.Serve(ctx)
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}

// buildPollers opens every enabled poller through an explicit registry.
func buildPollers(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]poller.Poller, error) {
	registry := poller.Registry{}
	registry.Register("slack", func() (poller.Poller, error) {
		return slack.New(cfg.Pollers.Slack, logger)
	})
	registry.Register("gsuite", func() (poller.Poller, error) {
		return gsuite.New(ctx, cfg.Pollers.GSuite, logger)
	})

	var pollers []poller.Poller
	for _, name := range cfg.EnabledPollers() {
		p, err := registry.Open(name)
		if err != nil {
			return nil, fmt.Errorf("opening poller %s: %w", name, err)
		}
		pollers = append(pollers, p)
	}
	return pollers, nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	registry := store.Registry{}
	registry.Register("flatfile", func() (store.Store, error) {
		return flatfile.New(cfg.Persistence.Flatfile.LogDirectory)
	})
	registry.Register("redis", func() (store.Store, error) {
		return redisstore.New(cfg.Persistence.Redis)
	})

	st, err := registry.Open(cfg.Persistence.Backend)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Persistence.Backend, err)
	}
	return st, nil
}

func buildNotifiers(cfg *config.Config) ([]notify.Notifier, error) {
	registry := notify.Registry{}
	registry.Register("webhook", func() (notify.Notifier, error) {
		return webhook.New(cfg.Notifiers.Webhook)
	})
	registry.Register("slack", func() (notify.Notifier, error) {
		return slacknotify.New(cfg.Notifiers.Slack)
	})

	var notifiers []notify.Notifier
	for _, name := range cfg.EnabledNotifiers() {
		n, err := registry.Open(name)
		if err != nil {
			return nil, fmt.Errorf("opening notifier %s: %w", name, err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}
