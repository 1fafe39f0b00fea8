package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"aufloes/pkg/config"
	"aufloes/pkg/dns"
	"aufloes/pkg/forwarder"
	"aufloes/pkg/logging"
	"aufloes/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "aufloes: %v\n", err)
		os.Exit(1)
	}
	if opts.showVersion {
		fmt.Printf("aufloes %s (built %s)\n", version, buildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, opts)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aufloes: %v\n", err)
		os.Exit(1)
	}
}

// run wires the proxy together and blocks until ctx is done or a component fails
func run(ctx context.Context, opts *options) error {
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if opts.configPath != "" {
		// The watcher loads through opts so reloads keep command line overrides
		watcher, err = config.NewWatcher(opts.configPath, opts.load, logging.Global().Logger)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
		cfg = watcher.Config()
	} else if cfg, err = opts.load(""); err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	logger.Info("aufloes starting",
		"version", version,
		"build_time", buildTime,
		"transport", cfg.Upstream.Transport,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	upstream, err := forwarder.New(&cfg.Upstream, logger, metrics)
	if err != nil {
		return err
	}

	server := dns.NewServer(&cfg.Server, upstream, logger, metrics,
		dns.WithTracerProvider(telem.TracerProvider()),
	)
	if err := server.Listen(); err != nil {
		_ = upstream.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	if watcher != nil {
		watcher.OnChange(func(newCfg *config.Config) {
			logger.SetLevel(newCfg.Logging.Level)
			logger.Info("Logging level updated", "level", newCfg.Logging.Level)
			if sections := restartRequired(cfg, newCfg); len(sections) > 0 {
				logger.Warn("Config changes need a restart to take effect", "sections", sections)
			}
		})
		g.Go(func() error {
			return watcher.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
		if err := upstream.Close(); err != nil {
			logger.Error("Error closing upstream", "error", err)
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
		return nil
	})

	logger.Info("aufloes is running", "address", server.Addr().String())

	if err := g.Wait(); err != nil {
		logger.Error("aufloes stopped with error", "error", err)
		return err
	}
	logger.Info("aufloes stopped")
	return nil
}

// restartRequired lists the sections of next that differ from the running
// configuration and are only read at startup. Of the logging section only
// the level is applied on reload.
func restartRequired(running, next *config.Config) []string {
	var sections []string
	if !reflect.DeepEqual(running.Server, next.Server) {
		sections = append(sections, "server")
	}
	if !reflect.DeepEqual(running.Upstream, next.Upstream) {
		sections = append(sections, "upstream")
	}
	runningLog, nextLog := running.Logging, next.Logging
	runningLog.Level, nextLog.Level = "", ""
	if runningLog != nextLog {
		sections = append(sections, "logging")
	}
	if running.Telemetry != next.Telemetry {
		sections = append(sections, "telemetry")
	}
	return sections
}
