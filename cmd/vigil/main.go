// Package main provides the Vigil session resilience daemon. It keeps a
// long-lived browser automation session alive over hours of unattended
// operation: a watchdog repairs the session through an escalating recovery
// ladder, a keeper proves the authenticated session is still valid, and a
// health monitor sweeps every sub-resource and raises debounced alerts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/storekeep/vigil/pkg/config"
	"github.com/storekeep/vigil/pkg/health"
	"github.com/storekeep/vigil/pkg/keeper"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/metrics"
	"github.com/storekeep/vigil/pkg/monitor"
	"github.com/storekeep/vigil/pkg/resource"
	"github.com/storekeep/vigil/pkg/session"
	"github.com/storekeep/vigil/pkg/watchdog"
)

const version = "0.1.0"

type flags struct {
	ConfigPath  string
	AdminAddr   string
	ShowVersion bool
}

func main() {
	f := parseFlags()

	if f.ShowVersion {
		fmt.Printf("Vigil v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, f); err != nil {
		cancel()
		log.Fatalf("Application error: %v", err)
	}
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.ConfigPath, "config", os.Getenv("VIGIL_CONFIG"), "Path to YAML configuration (or set VIGIL_CONFIG)")
	flag.StringVar(&f.AdminAddr, "admin", "", "Admin listen address, overrides config admin_addr")
	flag.BoolVar(&f.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Vigil - session resilience daemon for browser automation\n\n")
		fmt.Fprintf(os.Stderr, "Usage: vigil [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe configuration file must set keeper.probe_url to an\n")
		fmt.Fprintf(os.Stderr, "authenticated endpoint of the target site.\n")
	}

	flag.Parse()
	return f
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if f.AdminAddr != "" {
		cfg.AdminAddr = f.AdminAddr
	}

	logger, logErr := logging.New("daemon", cfg.Logging)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", logErr)
	}
	defer logger.Close()

	// The session handle is created here and shared, by reference, with
	// every supervisor. None of them own it exclusively.
	handle := session.NewBrowserSession(cfg.Session)
	if err := handle.Start(); err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer handle.Close()
	logger.Infof("browser session started")

	resourceLogger, _ := logging.New("resource", cfg.Logging)
	defer resourceLogger.Close()
	resources, err := resource.NewManager(cfg.Resources, resourceLogger)
	if err != nil {
		return err
	}

	healthLogger, _ := logging.New("health", cfg.Logging)
	defer healthLogger.Close()
	checker, err := health.NewChecker(cfg.Health, handle, healthLogger)
	if err != nil {
		return err
	}

	watchdogLogger, _ := logging.New("watchdog", cfg.Logging)
	defer watchdogLogger.Close()
	wd, err := watchdog.New(cfg.Watchdog, handle, watchdogLogger,
		watchdog.WithResourceManager(resources),
		watchdog.WithFailureCallback(func(err error) {
			logger.Errorf("watchdog failure: %v", err)
		}),
	)
	if err != nil {
		return err
	}

	monitorLogger, _ := logging.New("monitor", cfg.Logging)
	defer monitorLogger.Close()
	mon, err := monitor.New(cfg.Monitor, checker, monitorLogger)
	if err != nil {
		return err
	}
	mon.OnStatusChange(func(old, new health.OverallStatus) {
		logger.Warnf("overall health %s -> %s", old, new)
	})

	keeperLogger, _ := logging.New("keeper", cfg.Logging)
	defer keeperLogger.Close()
	// The login collaborator is site-specific and supplied by the
	// embedding workflow; standalone the keeper runs without forced
	// re-login and the watchdog without its top ladder level.
	kp, err := keeper.New(cfg.Keeper, handle, nil, keeperLogger)
	if err != nil {
		return err
	}

	if err := wd.Start(); err != nil {
		return err
	}
	defer wd.Stop()
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()
	if err := kp.Start(); err != nil {
		return err
	}
	defer kp.Stop()

	var adminServer *http.Server
	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.NewCollector(wd, kp, mon).Handler())
		mux.Handle("/", mon.Handler())

		adminServer = &http.Server{Addr: cfg.AdminAddr, Handler: mux}
		go func() {
			logger.Infof("admin server listening on %s", cfg.AdminAddr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("admin server failed: %v", err)
			}
		}()
	}

	<-ctx.Done()

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("admin server shutdown: %v", err)
		}
	}
	logger.Infof("shutdown complete")
	return nil
}
