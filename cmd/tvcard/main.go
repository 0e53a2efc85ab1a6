// Command tvcard runs the tuner card daemon: it opens the configured tuners,
// serves control requests over the IPC socket and the HTTP API, and exports
// card metrics for Prometheus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"tvcard/internal/config"
	"tvcard/internal/logging"
	"tvcard/internal/management"
	"tvcard/internal/metrics"
)

const daemonName = "tvcard"

type TunerDaemon struct {
	infrastructure *management.InfrastructureManager
	application    *management.ApplicationManager
	httpServer     *http.Server
	cancel         context.CancelFunc
	running        bool
	logger         *logging.Logger
}

func NewTunerDaemon(configPath, listenAddress, metricsPath string) (*TunerDaemon, error) {
	configManager := config.NewConfigManager(configPath)

	if err := configManager.LoadConfig(""); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v; creating default configuration\n", configPath, err)
		if err := configManager.CreateDefaultConfig(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	systemConfig := configManager.GetConfig()
	if err := logging.Configure(config.LoggingConfig(systemConfig.Logging)); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	if listenAddress == "" {
		listenAddress = systemConfig.HTTP.ListenAddress
	}
	if metricsPath == "" {
		metricsPath = systemConfig.HTTP.MetricsPath
	}

	infrastructure := management.NewInfrastructureManager(configManager, nil)
	application := management.NewApplicationManager(infrastructure)

	router := management.NewHTTPHandler(application).SetupRoutes()
	router.Handle(metricsPath, promhttp.Handler())

	prometheus.MustRegister(metrics.NewCollector(application))
	prometheus.MustRegister(version.NewCollector(daemonName))

	return &TunerDaemon{
		infrastructure: infrastructure,
		application:    application,
		httpServer:     &http.Server{Addr: listenAddress, Handler: router},
		logger:         logging.GetLogger("main"),
	}, nil
}

func (d *TunerDaemon) Start() error {
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.logger.Info("Starting tuner daemon", "version", version.Info(), "build_context", version.BuildContext())

	if err := d.infrastructure.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start infrastructure layer: %w", err)
	}
	if err := d.application.Start(ctx); err != nil {
		_ = d.infrastructure.Stop()
		cancel()
		return fmt.Errorf("failed to start application layer: %w", err)
	}

	go func() {
		d.logger.Info("Listening", "address", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server error", "error", err)
		}
	}()

	d.running = true
	d.printSystemInfo()
	return nil
}

// Stop shuts down in reverse start order: HTTP, cards, then infrastructure.
func (d *TunerDaemon) Stop(ctx context.Context) error {
	if !d.running {
		return fmt.Errorf("daemon is not running")
	}
	d.logger.Info("Stopping tuner daemon")

	var errs []error
	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
	}
	if err := d.application.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("application layer stop error: %w", err))
	}
	if err := d.infrastructure.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("infrastructure layer stop error: %w", err))
	}
	d.cancel()

	d.running = false
	return errors.Join(errs...)
}

func (d *TunerDaemon) printSystemInfo() {
	cfg := d.infrastructure.GetSystemConfig()

	fmt.Println("==========================================")
	fmt.Println("  Tuner Card Daemon")
	fmt.Println("==========================================")
	fmt.Printf("  Event Loop Interval: %v\n", cfg.EventLoopInterval)
	fmt.Printf("  IPC Server: %s:%d\n", cfg.IPC.Address, cfg.IPC.Port)
	fmt.Printf("  HTTP: %s\n", d.httpServer.Addr)
	fmt.Printf("  Channel presets: %d\n", len(cfg.Channels))
	fmt.Println("==========================================")
	for _, st := range d.application.Snapshots() {
		card := cfg.Cards[st.ID]
		fmt.Printf("  Card %s: %s (%s, %s pipeline)\n", st.ID, st.Kind, card.Protocol, card.Pipeline)
	}
	fmt.Println("==========================================")
}

func main() {
	var (
		configPath    = kingpin.Flag("config", "Path to configuration file.").Default("tvcard.yaml").OverrideDefaultFromEnvar("TVCARD_CONFIG").String()
		listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for the HTTP API and telemetry. Defaults to the configuration file.").OverrideDefaultFromEnvar("TVCARD_LISTEN_ADDRESS").String()
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics. Defaults to the configuration file.").String()
		shutdownWait  = kingpin.Flag("shutdown-timeout", "Time allowed for graceful shutdown.").Default("10s").Duration()
	)

	kingpin.Version(version.Print(daemonName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	daemon, err := NewTunerDaemon(*configPath, *listenAddress, *metricsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create tuner daemon: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Start(); err != nil {
		logging.Error("Failed to start tuner daemon", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownWait)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- daemon.Stop(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			logging.Error("Errors during shutdown", "error", err)
			os.Exit(1)
		}
		logging.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		logging.Error("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}
}
