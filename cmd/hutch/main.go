package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrenlabs/hutch/pkg/api"
	"github.com/wrenlabs/hutch/pkg/autoscaler"
	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/cost"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/health"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/manager"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/scheduler"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/webhook"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - container job orchestrator",
	Long: `Hutch runs heterogeneous batch jobs on per-type pools of container
workers. It queues jobs by priority, scales each pool against CPU,
memory, and backlog signals, enforces per-type cost budgets, and
retires unhealthy workers without losing their jobs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "path to config file (YAML)")
	serveCmd.Flags().String("data-dir", "", "override data directory")
	serveCmd.Flags().String("listen", "", "override API listen address")
	serveCmd.Flags().Bool("dev", false, "use the in-process fake runtime with auto-completing jobs")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: job queue, container pools, scheduler,
autoscaler, health monitor, and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listen, _ := cmd.Flags().GetString("listen")
		dev, _ := cmd.Flags().GetBool("dev")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if listen != "" {
			cfg.ListenAddr = listen
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")
		logger.Info().
			Str("version", Version).
			Str("data_dir", cfg.DataDir).
			Msg("starting hutch")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		sink := events.NewLogSink(broker, log.WithComponent("events"))
		sink.Start()
		defer sink.Stop()

		var rt runtime.Runtime
		if dev {
			fake := runtime.NewFakeRuntime()
			fake.AutoComplete(2 * time.Second)
			rt = fake
			logger.Warn().Msg("dev mode: using fake runtime, jobs auto-complete")
		} else {
			crt, err := runtime.NewContainerdRuntime(cfg.RuntimeSocket)
			if err != nil {
				return fmt.Errorf("failed to connect to containerd: %v", err)
			}
			defer crt.Close()
			rt = crt
		}

		q, err := queue.NewManager(store, cfg, broker)
		if err != nil {
			return fmt.Errorf("failed to build queue: %v", err)
		}
		defer q.Close()

		p := pool.New(store, cfg, rt, broker)
		p.Start()
		defer p.Stop()

		tracker, err := cost.NewTracker(store, cfg, broker)
		if err != nil {
			return fmt.Errorf("failed to build cost tracker: %v", err)
		}

		notifier := webhook.NewNotifier(cfg.WebhookAttempts)
		defer notifier.Close()

		sched := scheduler.New(store, cfg, q, p, tracker, rt, notifier, broker)
		sched.Start()
		defer sched.Stop()

		scaler := autoscaler.New(cfg, q, p, tracker, broker, sched.Hints())
		scaler.Start()
		defer scaler.Stop()

		monitor := health.New(store, cfg, q, p, rt)
		monitor.Start()
		defer monitor.Stop()

		mgr := manager.New(store, cfg, q, p, tracker)
		mgr.Start()
		defer mgr.Stop()

		server := api.NewServer(mgr)
		errCh := make(chan error, 2)
		go func() {
			if err := server.Listen(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("api server: %v", err)
			}
		}()

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					errCh <- fmt.Errorf("metrics server: %v", err)
				}
			}()
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		if err := server.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("api shutdown error")
		}
		return nil
	},
}
