package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cnsd/internal/config"
	"cnsd/internal/manager"
	"cnsd/internal/sched"
	"cnsd/internal/telemetry"
)

var version = "0.1.0"

var (
	// Global flags
	cfgPath    string
	verbose    bool
	statsEvery time.Duration

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cnsd",
	Short: "cnsd - self-maintaining tiered memory daemon",
	Long: `cnsd keeps a four-tier in-memory cache healthy on its own.

Session, context, pattern and prediction tiers each carry their own
eviction and compression rules; validation, evolution, predictive
loading and compound intelligence engines maintain them in the
background.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		if cfg.Logging.Format == "console" {
			zc = zap.NewDevelopmentConfig()
		}
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cfg.Logging.File != "" {
			zc.OutputPaths = []string{cfg.Logging.File}
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// runCmd starts the daemon until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the memory daemon with all background loops",
	RunE:  runDaemon,
}

// demoCmd exercises the cache with a scripted workload and prints the
// resulting state.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted workload and print the system state",
	RunE:  runDemo,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cnsd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cnsd %s\n", version)
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	tel := telemetry.New(logger)
	m := manager.New(cfg, sched.RealClock{}, rand.New(rand.NewSource(time.Now().UnixNano())), tel, logger)
	m.Start()

	if cfg.Features.MetricsCollection {
		tel.Serve(cfg.Metrics.Addr, cfg.Metrics.Path)
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	watcher, err := config.NewWatcher(cfgPath, m.ApplyConfig, logger)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(cmd.Context()); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	logger.Info("cnsd started", zap.String("version", version))

	stopStats := make(chan struct{})
	if statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-stopStats:
					return
				case <-ticker.C:
					fmt.Println(renderTiers(m.Metrics(cmd.Context())))
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stopStats)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	return m.Close()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	runCmd.Flags().DurationVar(&statsEvery, "stats-every", 0, "print styled tier stats at this interval (0 disables)")
	rootCmd.AddCommand(runCmd, demoCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
