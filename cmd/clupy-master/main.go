package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/metrics"
	"github.com/cuemby/clupy/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clupy-master",
	Short:   "clupy master: server registry and lease allocator",
	Version: Version,
	RunE:    runMaster,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clupy-master version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to a master config YAML file")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

func runMaster(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMasterConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading master config: %w", err)
	}

	reg := registry.New(cfg)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("registry", true, "accepting registrations")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunMaintenance(ctx)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler("registry"))
		mux.HandleFunc("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error(fmt.Sprintf("metrics server error: %v", err))
		}
	}()
	log.Info(fmt.Sprintf("metrics listening on http://%s/metrics", metricsAddr))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: reg.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("master listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("master server error: %w", err)
	}

	return srv.Shutdown(context.Background())
}
