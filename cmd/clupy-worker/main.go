package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/funcs"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/metrics"
	"github.com/cuemby/clupy/pkg/worker"
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
	Use:     "clupy-worker",
	Short:   "clupy worker: registration heartbeat and execution endpoints",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clupy-worker version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to a worker config YAML file")
	rootCmd.Flags().String("server-url", "", "This worker's advertised URL (overrides config)")
	rootCmd.Flags().String("master-url", "", "The master's URL (overrides config)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Prometheus metrics listen address")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading worker config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("server-url"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("master-url"); v != "" {
		cfg.MasterURL = v
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("server_url must be set (config or --server-url)")
	}
	if cfg.MasterURL == "" {
		return fmt.Errorf("master_url must be set (config or --master-url)")
	}

	svc := worker.New(cfg, funcs.DefaultTable())

	metrics.SetVersion(Version)
	metrics.RegisterComponent("heartbeat", false, "not yet registered with master")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunHeartbeat(ctx)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler("heartbeat"))
		mux.HandleFunc("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error(fmt.Sprintf("metrics server error: %v", err))
		}
	}()
	log.Info(fmt.Sprintf("metrics listening on http://%s/metrics", metricsAddr))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: svc.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("worker listening on %s, advertising %s", addr, cfg.ServerURL))
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
		return fmt.Errorf("worker server error: %w", err)
	}

	cancel()
	svc.Shutdown()
	return srv.Shutdown(context.Background())
}
