// clupy-client-demo drives the worked example from spec.md §8: it
// allocates workers for the primes function, submits a batch of calls,
// waits for all of them (or the timeout), and prints each result in
// submission order.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/clupy/pkg/client"
	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/funcs"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/types"
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
	Use:     "clupy-client-demo N [N...]",
	Short:   "Submit primes(N) calls to a running clupy cluster and print the results",
	Version: Version,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDemo,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clupy-client-demo version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to a client config YAML file")
	rootCmd.Flags().String("master-url", "", "The master's URL (overrides config)")
	rootCmd.Flags().Int("workers", 0, "Worker count to request (0 = master default)")
	rootCmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for all calls to complete")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runDemo(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading client config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("master-url"); v != "" {
		cfg.MasterURL = v
	}
	if cfg.MasterURL == "" {
		return fmt.Errorf("master_url must be set (config or --master-url)")
	}

	ns := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid integer argument %q: %w", a, err)
		}
		ns = append(ns, n)
	}

	workerCount, _ := cmd.Flags().GetInt("workers")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	engine := client.New(config.ClientID(), cfg)
	defer engine.Stop()

	primes := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, workerCount)

	futures := make([]*types.Future, len(ns))
	for i, n := range ns {
		futures[i] = primes.Call(n)
	}

	client.WaitAll(futures, timeout)

	for i, f := range futures {
		if !f.Completed() {
			fmt.Printf("primes(%d): timed out\n", ns[i])
			continue
		}
		if !f.Successful() {
			fmt.Printf("primes(%d): error: %v\n", ns[i], f.Failure())
			continue
		}
		fmt.Printf("primes(%d) = %v\n", ns[i], f.Value())
	}

	return nil
}
