package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/scheduler"
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
	Use:     "loom-scheduler",
	Short:   "loom central scheduler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("loom-scheduler version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		deleteInterval, _ := cmd.Flags().GetDuration("delete-interval")
		freedGrace, _ := cmd.Flags().GetDuration("freed-grace")
		strictValidation, _ := cmd.Flags().GetBool("strict-validation")

		cfg := scheduler.DefaultConfig()
		if deleteInterval > 0 {
			cfg.DeleteInterval = deleteInterval
		}
		if freedGrace > 0 {
			cfg.FreedGrace = freedGrace
		}
		cfg.StrictValidation = strictValidation

		sched := scheduler.New(cfg)
		sched.Start()
		log.Info("scheduler started")

		ln, err := sched.Listen(listenAddr)
		if err != nil {
			sched.Stop()
			return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		log.Info(fmt.Sprintf("listening on %s", listenAddr))

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Errorf("metrics server error", err)
			}
		}()
		log.Info(fmt.Sprintf("metrics endpoint http://%s/metrics", metricsAddr))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		ln.Close()
		sched.Stop()
		return nil
	},
}

func init() {
	startCmd.Flags().String("listen", "127.0.0.1:8786", "Address to accept client and worker connections on")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	startCmd.Flags().Duration("delete-interval", 2*time.Second, "Interval between batched delete-data sweeps")
	startCmd.Flags().Duration("freed-grace", 2*time.Second, "Minimum time a key must stay released before deletion")
	startCmd.Flags().Bool("strict-validation", false, "Validate scheduler state invariants after every worker removal (development only)")
}
