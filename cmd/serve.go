package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/moodscan/internal/api"
	"github.com/andresmejia3/moodscan/internal/config"
	"github.com/andresmejia3/moodscan/internal/sweeper"
	"github.com/andresmejia3/moodscan/internal/utils"
	"github.com/andresmejia3/moodscan/internal/worker"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long serve waits for in-flight requests and an
// in-flight sweep once a signal arrives.
const shutdownGrace = 15 * time.Second

var serveOpts struct {
	Listen    string
	Workers   int
	Retention string
	Interval  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the emotion analysis API and the retention schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyServeFlags(cmd); err != nil {
			return err
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Listen, "listen", "l", "", "Listen address (default :8000)")
	serveCmd.Flags().IntVarP(&serveOpts.Workers, "engines", "e", 0, "Number of parallel inference workers")
	serveCmd.Flags().StringVarP(&serveOpts.Retention, "retention", "r", "", "Delete emotion entries older than this (e.g. 30d)")
	serveCmd.Flags().StringVar(&serveOpts.Interval, "sweep-interval", "", "Time between retention sweeps (e.g. 24h)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags layers explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = serveOpts.Listen
	}
	if flags.Changed("engines") {
		cfg.Workers = serveOpts.Workers
	}
	if flags.Changed("retention") {
		d, err := config.ParseDuration(serveOpts.Retention)
		if err != nil {
			return fmt.Errorf("invalid --retention: %w", err)
		}
		cfg.Retention = config.Duration(d)
	}
	if flags.Changed("sweep-interval") {
		d, err := config.ParseDuration(serveOpts.Interval)
		if err != nil {
			return fmt.Errorf("invalid --sweep-interval: %w", err)
		}
		cfg.SweepInterval = config.Duration(d)
	}
	return cfg.Validate()
}

func sweeperConfig() sweeper.Config {
	return sweeper.Config{
		Retention: time.Duration(cfg.Retention),
		Interval:  time.Duration(cfg.SweepInterval),
		Timeout:   time.Duration(cfg.SweepTimeout),
	}
}

func runServe(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Workers)
	pool, err := worker.NewPool(cfg.Workers, workerConfig(), cfg.MaxFrameDim, logger)
	if err != nil {
		utils.ShowError("Failed to start inference workers", err, nil)
		return err
	}
	defer pool.Close()

	sw := sweeper.New(DB, sweeperConfig(), logger)
	srv := api.New(DB, pool, logger, api.Options{
		WriteTimeout: time.Duration(cfg.WriteTimeout),
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sw.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	logger.Info("emotion analysis API listening", "addr", cfg.ListenAddr, "workers", pool.Size())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	// Use Background: the signal context is already cancelled here
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	sw.Stop(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown failed: %w", err)
	}
	return serveErr
}
