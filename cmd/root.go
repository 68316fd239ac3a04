package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/moodscan/internal/config"
	"github.com/andresmejia3/moodscan/internal/store"
	"github.com/andresmejia3/moodscan/internal/worker"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds flags shared by the scan and analyze commands
type Options struct {
	InputPath  string
	NthFrame   int
	NumEngines int
	SessionID  string
}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// cfg is the resolved configuration (defaults, file, env, flags)
	cfg config.Config
	// logger is the structured logger handed to long-running components
	logger *log.Logger

	configPath string
	dbURL      string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

// skipDB marks commands that open the database themselves, if at all.
const skipDB = "skip-db"

var rootCmd = &cobra.Command{
	Use:     "moodscan",
	Short:   "Facial Emotion Analysis Service & Retention Sweeper",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadDotEnv()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err = newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}

		if cmd.Annotations[skipDB] != "" {
			return nil
		}
		return connectDB(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: "+config.DefaultDatabaseURL+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// connectDB opens the global store. The service refuses to start without
// its database.
func connectDB(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var err error
	DB, err = store.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// loadDotEnv reads .env.local then .env from the working directory.
// Variables already present in the environment are never overridden.
func loadDotEnv() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to load %s: %v\n", name, err)
		}
	}
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}), nil
}

// workerConfig translates the resolved settings for the inference pool.
func workerConfig() worker.Config {
	return worker.Config{
		PythonBin:   cfg.PythonBin,
		Script:      cfg.WorkerScript,
		ReadTimeout: time.Duration(cfg.InferTimeout),
		Detector:    cfg.Detector,

		MinFaceConfidence: cfg.MinFaceConfidence,
	}
}
