// Package cli implements the command-line interface for classd.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/classd/internal/config"
	"github.com/kilupskalvis/classd/internal/store"
	"github.com/kilupskalvis/classd/internal/trace"
	"github.com/kilupskalvis/classd/internal/triggers"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "classd",
	Short: "Schema-flexible object storage backend",
	Long: `classd is a schema-flexible object storage backend. It serves
class/object CRUD over HTTP with ACL enforcement, query resolution
(subqueries, includes), a staged mutation pipeline, and per-tenant
lifecycle triggers.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		envOrDefault("CLASSD_CONFIG", ""), "Path to TOML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadConfig reads the config file, or defaults when none is given.
func loadConfig() *config.Config {
	if configPath == "" {
		cfg := config.Default()
		cfg.ApplicationID = envOrDefault("CLASSD_APP_ID", "classd")
		cfg.MasterKey = os.Getenv("CLASSD_MASTER_KEY")
		return cfg
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// openAdapter constructs the configured store backend.
func openAdapter(cfg *config.Config) store.Adapter {
	switch cfg.StoreBackend {
	case "", "bbolt":
		path := cfg.DatabasePath
		if path == "" {
			path = "classd.db"
		}
		a, err := store.NewBboltAdapter(path)
		if err != nil {
			exitError("failed to open store: %v", err)
		}
		return a
	case "memory":
		return store.NewMemoryAdapter()
	case "weaviate":
		a, err := store.NewWeaviateAdapter(cfg.WeaviateURL)
		if err != nil {
			exitError("failed to create Weaviate adapter: %v", err)
		}
		return a
	default:
		exitError("unknown store backend: %q", cfg.StoreBackend)
		return nil
	}
}

func newLogger(level, format string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newRunner(cfg *config.Config, logger *slog.Logger) *triggers.Runner {
	return &triggers.Runner{
		Registry: triggers.NewRegistry(),
		AppID:    cfg.ApplicationID,
		Logger:   logger,
	}
}

func newTracer(cfg *config.Config, logger *slog.Logger) *trace.Tracer {
	return trace.New(logger, cfg.Trace)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
