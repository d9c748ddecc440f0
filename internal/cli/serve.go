package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/classd/internal/audit"
	"github.com/kilupskalvis/classd/internal/rest"
	"github.com/kilupskalvis/classd/internal/server"
)

var (
	serveListen    string
	serveLogLevel  string
	serveLogFormat string
	serveTLSCert   string
	serveTLSKey    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the classd HTTP server",
	Long: `Start the classd HTTP server.

Records live in the configured store backend (bbolt by default). The
master key is read from the config file or CLASSD_MASTER_KEY and enables
privileged operations.

Examples:
  classd serve
  classd serve --listen 0.0.0.0:1337 --config classd.toml
  classd serve --tls-cert server.crt --tls-key server.key`,
	Run: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", envOrDefault("CLASSD_LISTEN", "127.0.0.1:1337"), "Listen address (host:port)")
	f.StringVar(&serveLogLevel, "log-level", envOrDefault("CLASSD_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&serveLogFormat, "log-format", envOrDefault("CLASSD_LOG_FORMAT", "json"), "Log format (json|text)")
	f.StringVar(&serveTLSCert, "tls-cert", os.Getenv("CLASSD_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serveTLSKey, "tls-key", os.Getenv("CLASSD_TLS_KEY"), "TLS key file")
}

func runServe(_ *cobra.Command, _ []string) {
	logger := newLogger(serveLogLevel, serveLogFormat)
	cfg := loadConfig()
	if cfg.MasterKey == "" {
		logger.Error("a master key is required; set master_key in the config or CLASSD_MASTER_KEY")
		os.Exit(1)
	}

	adapter := openAdapter(cfg)
	defer adapter.Close()

	env := &rest.Env{
		Config:  cfg,
		Adapter: adapter,
		Runner:  newRunner(cfg, logger),
		Tracer:  newTracer(cfg, logger),
		Logger:  logger,
	}

	var auditLog *audit.Log
	if cfg.AuditPath != "" {
		var err error
		auditLog, err = audit.Open(cfg.AuditPath, logger)
		if err != nil {
			logger.Error("failed to open audit log", "error", err, "path", cfg.AuditPath)
			os.Exit(1)
		}
		defer auditLog.Close()
		env.Audit = auditLog
	}

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           server.Handler(env, auditLog, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting classd server",
			"listen", serveListen, "backend", cfg.StoreBackend, "app_id", cfg.ApplicationID)
		var err error
		if serveTLSCert != "" && serveTLSKey != "" {
			err = srv.ListenAndServeTLS(serveTLSCert, serveTLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
