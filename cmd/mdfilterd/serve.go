package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sofatutor/mdresponsefilter/internal/admin"
	"github.com/sofatutor/mdresponsefilter/internal/converter"
	"github.com/sofatutor/mdresponsefilter/internal/logging"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
	"github.com/sofatutor/mdresponsefilter/internal/middleware"
	"github.com/sofatutor/mdresponsefilter/internal/server"
)

var (
	serveEnvFile      string
	serveListenAddr   string
	serveAdminAddr    string
	serveMetricsAddr  string
	serveUpstream     string
	serveConfigPath   string
	serveLogLevel     string
	serveLogFormat    string
	serveLogFile      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the markdown response filter proxy",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveEnvFile, "env", mdconfig.EnvOrDefault("ENV", ".env"), "Path to .env file")
	serveCmd.Flags().StringVar(&serveListenAddr, "addr", mdconfig.EnvOrDefault("LISTEN_ADDR", ":8080"), "Address the proxy listens on")
	serveCmd.Flags().StringVar(&serveAdminAddr, "admin-addr", mdconfig.EnvOrDefault("ADMIN_ADDR", "127.0.0.1:8081"), "Address the diagnostics server listens on")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", mdconfig.EnvOrDefault("METRICS_ADDR", "127.0.0.1:8082"), "Address the loopback-restricted metrics endpoint listens on")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", mdconfig.EnvOrDefault("UPSTREAM_URL", ""), "Upstream origin server URL, e.g. http://localhost:9000")
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", mdconfig.EnvOrDefault("MDFILTER_CONFIG", "mdfilter.yaml"), "Path to the directive YAML file")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", mdconfig.EnvOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", mdconfig.EnvOrDefault("LOG_FORMAT", "json"), "Log format: json or console")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", mdconfig.EnvOrDefault("LOG_FILE", ""), "Path to log file (default: stdout)")
}

func runServe(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(serveEnvFile); err == nil {
		if err := godotenv.Load(serveEnvFile); err != nil {
			fmt.Printf("warning: error loading %s: %v\n", serveEnvFile, err)
		}
	}

	zapLogger, err := logging.NewLogger(serveLogLevel, serveLogFormat, serveLogFile)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()

	target, err := server.ParseTarget(serveUpstream)
	if err != nil {
		zapLogger.Fatal("invalid upstream target", zap.Error(err))
	}

	file, err := loadOrDefaultConfig(serveConfigPath, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to load directive file", zap.Error(err))
	}

	m := metrics.New()
	conv := converter.NewHTMLConverter()
	fp := server.New(server.DefaultConfig(target), file, conv, m, zapLogger)

	obs := middleware.NewObservabilityMiddleware(middleware.ObservabilityConfig{
		Enabled: strings.EqualFold(serveLogLevel, "debug"),
	}, zapLogger)
	handler := middleware.RequestID()(obs.Middleware()(fp.Handler()))

	proxySrv := &http.Server{
		Addr:         serveListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:    serveMetricsAddr,
		Handler: metrics.LoopbackOnly(m.Handler()),
	}

	adminSrv := admin.NewServer(serveAdminAddr, file, m, zapLogger)

	errCh := make(chan error, 3)
	go func() {
		zapLogger.Info("proxy listening", zap.String("addr", serveListenAddr), zap.String("upstream", target.String()))
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()
	go func() {
		zapLogger.Info("metrics listening", zap.String("addr", serveMetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.Start(); err != nil {
			errCh <- fmt.Errorf("admin: %w", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		zapLogger.Error("server error", zap.Error(err))
	case sig := <-done:
		zapLogger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
}

// loadOrDefaultConfig reads the directive file at path; a missing file is
// not an error, since a freshly installed filter should still run (fully
// disabled, per DefaultRecord.Enabled == false) until an operator writes one.
func loadOrDefaultConfig(path string, logger *zap.Logger) (*mdconfig.File, error) {
	if _, err := os.Stat(path); err != nil {
		logger.Warn("directive file not found, running with built-in defaults", zap.String("path", path))
		return &mdconfig.File{}, nil
	}
	return mdconfig.LoadFile(path)
}
