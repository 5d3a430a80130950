// Command edge starts the public reverse proxy in front of the backend API
// and the frontend UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/observability/metrics"
	"coursechat-edge/internal/proxy"
)

const (
	defaultBackendOrigin  = "http://127.0.0.1:8000"
	defaultFrontendOrigin = "http://127.0.0.1:8501"
	defaultLogDir         = "/var/log/coursechat"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	backendOrigin := flag.String("backend-origin", "", "backend API origin (default "+defaultBackendOrigin+")")
	frontendOrigin := flag.String("frontend-origin", "", "frontend UI origin (default "+defaultFrontendOrigin+")")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logDir := flag.String("log-dir", "", "directory for access and error log files (default "+defaultLogDir+")")
	metricsUser := flag.String("metrics-user", "", "basic auth user for /metrics")
	metricsPasswordHash := flag.String("metrics-password-hash", "", "PBKDF2 hash for the /metrics password (see hash-password)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for shared login throttling")
	redisUsername := flag.String("rate-redis-username", "", "Redis username for shared login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for shared login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisPoolSize := flag.Int("rate-redis-pool-size", 0, "maximum Redis connections for login throttling")
	flag.Parse()

	level := firstNonEmpty(*logLevel, os.Getenv("COURSECHAT_EDGE_LOG_LEVEL"))
	logger := logging.New(logging.Config{Level: level})
	logger = logging.WithComponent(logger, "edge")
	recorder := metrics.Default()

	logDirPath := firstNonEmpty(*logDir, os.Getenv("COURSECHAT_LOG_DIR"), defaultLogDir)
	accessLogger, accessFile := fileLogger(logDirPath, "edge-access.log", level, logger)
	errorLogger, errorFile := fileLogger(logDirPath, "edge-error.log", level, logger)
	defer closeAll(accessFile, errorFile)

	serverMode := modeValue(*mode, os.Getenv("COURSECHAT_EDGE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("COURSECHAT_EDGE_ADDR"))

	backend, err := resolveOrigin(*backendOrigin, os.Getenv("COURSECHAT_EDGE_BACKEND_ORIGIN"), defaultBackendOrigin)
	if err != nil {
		logger.Error("invalid backend origin", "error", err)
		os.Exit(1)
	}
	frontend, err := resolveOrigin(*frontendOrigin, os.Getenv("COURSECHAT_EDGE_FRONTEND_ORIGIN"), defaultFrontendOrigin)
	if err != nil {
		logger.Error("invalid frontend origin", "error", err)
		os.Exit(1)
	}

	rateCfg := proxy.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, os.Getenv("COURSECHAT_EDGE_RATE_GLOBAL_RPS"), logger),
		GlobalBurst:   resolveInt(*globalBurst, os.Getenv("COURSECHAT_EDGE_RATE_GLOBAL_BURST"), logger),
		LoginLimit:    resolveInt(*loginLimit, os.Getenv("COURSECHAT_EDGE_RATE_LOGIN_LIMIT"), logger),
		LoginWindow:   resolveDuration(*loginWindow, os.Getenv("COURSECHAT_EDGE_RATE_LOGIN_WINDOW"), logger),
		RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("COURSECHAT_EDGE_RATE_REDIS_ADDR")),
		RedisUsername: firstNonEmpty(*redisUsername, os.Getenv("COURSECHAT_EDGE_RATE_REDIS_USERNAME")),
		RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("COURSECHAT_EDGE_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*redisTimeout, os.Getenv("COURSECHAT_EDGE_RATE_REDIS_TIMEOUT"), logger),
		RedisPoolSize: resolveInt(*redisPoolSize, os.Getenv("COURSECHAT_EDGE_RATE_REDIS_POOL_SIZE"), logger),
	}

	srv, err := proxy.New(proxy.Config{
		Addr:      listenAddr,
		Backend:   backend,
		Frontend:  frontend,
		RateLimit: rateCfg,
		Admin: proxy.AdminConfig{
			User:         firstNonEmpty(*metricsUser, os.Getenv("COURSECHAT_EDGE_METRICS_USER")),
			PasswordHash: firstNonEmpty(*metricsPasswordHash, os.Getenv("COURSECHAT_EDGE_METRICS_PASSWORD_HASH")),
		},
		Logger:       logger,
		Metrics:      recorder,
		AccessLogger: accessLogger,
		ErrorLogger:  errorLogger,
	})
	if err != nil {
		logger.Error("failed to configure edge server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("edge listening", "addr", listenAddr, "mode", serverMode,
			"backend", backend.String(), "frontend", frontend.String())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("edge stopped")
}

// fileLogger builds a logger appending to dir/name so the log shipper has a
// stable file to tail. When the file cannot be opened the fallback logger is
// used instead and an explanation lands on the process log.
func fileLogger(dir, name, level string, fallback *slog.Logger) (*slog.Logger, io.Closer) {
	path := filepath.Join(dir, name)
	file, err := logging.FileWriter(path)
	if err != nil {
		fallback.Warn("log file unavailable, using process log output", "path", path, "error", err)
		return fallback, nil
	}
	return logging.New(logging.Config{Level: level, Writer: file}), file
}

func closeAll(closers ...io.Closer) {
	for _, closer := range closers {
		if closer != nil {
			_ = closer.Close()
		}
	}
}

func resolveOrigin(flagValue, envValue, fallback string) (*url.URL, error) {
	raw := firstNonEmpty(flagValue, envValue, fallback)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("origin %q is missing a host", raw)
	}
	return parsed, nil
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envValue string, logger *slog.Logger) float64 {
	if flagValue != 0 {
		return flagValue
	}
	raw := strings.TrimSpace(envValue)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid float value", "value", raw, "error", err)
		return 0
	}
	return parsed
}

func resolveInt(flagValue int, envValue string, logger *slog.Logger) int {
	if flagValue != 0 {
		return flagValue
	}
	raw := strings.TrimSpace(envValue)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer value", "value", raw, "error", err)
		return 0
	}
	return parsed
}

func resolveDuration(flagValue time.Duration, envValue string, logger *slog.Logger) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	raw := strings.TrimSpace(envValue)
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration value", "value", raw, "error", err)
		return 0
	}
	return parsed
}
