// Command logship tails the deployment's log files and ships their lines to
// CloudWatch Logs.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"coursechat-edge/internal/logship"
	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/observability/metrics"
	"coursechat-edge/internal/serverutil"
)

const defaultConfigPath = "/etc/coursechat/logship.yaml"

func main() {
	configPath := flag.String("config", "", "path to the agent configuration (default "+defaultConfigPath+")")
	environment := flag.String("environment", "", "environment name when no config file exists")
	region := flag.String("region", "", "AWS region when no config file exists")
	stream := flag.String("stream", "", "log stream name override (default: instance id or hostname)")
	endpoint := flag.String("endpoint", "", "CloudWatch Logs endpoint override, for local testing")
	fromStart := flag.Bool("from-start", false, "read source files from the beginning instead of the end")
	metricsAddr := flag.String("metrics-addr", "", "optional listen address for the agent's /metrics endpoint")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("COURSECHAT_LOGSHIP_LOG_LEVEL"))})
	logger = logging.WithComponent(logger, "logship")
	recorder := metrics.Default()

	cfg, err := loadConfig(
		firstNonEmpty(*configPath, os.Getenv("COURSECHAT_LOGSHIP_CONFIG")),
		firstNonEmpty(*environment, os.Getenv("COURSECHAT_ENVIRONMENT")),
		firstNonEmpty(*region, os.Getenv("AWS_REGION")),
	)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *stream != "" {
		cfg.Stream = *stream
	}
	streamName := logship.ResolveStream(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := logship.NewCloudWatchSink(ctx, logship.CloudWatchOptions{
		Region:   cfg.Region,
		Endpoint: firstNonEmpty(*endpoint, os.Getenv("COURSECHAT_LOGSHIP_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to build CloudWatch client", "error", err)
		os.Exit(1)
	}

	var tailerOpts []logship.TailerOption
	if *fromStart {
		tailerOpts = append(tailerOpts, logship.FromStart())
	}
	shipper, err := logship.NewShipper(cfg, streamName, sink, logger, recorder, tailerOpts...)
	if err != nil {
		logger.Error("failed to build shipper", "error", err)
		os.Exit(1)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("shipping logs", "environment", cfg.Environment, "region", cfg.Region,
			"stream", streamName, "sources", len(cfg.Sources))
		return shipper.Run(ctx)
	})
	if addr := firstNonEmpty(*metricsAddr, os.Getenv("COURSECHAT_LOGSHIP_METRICS_ADDR")); addr != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", recorder.Handler())
			logger.Info("metrics endpoint available", "addr", addr, "path", "/metrics")
			return serverutil.Run(ctx, serverutil.Config{
				Server: &http.Server{
					Addr:              addr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				},
			})
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

// loadConfig reads the YAML file when present, otherwise builds the default
// source set from the environment name and region.
func loadConfig(path, environment, region string) (logship.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if path != "" {
		return logship.LoadConfig(path)
	}
	if environment == "" || region == "" {
		return logship.Config{}, errors.New("no config file found: provide -config or both -environment and -region")
	}
	return logship.DefaultConfig(environment, region), nil
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
