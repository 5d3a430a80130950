// Command launcher starts the backend API and frontend UI as sibling
// processes and exits with the first child's status. It performs no
// restarts; the hosting platform's process manager supervises the launcher
// itself.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"coursechat-edge/internal/envspec"
	"coursechat-edge/internal/launcher"
	"coursechat-edge/internal/observability/logging"
)

const (
	defaultAppDir = "/opt/coursechat/app"
	defaultLogDir = "/var/log/coursechat"
)

func main() {
	appDir := flag.String("app-dir", "", "application working directory (default "+defaultAppDir+")")
	logDir := flag.String("log-dir", "", "directory for per-process log files (default "+defaultLogDir+")")
	backendCmd := flag.String("backend-cmd", "", "backend command override")
	frontendCmd := flag.String("frontend-cmd", "", "frontend command override")
	port := flag.String("port", "", "backend port (default "+envspec.DefaultPort+")")
	streamlitPort := flag.String("streamlit-port", "", "frontend port (default "+envspec.DefaultStreamlitPort+")")
	pythonPath := flag.String("python-path", "", "PYTHONPATH injected into both children")
	grace := flag.Duration("grace-period", 0, "time children get to exit after SIGTERM")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	dir := firstNonEmpty(*appDir, os.Getenv("COURSECHAT_APP_DIR"), defaultAppDir)
	logs := firstNonEmpty(*logDir, os.Getenv("COURSECHAT_LOG_DIR"), defaultLogDir)

	// The launcher's own log is teed into the shipped launcher.log file as
	// well as stdout.
	var logWriter io.Writer = os.Stdout
	ownLog, logErr := logging.FileWriter(filepath.Join(logs, "launcher.log"))
	if logErr == nil {
		defer ownLog.Close()
		logWriter = io.MultiWriter(os.Stdout, ownLog)
	}
	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("COURSECHAT_LAUNCHER_LOG_LEVEL")),
		Writer: logWriter,
	})
	logger = logging.WithComponent(logger, "launcher")
	if logErr != nil {
		logger.Warn("launcher log file unavailable, logging to stdout only", "error", logErr)
	}

	backendPort := firstNonEmpty(*port, os.Getenv(envspec.PortVar), envspec.DefaultPort)
	frontendPort := firstNonEmpty(*streamlitPort, os.Getenv(envspec.StreamlitPortVar), envspec.DefaultStreamlitPort)
	importPath := firstNonEmpty(*pythonPath, os.Getenv(envspec.PythonPathVar), dir)

	childEnv := envspec.ChildEnv(backendPort, frontendPort, importPath)

	backend := commandOrDefault(*backendCmd, os.Getenv("COURSECHAT_BACKEND_CMD"), []string{
		"uvicorn", "app.main:app", "--host", "127.0.0.1", "--port", backendPort,
	})
	frontend := commandOrDefault(*frontendCmd, os.Getenv("COURSECHAT_FRONTEND_CMD"), []string{
		"streamlit", "run", "app/ui/main.py",
		"--server.address", "127.0.0.1",
		"--server.port", frontendPort,
		"--server.headless", "true",
	})

	gracePeriod := *grace
	if gracePeriod <= 0 {
		if parsed, err := time.ParseDuration(strings.TrimSpace(os.Getenv("COURSECHAT_LAUNCHER_GRACE_PERIOD"))); err == nil && parsed > 0 {
			gracePeriod = parsed
		}
	}

	sup, err := launcher.New(launcher.Config{
		Children: []launcher.ChildSpec{
			{
				Name:    "backend",
				Command: backend,
				Dir:     dir,
				Env:     childEnv,
				LogPath: filepath.Join(logs, "backend.log"),
			},
			{
				Name:    "frontend",
				Command: frontend,
				Dir:     dir,
				Env:     childEnv,
				LogPath: filepath.Join(logs, "frontend.log"),
			},
		},
		GracePeriod: gracePeriod,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("invalid launcher configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := sup.Run(ctx)
	if err != nil {
		logger.Error("launcher failed", "error", err)
		os.Exit(1)
	}
	if result.Signalled {
		logger.Info("launcher stopped after shutdown signal")
		os.Exit(0)
	}
	logger.Info("exiting with first child's status", "child", result.Name, "exit_code", result.ExitCode)
	os.Exit(result.ExitCode)
}

// commandOrDefault splits a space-separated override into argv, falling back
// to the built-in command. Overrides are simple whitespace splits; arguments
// with embedded spaces need a wrapper script.
func commandOrDefault(flagValue, envValue string, fallback []string) []string {
	raw := firstNonEmpty(flagValue, envValue)
	if raw == "" {
		return fallback
	}
	return strings.Fields(raw)
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
