// Command provision runs the deploy hooks around a release: predeploy
// prepares the host, postdeploy finalises file ownership and modes. It never
// starts the servers; the platform's process manager invokes the launcher
// separately.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/provision"
)

const (
	defaultAppDir         = "/opt/coursechat/app"
	defaultVenvDir        = "/opt/coursechat/venv"
	defaultLogDir         = "/var/log/coursechat"
	defaultRunDir         = "/var/run/coursechat"
	defaultEnvFile        = "/etc/coursechat/coursechat.env"
	defaultLauncherScript = "/opt/coursechat/app/bin/launcher"
	defaultServiceUser    = "coursechat"
	defaultPackages       = "python3,python3-venv,python3-pip"
)

func main() {
	phase := flag.String("phase", "", "deploy phase to run: predeploy or postdeploy")
	appDir := flag.String("app-dir", defaultAppDir, "staged application directory")
	venvDir := flag.String("venv-dir", defaultVenvDir, "Python virtual environment directory")
	requirements := flag.String("requirements", "", "requirements file (default <app-dir>/requirements.txt)")
	logDir := flag.String("log-dir", defaultLogDir, "log directory")
	runDir := flag.String("run-dir", defaultRunDir, "runtime state directory")
	serviceUser := flag.String("service-user", defaultServiceUser, "unix user owning the application files")
	serviceGroup := flag.String("service-group", "", "unix group owning the application files (default: same as user)")
	packages := flag.String("packages", defaultPackages, "comma separated OS packages to install")
	envFile := flag.String("env-file", defaultEnvFile, "environment file to render")
	launcherScript := flag.String("launcher-script", defaultLauncherScript, "launcher script marked executable during postdeploy")
	databaseURL := flag.String("database-url", "", "gate predeploy on this database accepting connections")
	dbWaitTimeout := flag.Duration("db-wait-timeout", 2*time.Minute, "how long to wait for the database")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("COURSECHAT_PROVISION_LOG_LEVEL"))})
	logger = logging.WithComponent(logger, "provision")

	requirementsPath := firstNonEmpty(*requirements, *appDir+"/requirements.txt")
	group := firstNonEmpty(*serviceGroup, *serviceUser)

	p, err := provision.New(provision.Config{
		AppDir:           *appDir,
		VenvDir:          *venvDir,
		RequirementsFile: requirementsPath,
		LogDir:           *logDir,
		RunDir:           *runDir,
		ServiceUser:      *serviceUser,
		ServiceGroup:     group,
		Packages:         splitAndTrim(*packages),
		EnvFile:          *envFile,
		EnvOverrides:     envOverrides(),
		LauncherScript:   *launcherScript,
		DatabaseURL:      firstNonEmpty(*databaseURL, os.Getenv("DATABASE_URL")),
		DBWaitTimeout:    *dbWaitTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("invalid provisioning configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(strings.TrimSpace(*phase)) {
	case "predeploy":
		err = p.Predeploy(ctx)
	case "postdeploy":
		err = p.Postdeploy(ctx)
	default:
		logger.Error("unknown phase, expected predeploy or postdeploy", "phase", *phase)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("phase failed", "error", err)
		os.Exit(1)
	}
}

// envOverrides lifts the declared application variables out of the hook's own
// environment so the deployment pipeline can inject values into the rendered
// file without extra flags.
func envOverrides() map[string]string {
	overrides := make(map[string]string)
	for _, name := range []string{
		"PORT", "STREAMLIT_PORT", "PYTHONPATH", "DATABASE_URL",
		"AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
		"MODEL_ID", "EMBEDDING_MODEL_ID", "LOG_LEVEL",
	} {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			overrides[name] = value
		}
	}
	return overrides
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
