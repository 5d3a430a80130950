// Package provision implements the one-shot deploy hooks the platform runs
// around a release. Every step is idempotent so re-running a phase after a
// partial failure converges instead of erroring, and a phase aborts on the
// first step that fails.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config carries the filesystem layout and ownership the hooks converge on.
type Config struct {
	// AppDir is where the application code is staged.
	AppDir string
	// VenvDir is the Python virtual environment location.
	VenvDir string
	// RequirementsFile lists the Python dependencies to install.
	RequirementsFile string
	// LogDir receives the five log files the shipper tails.
	LogDir string
	// RunDir holds runtime state (pid files, sockets).
	RunDir string
	// ServiceUser and ServiceGroup own the application directories.
	ServiceUser  string
	ServiceGroup string
	// Packages are installed with the OS package manager during predeploy.
	Packages []string
	// EnvFile is the rendered environment file consumed by the launcher.
	EnvFile string
	// EnvOverrides replace or extend the declared variable defaults in the
	// rendered environment file.
	EnvOverrides map[string]string
	// LauncherScript is marked executable during postdeploy.
	LauncherScript string
	// DatabaseURL, when set, gates predeploy completion on the database
	// accepting connections.
	DatabaseURL    string
	DBWaitTimeout  time.Duration
	DBWaitInterval time.Duration

	Logger *slog.Logger
}

// CommandRunner abstracts command execution so tests can run phases without
// touching the host.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	r.logger.Debug("running command", "command", name, "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Step is one named idempotent action within a phase.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Provisioner executes the predeploy and postdeploy phases.
type Provisioner struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger
	db     databaseWaiter
}

// Option customises the provisioner, mainly for tests.
type Option func(*Provisioner)

// WithRunner substitutes the command runner.
func WithRunner(runner CommandRunner) Option {
	return func(p *Provisioner) { p.runner = runner }
}

// WithDatabaseWaiter substitutes the database readiness probe.
func WithDatabaseWaiter(waiter databaseWaiter) Option {
	return func(p *Provisioner) { p.db = waiter }
}

// New builds a provisioner from the deployment layout.
func New(cfg Config, opts ...Option) (*Provisioner, error) {
	if cfg.AppDir == "" {
		return nil, fmt.Errorf("app directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DBWaitTimeout <= 0 {
		cfg.DBWaitTimeout = 2 * time.Minute
	}
	if cfg.DBWaitInterval <= 0 {
		cfg.DBWaitInterval = 2 * time.Second
	}
	p := &Provisioner{
		cfg:    cfg,
		logger: cfg.Logger,
		db:     pgxWaiter{},
	}
	p.runner = execRunner{logger: cfg.Logger}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Predeploy prepares the host for a new release: OS packages, the Python
// environment, directories, ownership, the environment file, and finally the
// database gate.
func (p *Provisioner) Predeploy(ctx context.Context) error {
	return p.runPhase(ctx, "predeploy", []Step{
		{Name: "install packages", Run: p.installPackages},
		{Name: "create virtualenv", Run: p.createVirtualenv},
		{Name: "install requirements", Run: p.installRequirements},
		{Name: "create directories", Run: p.createDirectories},
		{Name: "fix ownership", Run: p.fixAppOwnership},
		{Name: "render environment file", Run: p.renderEnvFile},
		{Name: "wait for database", Run: p.waitForDatabase},
	})
}

// Postdeploy finalises a release after the code swap: log ownership and the
// launcher script mode. It never starts the servers; the platform's process
// manager owns that.
func (p *Provisioner) Postdeploy(ctx context.Context) error {
	return p.runPhase(ctx, "postdeploy", []Step{
		{Name: "fix log ownership", Run: p.fixLogOwnership},
		{Name: "mark launcher executable", Run: p.markLauncherExecutable},
	})
}

func (p *Provisioner) runPhase(ctx context.Context, phase string, steps []Step) error {
	p.logger.Info("phase started", "phase", phase, "steps", len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.logger.Info("step started", "phase", phase, "step", step.Name)
		if err := step.Run(ctx); err != nil {
			p.logger.Error("step failed", "phase", phase, "step", step.Name, "error", err)
			return fmt.Errorf("%s: %s: %w", phase, step.Name, err)
		}
		p.logger.Info("step completed", "phase", phase, "step", step.Name)
	}
	p.logger.Info("phase completed", "phase", phase)
	return nil
}

func (p *Provisioner) installPackages(ctx context.Context) error {
	if len(p.cfg.Packages) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, p.cfg.Packages...)
	return p.runner.Run(ctx, "apt-get", args...)
}

func (p *Provisioner) createVirtualenv(ctx context.Context) error {
	if p.cfg.VenvDir == "" {
		return nil
	}
	// An existing environment is left untouched so re-runs converge.
	if _, err := os.Stat(filepath.Join(p.cfg.VenvDir, "bin", "python")); err == nil {
		p.logger.Info("virtualenv already present", "path", p.cfg.VenvDir)
		return nil
	}
	return p.runner.Run(ctx, "python3", "-m", "venv", p.cfg.VenvDir)
}

func (p *Provisioner) installRequirements(ctx context.Context) error {
	if p.cfg.RequirementsFile == "" || p.cfg.VenvDir == "" {
		return nil
	}
	pip := filepath.Join(p.cfg.VenvDir, "bin", "pip")
	return p.runner.Run(ctx, pip, "install", "--no-input", "-r", p.cfg.RequirementsFile)
}

func (p *Provisioner) createDirectories(_ context.Context) error {
	for _, dir := range []string{p.cfg.AppDir, p.cfg.LogDir, p.cfg.RunDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (p *Provisioner) fixAppOwnership(ctx context.Context) error {
	return p.chownRecursive(ctx, p.cfg.AppDir, p.cfg.RunDir)
}

func (p *Provisioner) fixLogOwnership(ctx context.Context) error {
	if p.cfg.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", p.cfg.LogDir, err)
	}
	return p.chownRecursive(ctx, p.cfg.LogDir)
}

func (p *Provisioner) chownRecursive(ctx context.Context, dirs ...string) error {
	if p.cfg.ServiceUser == "" {
		return nil
	}
	owner := p.cfg.ServiceUser
	if p.cfg.ServiceGroup != "" {
		owner += ":" + p.cfg.ServiceGroup
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := p.runner.Run(ctx, "chown", "-R", owner, dir); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) markLauncherExecutable(_ context.Context) error {
	if p.cfg.LauncherScript == "" {
		return nil
	}
	if err := os.Chmod(p.cfg.LauncherScript, 0o755); err != nil {
		return fmt.Errorf("chmod launcher: %w", err)
	}
	return nil
}

func (p *Provisioner) waitForDatabase(ctx context.Context) error {
	if p.cfg.DatabaseURL == "" {
		return nil
	}
	deadline := time.Now().Add(p.cfg.DBWaitTimeout)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.DBWaitInterval)
		lastErr = p.db.Ping(pingCtx, p.cfg.DatabaseURL)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready after %s: %w", p.cfg.DBWaitTimeout, lastErr)
		}
		p.logger.Info("database not ready, retrying", "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.DBWaitInterval):
		}
	}
}
