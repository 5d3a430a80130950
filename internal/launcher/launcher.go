package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"coursechat-edge/internal/observability/logging"
)

// DefaultGracePeriod bounds how long children get to exit after SIGTERM
// before they are killed.
const DefaultGracePeriod = 10 * time.Second

// ChildSpec describes one supervised process.
type ChildSpec struct {
	Name    string
	Command []string
	Dir     string
	// Env entries are appended to the parent environment, so later entries
	// win over inherited ones.
	Env []string
	// LogPath, when set, receives the child's line-framed stdout and stderr.
	// When empty the child inherits the launcher's own streams.
	LogPath string
}

// Config assembles the supervised process group.
type Config struct {
	Children    []ChildSpec
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Result reports how the run ended: the first child to exit and the code the
// launcher should propagate.
type Result struct {
	Name     string
	ExitCode int
	// Signalled is true when the run ended because the launcher itself was
	// asked to shut down rather than because a child failed.
	Signalled bool
}

type child struct {
	spec   ChildSpec
	cmd    *exec.Cmd
	logOut *lineWriter
	logErr *lineWriter
	file   *os.File
}

type exitEvent struct {
	name string
	code int
	err  error
}

// Supervisor starts a fixed set of sibling processes and ties its own exit to
// whichever terminates first. There is no restart policy: a dying child takes
// the whole group down so the platform can replace the instance.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	mu       sync.Mutex
	children []*child
}

// New validates the process group configuration.
func New(cfg Config) (*Supervisor, error) {
	if len(cfg.Children) == 0 {
		return nil, errors.New("at least one child process is required")
	}
	seen := make(map[string]struct{}, len(cfg.Children))
	for _, spec := range cfg.Children {
		if spec.Name == "" {
			return nil, errors.New("child name is required")
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate child name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("child %s: command is required", spec.Name)
		}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}, nil
}

// Run starts every child, blocks until the first one exits or the context is
// cancelled, then terminates the rest. The returned Result carries the exit
// code the launcher process should propagate.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	exits := make(chan exitEvent, len(s.cfg.Children))

	for _, spec := range s.cfg.Children {
		c, err := s.startChild(spec)
		if err != nil {
			s.drain(exits, len(s.children), s.terminateAll())
			return Result{}, fmt.Errorf("start %s: %w", spec.Name, err)
		}
		s.mu.Lock()
		s.children = append(s.children, c)
		s.mu.Unlock()
		go func(c *child) {
			err := c.cmd.Wait()
			c.flushLogs()
			exits <- exitEvent{name: c.spec.Name, code: exitCode(c.cmd, err), err: err}
		}(c)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested, stopping children")
		s.drain(exits, len(s.children), s.terminateAll())
		return Result{Signalled: true, ExitCode: 0}, nil
	case first := <-exits:
		if first.err != nil {
			s.logger.Error("child exited", "child", first.name, "exit_code", first.code, "error", first.err)
		} else {
			s.logger.Info("child exited", "child", first.name, "exit_code", first.code)
		}
		s.drain(exits, len(s.children)-1, s.terminateAll())
		return Result{Name: first.name, ExitCode: first.code}, nil
	}
}

func (s *Supervisor) startChild(spec ChildSpec) (*child, error) {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	c := &child{spec: spec, cmd: cmd}
	if spec.LogPath != "" {
		file, err := logging.FileWriter(spec.LogPath)
		if err != nil {
			return nil, err
		}
		c.file = file
		c.logOut = newLineWriter(file, spec.Name, "stdout")
		c.logErr = newLineWriter(file, spec.Name, "stderr")
		cmd.Stdout = c.logOut
		cmd.Stderr = c.logErr
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if c.file != nil {
			c.file.Close()
		}
		return nil, err
	}
	s.logger.Info("child started", "child", spec.Name, "pid", cmd.Process.Pid, "command", spec.Command[0])
	return c, nil
}

// terminateAll asks every still-running child to stop, escalating to SIGKILL
// when the grace period elapses before drain finishes.
func (s *Supervisor) terminateAll() *time.Timer {
	s.mu.Lock()
	children := make([]*child, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	for _, c := range children {
		if c.cmd.Process == nil {
			continue
		}
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("signal child", "child", c.spec.Name, "error", err)
		}
	}

	return time.AfterFunc(s.cfg.GracePeriod, func() {
		for _, c := range children {
			if c.cmd.Process == nil {
				continue
			}
			s.logger.Warn("grace period expired, killing child", "child", c.spec.Name)
			_ = c.cmd.Process.Kill()
		}
	})
}

// drain waits for the remaining children's exit notifications so log files
// are flushed before the launcher returns.
func (s *Supervisor) drain(exits <-chan exitEvent, remaining int, killTimer *time.Timer) {
	timeout := time.After(s.cfg.GracePeriod + time.Second)
	for remaining > 0 {
		select {
		case ev := <-exits:
			s.logger.Info("child stopped", "child", ev.name, "exit_code", ev.code)
			remaining--
		case <-timeout:
			s.logger.Warn("gave up waiting for children to stop", "remaining", remaining)
			remaining = 0
		}
	}
	if killTimer != nil {
		killTimer.Stop()
	}
	s.closeLogs()
}

func (s *Supervisor) closeLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.file != nil {
			c.file.Close()
			c.file = nil
		}
	}
}

func (c *child) flushLogs() {
	if c.logOut != nil {
		c.logOut.Flush()
	}
	if c.logErr != nil {
		c.logErr.Flush()
	}
}

// exitCode maps a Wait result onto the code the launcher propagates. Children
// killed by a signal report -1 from ProcessState; the launcher surfaces that
// as a generic failure rather than a negative status.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if state := cmd.ProcessState; state != nil {
		if code := state.ExitCode(); code >= 0 {
			return code
		}
		return 1
	}
	if waitErr != nil {
		return 1
	}
	return 0
}
