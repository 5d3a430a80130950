package logship

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = time.Second

// Event is one log line ready for shipping.
type Event struct {
	Timestamp time.Time
	Message   string
}

// Tailer follows appends to a single log file. It tolerates the file not
// existing yet, survives truncation and rotation, and by default starts at
// the end of the file so old lines are not re-shipped after a restart.
type Tailer struct {
	path         string
	fromStart    bool
	pollInterval time.Duration
	logger       *slog.Logger
}

// TailerOption tweaks tailer behaviour.
type TailerOption func(*Tailer)

// FromStart makes the tailer read the file from the beginning instead of
// seeking to the end on first open.
func FromStart() TailerOption {
	return func(t *Tailer) { t.fromStart = true }
}

// WithPollInterval overrides the fallback polling cadence.
func WithPollInterval(interval time.Duration) TailerOption {
	return func(t *Tailer) {
		if interval > 0 {
			t.pollInterval = interval
		}
	}
}

// NewTailer builds a tailer for one file path.
func NewTailer(path string, logger *slog.Logger, opts ...TailerOption) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tailer{
		path:         path,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run tails the file until the context is cancelled, sending complete lines
// to out. Filesystem notifications wake the reader promptly; a polling timer
// covers filesystems where fsnotify is unavailable.
func (t *Tailer) Run(ctx context.Context, out chan<- Event) error {
	wake := t.changeSignal(ctx)

	var (
		file    *os.File
		reader  *bufio.Reader
		pending strings.Builder
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	for {
		if file == nil {
			opened, err := t.open()
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					t.logger.Warn("open log file", "path", t.path, "error", err)
				}
				if !t.waitForChange(ctx, wake) {
					return ctx.Err()
				}
				continue
			}
			file = opened
			reader = bufio.NewReader(file)
			pending.Reset()
		}

		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			pending.WriteString(chunk)
		}
		if err == nil {
			line := strings.TrimRight(pending.String(), "\r\n")
			pending.Reset()
			if line != "" {
				select {
				case out <- Event{Timestamp: time.Now(), Message: line}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			t.logger.Warn("read log file", "path", t.path, "error", err)
			file.Close()
			file = nil
			if !t.waitForChange(ctx, wake) {
				return ctx.Err()
			}
			continue
		}

		// At EOF: wait for more data, then check whether the file was
		// truncated or replaced underneath us.
		if !t.waitForChange(ctx, wake) {
			return ctx.Err()
		}
		rotated, err := t.checkRotation(file)
		if err != nil || rotated {
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				t.logger.Warn("stat log file", "path", t.path, "error", err)
			}
			file.Close()
			file = nil
			// Rotation means the next open starts a fresh file, so read it
			// from the beginning regardless of the start-at-end default.
			t.fromStart = true
		}
	}
}

func (t *Tailer) open() (*os.File, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	if !t.fromStart {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

// checkRotation reports whether the path now refers to a different or
// truncated file than the open handle.
func (t *Tailer) checkRotation(file *os.File) (bool, error) {
	current, err := os.Stat(t.path)
	if err != nil {
		return true, err
	}
	opened, err := file.Stat()
	if err != nil {
		return true, err
	}
	if !os.SameFile(current, opened) {
		return true, nil
	}
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return true, err
	}
	if current.Size() < offset {
		// Truncated in place. Rewind instead of reopening.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return true, err
		}
	}
	return false, nil
}

// changeSignal produces a channel that receives whenever the file may have
// changed. fsnotify events on the parent directory are merged with a polling
// ticker so missing inotify support degrades to polling.
func (t *Tailer) changeSignal(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify()
			}
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("filesystem notifications unavailable, polling only", "error", err)
		return wake
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Warn("watch log directory failed, polling only", "path", t.path, "error", err)
		watcher.Close()
		return wake
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == t.path {
					notify()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return wake
}

func (t *Tailer) waitForChange(ctx context.Context, wake <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	}
}
