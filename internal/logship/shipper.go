package logship

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"coursechat-edge/internal/observability/metrics"
)

// maxBufferedBatches bounds how much a source accumulates while the sink is
// failing. Beyond this the oldest lines are dropped so one outage cannot
// exhaust memory.
const maxBufferedBatches = 10

// Shipper tails every configured source and forwards batches to the sink.
// Ship failures are logged and the batch is retried on the next flush; the
// agent itself keeps running.
type Shipper struct {
	cfg     Config
	stream  string
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Recorder

	tailerOpts []TailerOption
}

// NewShipper wires the config, the resolved stream name, and the sink.
func NewShipper(cfg Config, stream string, sink Sink, logger *slog.Logger, recorder *metrics.Recorder, tailerOpts ...TailerOption) (*Shipper, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if stream == "" {
		return nil, errors.New("stream name is required")
	}
	normalized, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Shipper{
		cfg:        normalized,
		stream:     stream,
		sink:       sink,
		logger:     logger,
		metrics:    recorder,
		tailerOpts: tailerOpts,
	}, nil
}

// Run blocks until the context is cancelled, tailing and shipping every
// source concurrently.
func (s *Shipper) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, source := range s.cfg.Sources {
		source := source
		group.Go(func() error {
			return s.runSource(ctx, source)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Shipper) runSource(ctx context.Context, source Source) error {
	logger := s.logger.With("path", source.Path, "group", source.Group)
	lines := make(chan Event, s.cfg.BatchSize)

	tailer := NewTailer(source.Path, logger, s.tailerOpts...)
	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- tailer.Run(tailCtx, lines)
	}()

	ticker := time.NewTicker(time.Duration(s.cfg.FlushInterval))
	defer ticker.Stop()

	var batch []Event
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.sink.Ship(flushCtx, source.Group, s.stream, batch); err != nil {
			logger.Error("ship batch failed, will retry", "lines", len(batch), "error", err)
			s.metrics.ObserveShipBatch(source.Path, "error")
			if len(batch) > maxBufferedBatches*s.cfg.BatchSize {
				dropped := len(batch) - maxBufferedBatches*s.cfg.BatchSize
				batch = batch[dropped:]
				logger.Warn("dropped oldest buffered lines", "dropped", dropped)
			}
			return
		}
		s.metrics.ObserveShipBatch(source.Path, "ok")
		s.metrics.ObserveShippedLines(source.Path, len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final best-effort flush with a short independent deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			flush(flushCtx)
			cancel()
			<-tailDone
			return ctx.Err()
		case err := <-tailDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return ctx.Err()
		case event := <-lines:
			batch = append(batch, event)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
