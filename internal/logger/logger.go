// Package logger implements the non-blocking error-sample sink.
//
// Classified upstream failures are written to an internal buffered channel
// and flushed in batches by a background goroutine to a per-day JSON-lines
// file — so sampling never blocks the request path. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in Dropped.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// ErrorSample is one classified upstream failure.
type ErrorSample struct {
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	Route          string    `json:"route,omitempty"`
	Attempt        int       `json:"attempt"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Class          string    `json:"class"`
	Error          string    `json:"error"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink appends error samples to append-only JSON-lines files, one per day.
type Sink struct {
	ch        chan ErrorSample
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	dir     string
	baseCtx context.Context
	log     *slog.Logger

	// current open file; rotated when the day changes.
	file    *os.File
	fileDay string
}

// New creates a sink writing under dir and starts the flush loop.
func New(ctx context.Context, dir string, slogger *slog.Logger) (*Sink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create %s: %w", dir, err)
	}

	s := &Sink{
		ch:      make(chan ErrorSample, channelBuffer),
		done:    make(chan struct{}),
		dir:     dir,
		baseCtx: ctx,
		log:     slogger,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Record enqueues a sample. Never blocks.
func (s *Sink) Record(sample ErrorSample) {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	select {
	case s.ch <- sample:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of samples lost to backpressure.
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains pending samples and closes the current file.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ErrorSample, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			s.log.ErrorContext(s.baseCtx, "error_sample_flush_failed",
				slog.String("error", err.Error()),
				slog.Int("batch", len(batch)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-s.ch:
			batch = append(batch, sample)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case sample := <-s.ch:
					batch = append(batch, sample)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// write appends the batch to the current day's file, rotating when needed.
func (s *Sink) write(batch []ErrorSample) error {
	day := time.Now().UTC().Format("2006-01-02")
	if s.file == nil || s.fileDay != day {
		if s.file != nil {
			_ = s.file.Close()
		}
		path := filepath.Join(s.dir, "errors-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		s.file = f
		s.fileDay = day
	}

	for _, sample := range batch {
		line, err := json.Marshal(sample)
		if err != nil {
			continue
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}
