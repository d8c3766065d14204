package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"llm-gateway/internal/provider"
)

const (
	DefaultBufferSize = 8 * 1024
	DefaultStallPause = 500 * time.Millisecond
	DefaultRetryPause = time.Second
	DefaultMaxRetries = 5

	// errorMarker flags a chunk as an upstream reported failure. This is a
	// plain substring match and also fires on ordinary text mentioning it.
	errorMarker = "error"
)

// ErrMaxRetries is returned once the abnormal read budget is exhausted.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrClientGone is returned when the caller's side of the stream can no
// longer be written.
var ErrClientGone = errors.New("client connection lost")

// ChunkError carries a chunk in which the upstream reported an error.
type ChunkError struct {
	Backend provider.BackendID
	Chunk   string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s returned error: %s", e.Backend, e.Chunk)
}

// Writer is the caller-facing output. Every relayed chunk is flushed.
type Writer interface {
	io.Writer
	Flush()
}

// Backend is the part of provider.Backend the relay needs.
type Backend interface {
	ID() provider.BackendID
	ValidateChunk(text string) error
}

// Stats summarises one relay run.
type Stats struct {
	Chunks  int
	Bytes   int
	Skipped int
	Stalls  int
	Retries int
	Invalid int
}

type state int

const (
	stateReading state = iota
	stateRetryBackoff
	stateDone
)

// Relay copies an upstream body to the caller chunk by chunk.
type Relay struct {
	logger     *slog.Logger
	bufferSize int
	stallPause time.Duration
	retryPause time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option customises a Relay.
type Option func(*Relay)

// WithPauses overrides the stall and retry pauses.
func WithPauses(stall, retry time.Duration) Option {
	return func(r *Relay) {
		r.stallPause = stall
		r.retryPause = retry
	}
}

// WithMaxRetries overrides the abnormal read budget.
func WithMaxRetries(n int) Option {
	return func(r *Relay) {
		r.maxRetries = n
	}
}

// WithBufferSize overrides the read buffer size.
func WithBufferSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithSleep replaces the context aware pause, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Relay) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// New creates a relay with the default buffer, pauses and retry budget.
func New(logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		stallPause: DefaultStallPause,
		retryPause: DefaultRetryPause,
		maxRetries: DefaultMaxRetries,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	return r
}

// Run drains src into dst until src reports io.EOF.
//
// A read returning no bytes and no error is treated as an idle upstream and
// paused on without charging the retry budget. Any other read error charges
// the budget and is retried after a pause; once the budget is spent the run
// fails with ErrMaxRetries. Chunks containing the error marker end the run
// with *ChunkError before being written. Output already flushed is never
// retracted.
func (r *Relay) Run(ctx context.Context, backend Backend, src io.Reader, dst Writer) (Stats, error) {
	var (
		stats   Stats
		lastErr error
		buf     = make([]byte, r.bufferSize)
		budget  = backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryPause), uint64(r.maxRetries))
		current = stateReading
	)
	logger := r.logger.With("backend", string(backend.ID()))

	for {
		switch current {
		case stateReading:
			n, err := src.Read(buf)
			if n > 0 {
				if cerr := r.handleChunk(logger, backend, buf[:n], dst, &stats); cerr != nil {
					return stats, cerr
				}
			}

			switch {
			case err == nil && n == 0:
				stats.Stalls++
				if serr := r.sleep(ctx, r.stallPause); serr != nil {
					return stats, fmt.Errorf("relay %s aborted: %w", backend.ID(), serr)
				}
			case err == nil:
			case errors.Is(err, io.EOF):
				current = stateDone
			case ctx.Err() != nil:
				return stats, fmt.Errorf("relay %s aborted: %w", backend.ID(), ctx.Err())
			default:
				lastErr = err
				current = stateRetryBackoff
			}

		case stateRetryBackoff:
			pause := budget.NextBackOff()
			if pause == backoff.Stop {
				logger.Error("giving up on upstream read", "retries", stats.Retries, "error", lastErr)
				return stats, fmt.Errorf("%w: reading %s response failed after %d retries: %v", ErrMaxRetries, backend.ID(), stats.Retries, lastErr)
			}
			stats.Retries++
			logger.Warn("upstream read failed, retrying", "attempt", stats.Retries, "max_retries", r.maxRetries, "error", lastErr)
			if serr := r.sleep(ctx, pause); serr != nil {
				return stats, fmt.Errorf("relay %s aborted: %w", backend.ID(), serr)
			}
			current = stateReading

		case stateDone:
			logger.Debug("upstream stream closed", "chunks", stats.Chunks, "bytes", stats.Bytes)
			return stats, nil
		}
	}
}

func (r *Relay) handleChunk(logger *slog.Logger, backend Backend, chunk []byte, dst Writer, stats *Stats) error {
	text := string(chunk)

	if strings.Contains(text, errorMarker) {
		logger.Error("upstream reported an error in stream", "chunk", text)
		return &ChunkError{Backend: backend.ID(), Chunk: text}
	}

	if strings.TrimSpace(text) == "" {
		stats.Skipped++
		logger.Warn("skipping empty chunk", "bytes", len(chunk))
		return nil
	}

	if err := backend.ValidateChunk(text); err != nil {
		stats.Invalid++
		logger.Warn("unexpected chunk format", "error", err, "chunk", text)
	}

	if _, err := dst.Write(chunk); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	dst.Flush()

	stats.Chunks++
	stats.Bytes += len(chunk)
	logger.Debug("relayed chunk", "bytes", len(chunk), "chunk", text)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
