// Package dispatch sends one rendered message to a recipient list in bounded,
// sequential chunks and accounts for every address.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rotarydesk/internal/external"
	"rotarydesk/internal/types"
)

const (
	DefaultBatchSize = 400
	DefaultDelay     = time.Second
)

// BatchSender delivers one message to many addresses in a single call and
// reports success or failure for the call as a whole.
type BatchSender interface {
	SendBatch(ctx context.Context, to []string, msg external.MailMessage) error
}

var _ BatchSender = (*external.ZeptoMailClient)(nil)

// ChunkObserver is notified after every chunk.
type ChunkObserver interface {
	ObserveChunk(size int, ok bool, elapsed time.Duration)
}

// Config controls chunking.
type Config struct {
	BatchSize int
	// Delay is the pause between consecutive chunks.
	Delay time.Duration
	// ChunkTimeout bounds a single transport call. Zero means no bound
	// beyond the caller's context.
	ChunkTimeout time.Duration
}

// FailedRecipient is an address whose chunk failed.
type FailedRecipient struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// Result is the outcome of one Dispatch. SuccessCount + FailureCount always
// equals the number of input addresses.
type Result struct {
	SuccessCount     int               `json:"success_count"`
	FailureCount     int               `json:"failure_count"`
	FailedRecipients []FailedRecipient `json:"failed_recipients"`
	Chunks           int               `json:"chunks"`
	Sent             int               `json:"-"`
}

// Dispatcher owns the chunk loop.
type Dispatcher struct {
	sender   BatchSender
	cfg      Config
	sleep    external.SleepFunc
	observer ChunkObserver
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleepFunc replaces the inter-chunk wait.
func WithSleepFunc(fn external.SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// WithObserver attaches a chunk observer.
func WithObserver(o ChunkObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher. Non-positive sizes fall back to the defaults.
func New(sender BatchSender, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sender: sender,
		cfg:    cfg,
		sleep:  external.ContextSleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends msg to addresses chunk by chunk. A failed chunk is counted
// against every address in it and the loop moves on. Once ctx is done the
// remaining chunks are recorded as failed without being sent.
func (d *Dispatcher) Dispatch(ctx context.Context, addresses []string, msg external.MailMessage) Result {
	res := Result{FailedRecipients: []FailedRecipient{}}
	size := d.cfg.BatchSize

	for start := 0; start < len(addresses); start += size {
		end := min(start+size, len(addresses))
		chunk := addresses[start:end]
		res.Chunks++

		if start > 0 && d.cfg.Delay > 0 && ctx.Err() == nil {
			_ = d.sleep(ctx, d.cfg.Delay)
		}
		if err := ctx.Err(); err != nil {
			d.fail(&res, chunk, fmt.Errorf("run aborted before send: %w", err))
			continue
		}

		began := time.Now()
		err := d.send(ctx, chunk, msg)
		elapsed := time.Since(began)
		res.Sent++
		if d.observer != nil {
			d.observer.ObserveChunk(len(chunk), err == nil, elapsed)
		}

		if err != nil {
			d.logger.ErrorContext(ctx, "chunk delivery failed",
				"chunk", res.Chunks,
				"size", len(chunk),
				"error", err,
			)
			d.fail(&res, chunk, err)
			continue
		}
		res.SuccessCount += len(chunk)
		d.logger.InfoContext(ctx, "chunk delivered",
			"chunk", res.Chunks,
			"size", len(chunk),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, chunk []string, msg external.MailMessage) error {
	if d.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ChunkTimeout)
		defer cancel()
	}
	return d.sender.SendBatch(ctx, chunk, msg)
}

func (d *Dispatcher) fail(res *Result, chunk []string, err error) {
	reason := SerializeError(err)
	res.FailureCount += len(chunk)
	for _, addr := range chunk {
		res.FailedRecipients = append(res.FailedRecipients, FailedRecipient{Email: addr, Error: reason})
	}
}

// SerializeError renders err for the failure report. Application errors keep
// their code and details as JSON.
func SerializeError(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		b, mErr := json.Marshal(struct {
			Code    types.ErrorCode `json:"code"`
			Message string          `json:"message"`
			Cause   string          `json:"cause,omitempty"`
			Details map[string]any  `json:"details,omitempty"`
		}{appErr.Code, appErr.Message, causeOf(appErr), appErr.Details})
		if mErr == nil {
			return string(b)
		}
	}
	return err.Error()
}

func causeOf(e *types.AppError) string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
