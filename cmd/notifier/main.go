// Package main is the entrypoint for the Notifier Lambda function.
//
// EventBridge rules send a scheduler.TaskPayload naming the job to run: the
// realtime or advance newsletter, the personal or WhatsApp greetings, or the
// session sweep. The handler takes an hourly job lock so a redelivered event
// cannot send the same mail twice, then routes the task to the broadcast
// service.
//
// Run metrics go to CloudWatch; runs with failed recipients are forwarded
// to the failed-run SQS queue when one is configured.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"rotarydesk/internal/auth"
	"rotarydesk/internal/broadcast"
	"rotarydesk/internal/config"
	"rotarydesk/internal/db"
	"rotarydesk/internal/queue"
	"rotarydesk/internal/scheduler"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// lockTTL covers the longest newsletter run with margin. The lock bucket is
// an hour, so a TTL past the hour only matters for a run that overran it.
const lockTTL = 70 * time.Minute

// Runner is the broadcast service slice the handler routes to.
type Runner interface {
	RunNotificationBatch(ctx context.Context, req broadcast.BatchRequest) (*broadcast.BatchReport, error)
	RunPersonalGreetings(ctx context.Context, req broadcast.GreetingRequest) (*broadcast.GreetingReport, error)
	RunWhatsAppGreetings(ctx context.Context, req broadcast.GreetingRequest) (*broadcast.GreetingReport, error)
}

// SessionSweeper deletes expired dashboard sessions.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

var (
	_ Runner         = (*broadcast.Service)(nil)
	_ SessionSweeper = (*auth.SessionService)(nil)
	_ JobLocker      = (*scheduler.RedisJobLock)(nil)
)

// Handler holds the dependencies for the notifier Lambda handler function.
type Handler struct {
	Runner   Runner
	Sessions SessionSweeper
	JobLock  JobLocker
	WorkerID string
	Logger   *slog.Logger
	Clock    types.Clock
}

// Handle runs the task named by payload. It returns a short summary for the
// Lambda log, or an error when the task could not run at all. A run that
// sent to some recipients and failed others is reported, not retried.
func (h *Handler) Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	if h.Clock != nil {
		now = h.Clock.Now().UTC()
	}

	taskStr := string(payload.Task)
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in payload")
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	lockID := payload.LockID(now)
	logger.InfoContext(ctx, "notifier handler invoked",
		"task", taskStr,
		"date", payload.Date,
		"lock_id", lockID,
		"worker_id", h.WorkerID,
	)

	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	out, execErr := h.dispatch(ctx, payload)
	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed", "task", taskStr, "error", execErr)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d sent, %d failed", taskStr, out.sent, out.failed)
	logger.InfoContext(ctx, result, "task", taskStr, "sent", out.sent, "failed", out.failed)
	return result, nil
}

type outcome struct {
	sent   int
	failed int
}

func (h *Handler) dispatch(ctx context.Context, payload scheduler.TaskPayload) (outcome, error) {
	switch payload.Task {
	case scheduler.TaskRealtimeBatch, scheduler.TaskAdvanceBatch:
		mode := broadcast.ModeRealtime
		if payload.Task == scheduler.TaskAdvanceBatch {
			mode = broadcast.ModeAdvance
		}
		report, err := h.Runner.RunNotificationBatch(ctx, broadcast.BatchRequest{Mode: mode, Date: payload.Date})
		if err != nil {
			return outcome{}, err
		}
		return outcome{sent: report.SuccessCount, failed: report.FailureCount}, nil

	case scheduler.TaskPersonalGreetings:
		report, err := h.Runner.RunPersonalGreetings(ctx, broadcast.GreetingRequest{Date: payload.Date})
		if err != nil {
			return outcome{}, err
		}
		return outcome{sent: report.SentCount, failed: report.FailureCount}, nil

	case scheduler.TaskWhatsAppGreetings:
		report, err := h.Runner.RunWhatsAppGreetings(ctx, broadcast.GreetingRequest{Date: payload.Date})
		if err != nil {
			return outcome{}, err
		}
		return outcome{sent: report.SentCount, failed: report.FailureCount}, nil

	case scheduler.TaskSweepSessions:
		n, err := h.Sessions.Sweep(ctx)
		return outcome{sent: n}, err

	default:
		return outcome{}, fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewFileProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("Notifier Lambda initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	})
	objects, err := storage.NewR2Store(cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating object store: %w", err)
	}

	wiring := broadcast.Wiring{
		Roster:  db.NewPersonRepository(pool),
		Objects: objects,
		Metrics: broadcast.NewCloudWatchRunMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger),
		Logger:  logger,
	}
	if cfg.AWS.FailedRunQueueURL != "" {
		sink, err := queue.NewFailureSink(sqs.NewFromConfig(awsCfg), cfg.AWS.FailedRunQueueURL, logger)
		if err != nil {
			return err
		}
		wiring.Failures = sink
	}
	runner, err := broadcast.Build(cfg, wiring)
	if err != nil {
		return err
	}

	sessions := auth.NewSessionService(
		auth.NewRedisSessionStore(rdb),
		nil,
		auth.SessionConfig{TTL: cfg.Auth.SessionTTL, IDPrefix: auth.DefaultSessionConfig().IDPrefix},
		types.RealClock{},
		logger,
	)

	workerID := uuid.New().String()
	handler := &Handler{
		Runner:   runner,
		Sessions: sessions,
		JobLock:  scheduler.NewRedisJobLock(rdb),
		WorkerID: workerID,
		Logger:   logger,
	}
	logger.Info("Notifier Lambda initialized",
		"worker_id", workerID,
		"failed_run_queue", cfg.AWS.FailedRunQueueURL,
	)

	// Local mode: read one payload from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"task":"advance_batch"}' | go run ./cmd/notifier
	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading event from stdin")
		defer pool.Close()
		defer rdb.Close()
		return runLocal(ctx, handler, os.Stdin, logger)
	}

	lambda.Start(handler.Handle)
	return nil
}

func runLocal(ctx context.Context, h *Handler, in io.Reader, logger *slog.Logger) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("no input received on stdin")
	}
	var payload scheduler.TaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	result, err := h.Handle(ctx, payload)
	if err != nil {
		return err
	}
	logger.Info("handler execution completed", "result", result)
	return nil
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
