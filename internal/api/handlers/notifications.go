package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rotarydesk/internal/broadcast"
	"rotarydesk/internal/core"
)

// NotificationRunner runs the celebration sends.
type NotificationRunner interface {
	RunNotificationBatch(ctx context.Context, req broadcast.BatchRequest) (*broadcast.BatchReport, error)
	RunPersonalGreetings(ctx context.Context, req broadcast.GreetingRequest) (*broadcast.GreetingReport, error)
	RunWhatsAppGreetings(ctx context.Context, req broadcast.GreetingRequest) (*broadcast.GreetingReport, error)
}

var _ NotificationRunner = (*broadcast.Service)(nil)

// NotificationHandler serves /notifications.
//
// Runs are detached from the request: once a send has started, a client
// disconnect or the request timeout must not leave the remaining chunks
// unsent. runTimeout bounds the detached run instead; zero means no bound.
type NotificationHandler struct {
	runner     NotificationRunner
	runTimeout time.Duration
	logger     *slog.Logger
	validator  *core.Validator
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(runner NotificationRunner, runTimeout time.Duration, l *slog.Logger, v *core.Validator) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationHandler{runner: runner, runTimeout: runTimeout, logger: l, validator: v}
}

// runContext keeps the request's values (request id, actor) but drops its
// cancellation.
func (h *NotificationHandler) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if h.runTimeout > 0 {
		return context.WithTimeout(ctx, h.runTimeout)
	}
	return context.WithCancel(ctx)
}

// RegisterRoutes mounts the send triggers. limit wraps each trigger, e.g.
// with a rate limiter; it may be nil.
func (h *NotificationHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit != nil {
		r = r.With(limit)
	}
	r.Post("/batch", h.HandleBatch)
	r.Post("/personal", h.HandlePersonal)
	r.Post("/whatsapp", h.HandleWhatsApp)
}

// HandleBatch handles POST /notifications/batch.
func (h *NotificationHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req broadcast.BatchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	mode, err := broadcast.ParseMode(string(req.Mode))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	req.Mode = mode

	ctx, cancel := h.runContext(r)
	defer cancel()

	start := time.Now()
	report, err := h.runner.RunNotificationBatch(ctx, req)
	if err != nil {
		h.logFailure(r, "batch", err)
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "newsletter run triggered",
		"run_id", report.RunID, "mode", string(report.Mode), "duration", time.Since(start))
	core.JSON(w, r, http.StatusOK, report)
}

// HandlePersonal handles POST /notifications/personal.
func (h *NotificationHandler) HandlePersonal(w http.ResponseWriter, r *http.Request) {
	h.greetings(w, r, "personal", h.runner.RunPersonalGreetings)
}

// HandleWhatsApp handles POST /notifications/whatsapp.
func (h *NotificationHandler) HandleWhatsApp(w http.ResponseWriter, r *http.Request) {
	h.greetings(w, r, "whatsapp", h.runner.RunWhatsAppGreetings)
}

func (h *NotificationHandler) greetings(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	run func(context.Context, broadcast.GreetingRequest) (*broadcast.GreetingReport, error),
) {
	var req broadcast.GreetingRequest
	// An empty body means today.
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	ctx, cancel := h.runContext(r)
	defer cancel()

	report, err := run(ctx, req)
	if err != nil {
		h.logFailure(r, kind, err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, report)
}

func (h *NotificationHandler) logFailure(r *http.Request, kind string, err error) {
	if broadcast.IsConfigurationError(err) {
		h.logger.ErrorContext(r.Context(), "notification run misconfigured", "kind", kind, "error", err)
		return
	}
	h.logger.WarnContext(r.Context(), "notification run rejected", "kind", kind, "error", err)
}
