package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rotarydesk/internal/core"
	"rotarydesk/internal/notifications/email"
)

// TemplateStore reads and replaces the daily newsletter template.
type TemplateStore interface {
	Get(ctx context.Context) (*email.DailyTemplate, error)
	Put(ctx context.Context, content string) error
}

var _ TemplateStore = (*email.TemplateService)(nil)

// UpdateTemplateRequest is the body of PUT /templates/daily.
type UpdateTemplateRequest struct {
	Content string `json:"content" validate:"required"`
}

// TemplateHandler serves /templates.
type TemplateHandler struct {
	templates TemplateStore
	logger    *slog.Logger
	validator *core.Validator
}

// NewTemplateHandler creates a TemplateHandler.
func NewTemplateHandler(templates TemplateStore, l *slog.Logger, v *core.Validator) *TemplateHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TemplateHandler{templates: templates, logger: l, validator: v}
}

// RegisterRoutes mounts the template routes. write guards PUT; it may be nil.
func (h *TemplateHandler) RegisterRoutes(r chi.Router, write func(http.Handler) http.Handler) {
	r.Get("/daily", h.HandleGet)
	if write != nil {
		r.With(write).Put("/daily", h.HandlePut)
		return
	}
	r.Put("/daily", h.HandlePut)
}

// HandleGet handles GET /templates/daily.
func (h *TemplateHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.Get(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tpl})
}

// HandlePut handles PUT /templates/daily. The template is parsed before it
// is stored, so a broken upload never replaces a working one.
func (h *TemplateHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	var req UpdateTemplateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.templates.Put(r.Context(), req.Content); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "daily template updated", "actor_id", actorID(r))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"message": "template saved"}})
}
