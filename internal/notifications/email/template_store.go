package email

import (
	"context"
	"log/slog"

	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// TemplateObjects is the slice of the object store the template service uses.
type TemplateObjects interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// DailyTemplate is the newsletter template currently in effect.
type DailyTemplate struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// TemplateService reads and replaces the stored newsletter template.
type TemplateService struct {
	objects TemplateObjects
	key     string
	logger  *slog.Logger
}

// NewTemplateService creates a TemplateService storing under key.
func NewTemplateService(objects TemplateObjects, key string, logger *slog.Logger) *TemplateService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateService{objects: objects, key: key, logger: logger}
}

// Get returns the stored template, or the embedded one when nothing is stored.
func (s *TemplateService) Get(ctx context.Context) (*DailyTemplate, error) {
	obj, err := s.objects.Get(ctx, s.key)
	if err != nil {
		if storage.IsNotFound(err) {
			return &DailyTemplate{Source: "embedded", Content: string(EmbeddedDailyTemplate())}, nil
		}
		return nil, err
	}
	return &DailyTemplate{Source: "stored", Content: string(obj.Data)}, nil
}

// Put validates content and stores it as the override.
func (s *TemplateService) Put(ctx context.Context, content string) error {
	if content == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "template content is required", nil)
	}
	if err := ValidateDailyTemplate([]byte(content)); err != nil {
		return err
	}
	if err := s.objects.Put(ctx, s.key, []byte(content), "text/html; charset=utf-8"); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "newsletter template replaced", "key", s.key, "bytes", len(content))
	return nil
}
