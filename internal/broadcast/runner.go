// Package broadcast runs the celebration notifications: the daily newsletter
// batch, personal greeting emails and WhatsApp greetings.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"

	"rotarydesk/internal/external"
	"rotarydesk/internal/notifications/assets"
	"rotarydesk/internal/notifications/dispatch"
	"rotarydesk/internal/notifications/email"
	"rotarydesk/internal/notifications/recipients"
	"rotarydesk/internal/types"
)

// Mode selects the date and audience of a newsletter run.
type Mode string

const (
	// ModeTest sends an explicit date to the test audience.
	ModeTest Mode = "test"
	// ModeRealtime sends today's newsletter to every active person.
	ModeRealtime Mode = "realtime"
	// ModeAdvance sends tomorrow's newsletter to the test audience.
	ModeAdvance Mode = "advance"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTest:
		return ModeTest, nil
	case ModeRealtime:
		return ModeRealtime, nil
	case ModeAdvance:
		return ModeAdvance, nil
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMode,
		"mode must be one of test, realtime, advance", nil, map[string]any{"mode": s})
}

// ConfigurationError reports settings a run cannot proceed without. It is
// returned before anything is sent.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "notification run misconfigured: missing " + strings.Join(e.Missing, ", ")
}

// Unwrap exposes the application error so HTTP and Lambda layers map it
// like any other configuration failure.
func (e *ConfigurationError) Unwrap() error {
	return types.NewAppErrorWithDetails(types.ErrCodeConfigMissing, e.Error(), nil,
		map[string]any{"missing": e.Missing})
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// RecipientResolver resolves the celebrants of a day.
type RecipientResolver interface {
	ResolveDay(ctx context.Context, day types.Day, categories ...types.Category) recipients.DaySet
}

// MessageRenderer builds the outgoing mail bodies.
type MessageRenderer interface {
	RenderNewsletter(ctx context.Context, subject, dateLabel string, set recipients.DaySet) (external.MailMessage, email.NewsletterStats, error)
	RenderGreeting(rec types.Recipient, poster *assets.Attachment) (external.MailMessage, error)
}

// BatchDispatcher sends one message to many addresses.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, addresses []string, msg external.MailMessage) dispatch.Result
}

// RosterSource pages through the addresses of active persons.
type RosterSource interface {
	ListActiveEmails(ctx context.Context, limit, offset int) ([]string, error)
}

// PosterSource fetches celebrant images.
type PosterSource interface {
	Resolve(ctx context.Context, personID string, kind assets.Kind, policy assets.Policy) *assets.Attachment
}

// MailSender delivers one message to one address.
type MailSender interface {
	Send(ctx context.Context, to string, msg external.MailMessage) (string, error)
}

// WhatsAppSender submits one greeting to the messaging relay.
type WhatsAppSender interface {
	Send(ctx context.Context, msg external.WhatsAppMessage) error
}

var (
	_ RecipientResolver = (*recipients.Resolver)(nil)
	_ MessageRenderer   = (*email.Renderer)(nil)
	_ BatchDispatcher   = (*dispatch.Dispatcher)(nil)
	_ PosterSource      = (*assets.Resolver)(nil)
	_ MailSender        = (*external.ZeptoMailClient)(nil)
	_ WhatsAppSender    = (*external.WhatsAppRelayClient)(nil)
)

// Config holds the run settings.
type Config struct {
	Location            *time.Location
	TestRecipients      []string
	RosterPageSize      int
	RequirePoster       bool
	AnniversaryStrategy types.AnniversaryStrategy
	AnniversaryDedupe   bool

	// Presence of these is checked before any send.
	MailAPIKey     string
	MailFrom       string
	WhatsAppAPIKey string
}

// Dependencies are the collaborators of a Service. Metrics, Failures and
// WhatsApp are optional.
type Dependencies struct {
	Resolver   RecipientResolver
	Renderer   MessageRenderer
	Dispatcher BatchDispatcher
	Roster     RosterSource
	Posters    PosterSource
	Mailer     MailSender
	WhatsApp   WhatsAppSender
	Metrics    RunMetrics
	Failures   FailureSink
	Clock      types.Clock
	Logger     *slog.Logger
}

// Service runs notification jobs.
type Service struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
}

// NewService creates a Service, filling defaults for optional settings.
func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RosterPageSize <= 0 {
		cfg.RosterPageSize = 1000
	}
	if cfg.AnniversaryStrategy == "" {
		cfg.AnniversaryStrategy = types.AnniversaryPrimaryOnly
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps, log: deps.Logger}
}

// BatchRequest selects a newsletter run. Date is required in test mode and
// ignored otherwise; Recipients overrides the configured test list.
type BatchRequest struct {
	Mode       Mode     `json:"mode" validate:"required"`
	Date       string   `json:"date,omitempty"`
	Recipients []string `json:"recipients,omitempty" validate:"omitempty,dive,email"`
}

// BatchReport is the outcome of a newsletter run.
type BatchReport struct {
	Message          string                     `json:"message"`
	RunID            string                     `json:"run_id"`
	Mode             Mode                       `json:"mode"`
	DateUsed         string                     `json:"date_used"`
	Subject          string                     `json:"subject"`
	Recipients       int                        `json:"recipients"`
	Cards            int                        `json:"cards"`
	SuccessCount     int                        `json:"success_count"`
	FailureCount     int                        `json:"failure_count"`
	FailedRecipients []dispatch.FailedRecipient `json:"failed_recipients"`
}

// RunNotificationBatch resolves the day's celebrants, renders the newsletter
// once and sends it to the audience of req.Mode.
func (s *Service) RunNotificationBatch(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	started := s.deps.Clock.Now()
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	if missing := s.missingMailSettings(); len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	day, year, err := s.targetDay(mode, req.Date)
	if err != nil {
		return nil, err
	}

	runID := xid.New().String()
	log := s.log.With("run_id", runID, "mode", string(mode), "day", day.String())

	audience, err := s.audience(ctx, mode, req.Recipients)
	if err != nil {
		return nil, err
	}

	set := s.deps.Resolver.ResolveDay(ctx, day, s.categories()...)
	log.InfoContext(ctx, "celebrants resolved",
		"members", len(set.Members),
		"spouses", len(set.Spouses),
		"anniversaries", len(set.Anniversaries),
		"audience", len(audience),
	)

	subject := email.NewsletterSubject(day, year, mode == ModeAdvance)
	msg, stats, err := s.deps.Renderer.RenderNewsletter(ctx, subject, email.FormatFullDate(day, year), set)
	if err != nil {
		return nil, err
	}

	res := s.deps.Dispatcher.Dispatch(ctx, audience, msg)
	report := &BatchReport{
		Message:          "Emails processed",
		RunID:            runID,
		Mode:             mode,
		DateUsed:         day.String(),
		Subject:          subject,
		Recipients:       len(audience),
		Cards:            stats.Cards,
		SuccessCount:     res.SuccessCount,
		FailureCount:     res.FailureCount,
		FailedRecipients: res.FailedRecipients,
	}

	log.InfoContext(ctx, "newsletter run finished",
		"success", report.SuccessCount,
		"failed", report.FailureCount,
		"chunks", res.Chunks,
		"images", stats.Images,
		"substituted", stats.Substitutions,
		"template", stats.TemplateSource,
	)

	s.finish(ctx, RunSummary{
		RunID:    runID,
		Kind:     RunKindNewsletter,
		Mode:     string(mode),
		Day:      day,
		Success:  report.SuccessCount,
		Failure:  report.FailureCount,
		Duration: s.deps.Clock.Now().Sub(started),
	}, failedAddresses(res.FailedRecipients))
	return report, nil
}

// categories returns the newsletter categories under the configured
// predicate switches.
func (s *Service) categories() []types.Category {
	return []types.Category{
		types.MemberBirthday{RequirePoster: s.cfg.RequirePoster},
		types.SpouseBirthday{RequirePoster: s.cfg.RequirePoster},
		types.Anniversary{Strategy: s.cfg.AnniversaryStrategy, Dedupe: s.cfg.AnniversaryDedupe},
	}
}

func (s *Service) missingMailSettings() []string {
	var missing []string
	if strings.TrimSpace(s.cfg.MailAPIKey) == "" {
		missing = append(missing, "ZEPTO_API_KEY")
	}
	if strings.TrimSpace(s.cfg.MailFrom) == "" {
		missing = append(missing, "EMAIL_FROM")
	}
	return missing
}

// targetDay picks the run's day and the year shown in its date label.
func (s *Service) targetDay(mode Mode, date string) (types.Day, int, error) {
	now := s.deps.Clock.Now().In(s.cfg.Location)
	switch mode {
	case ModeTest:
		if strings.TrimSpace(date) == "" {
			return types.Day{}, 0, types.NewAppError(types.ErrCodeValidationMissingField, "date is required in test mode", nil)
		}
		day, err := types.ParseDay(date)
		if err != nil {
			return types.Day{}, 0, types.NewAppError(types.ErrCodeValidationInvalidDate, err.Error(), err)
		}
		return day, now.Year(), nil
	case ModeAdvance:
		tomorrow := now.AddDate(0, 0, 1)
		return types.DayOf(tomorrow), tomorrow.Year(), nil
	default:
		return types.DayOf(now), now.Year(), nil
	}
}

// audience returns the de-duplicated address list for mode.
func (s *Service) audience(ctx context.Context, mode Mode, explicit []string) ([]string, error) {
	if mode == ModeRealtime {
		return s.activeAddresses(ctx)
	}
	list := explicit
	if len(list) == 0 {
		list = s.cfg.TestRecipients
	}
	list = uniqueAddresses(list)
	if len(list) == 0 {
		return nil, &ConfigurationError{Missing: []string{"EMAIL_TEST"}}
	}
	return list, nil
}

// activeAddresses pages through the roster until a short page.
func (s *Service) activeAddresses(ctx context.Context) ([]string, error) {
	size := s.cfg.RosterPageSize
	var all []string
	for offset := 0; ; offset += size {
		page, err := s.deps.Roster.ListActiveEmails(ctx, size, offset)
		if err != nil {
			return nil, fmt.Errorf("list active emails at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < size {
			break
		}
	}
	return uniqueAddresses(all), nil
}

// uniqueAddresses trims, drops empties and removes case-insensitive
// duplicates, keeping first occurrence order.
func uniqueAddresses(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		k := strings.ToLower(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}

func failedAddresses(failed []dispatch.FailedRecipient) []FailedTarget {
	out := make([]FailedTarget, 0, len(failed))
	for _, f := range failed {
		out = append(out, FailedTarget{Target: f.Email, Error: f.Error})
	}
	return out
}

// finish records metrics and forwards failures. Neither may fail the run.
func (s *Service) finish(ctx context.Context, sum RunSummary, failed []FailedTarget) {
	s.deps.Metrics.RecordRun(ctx, sum)
	if len(failed) == 0 || s.deps.Failures == nil {
		return
	}
	run := FailedRun{
		RunID:    sum.RunID,
		Kind:     sum.Kind,
		Mode:     sum.Mode,
		Day:      sum.Day.String(),
		Failures: failed,
		At:       s.deps.Clock.Now().UTC(),
	}
	if err := s.deps.Failures.Publish(ctx, run); err != nil {
		s.log.ErrorContext(ctx, "failed to forward run failures",
			"run_id", sum.RunID,
			"failures", len(failed),
			"error", err,
		)
	}
}
