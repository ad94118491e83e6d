package broadcast

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/xid"

	"rotarydesk/internal/external"
	"rotarydesk/internal/notifications/assets"
	"rotarydesk/internal/notifications/dispatch"
	"rotarydesk/internal/notifications/email"
	"rotarydesk/internal/types"
)

// GreetingRequest selects the day of a greeting run. An empty Date means
// today in the configured timezone.
type GreetingRequest struct {
	Date string `json:"date,omitempty"`
}

// FailedTarget is a recipient a greeting could not be delivered to.
type FailedTarget struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// GreetingReport is the outcome of a personal or WhatsApp greeting run.
type GreetingReport struct {
	Message          string         `json:"message"`
	RunID            string         `json:"run_id"`
	DateUsed         string         `json:"date_used"`
	Total            int            `json:"total"`
	SentCount        int            `json:"sent_count"`
	SkippedCount     int            `json:"skipped_count"`
	FailureCount     int            `json:"failure_count"`
	FailedRecipients []FailedTarget `json:"failed_recipients"`
}

// greetingCategories are the predicates of the one-to-one greeting runs:
// birthdays need a poster, anniversaries are read from either side without
// pairing so both partners are greeted.
func greetingCategories() []types.Category {
	return []types.Category{
		types.MemberBirthday{RequirePoster: true},
		types.SpouseBirthday{RequirePoster: true},
		types.Anniversary{Strategy: types.AnniversaryAnySide},
	}
}

func (s *Service) greetingDay(date string) (types.Day, error) {
	if strings.TrimSpace(date) == "" {
		return types.DayOf(s.deps.Clock.Now().In(s.cfg.Location)), nil
	}
	day, err := types.ParseDay(date)
	if err != nil {
		return types.Day{}, types.NewAppError(types.ErrCodeValidationInvalidDate, err.Error(), err)
	}
	return day, nil
}

// RunPersonalGreetings emails every celebrant of the day individually with
// their poster attached. Celebrants without an address are skipped.
func (s *Service) RunPersonalGreetings(ctx context.Context, req GreetingRequest) (*GreetingReport, error) {
	started := s.deps.Clock.Now()
	if missing := s.missingMailSettings(); len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}
	day, err := s.greetingDay(req.Date)
	if err != nil {
		return nil, err
	}

	runID := xid.New().String()
	log := s.log.With("run_id", runID, "kind", string(RunKindPersonal), "day", day.String())

	set := s.deps.Resolver.ResolveDay(ctx, day, greetingCategories()...)
	all := make([]types.Recipient, 0, set.Total())
	all = append(all, set.Members...)
	all = append(all, set.Spouses...)
	all = append(all, set.Anniversaries...)

	report := &GreetingReport{
		Message:          "Greetings processed",
		RunID:            runID,
		DateUsed:         day.String(),
		Total:            len(all),
		FailedRecipients: []FailedTarget{},
	}

	for _, rec := range all {
		addr := strings.TrimSpace(rec.Email)
		if addr == "" {
			report.SkippedCount++
			continue
		}
		if err := ctx.Err(); err != nil {
			report.fail(addr, fmt.Errorf("run aborted before send: %w", err))
			continue
		}
		msgID, err := s.sendGreeting(ctx, rec, addr)
		if err != nil {
			log.ErrorContext(ctx, "greeting delivery failed",
				"person_id", rec.ID,
				"email", email.RedactEmail(addr),
				"error", err,
			)
			report.fail(addr, err)
			continue
		}
		report.SentCount++
		log.InfoContext(ctx, "greeting delivered",
			"person_id", rec.ID,
			"kind", string(rec.Kind),
			"message_id", msgID,
		)
	}

	log.InfoContext(ctx, "personal greetings finished",
		"total", report.Total,
		"sent", report.SentCount,
		"skipped", report.SkippedCount,
		"failed", report.FailureCount,
	)
	s.finish(ctx, RunSummary{
		RunID:    runID,
		Kind:     RunKindPersonal,
		Day:      day,
		Success:  report.SentCount,
		Failure:  report.FailureCount,
		Skipped:  report.SkippedCount,
		Duration: s.deps.Clock.Now().Sub(started),
	}, report.FailedRecipients)
	return report, nil
}

func (s *Service) sendGreeting(ctx context.Context, rec types.Recipient, addr string) (string, error) {
	poster := s.poster(ctx, rec)
	msg, err := s.deps.Renderer.RenderGreeting(rec, poster)
	if err != nil {
		return "", err
	}
	return s.deps.Mailer.Send(ctx, addr, msg)
}

// poster fetches and compresses the celebrant's poster. Anniversary rows
// use their own poster when flagged, otherwise the partner's.
func (s *Service) poster(ctx context.Context, rec types.Recipient) *assets.Attachment {
	owner, kind := rec.ID, assets.KindPoster
	if rec.Kind == types.KindAnniversary {
		kind = assets.KindAnniversaryPoster
		if !rec.AnnPoster && rec.Partner != nil {
			owner = rec.Partner.ID
		}
	}
	att := s.deps.Posters.Resolve(ctx, owner, kind, assets.PolicyOmit)
	if att == nil {
		return nil
	}
	if data, ok := assets.Compress(att.Data); ok {
		att.Data = data
		att.ContentType = "image/jpeg"
	}
	return att
}

func (r *GreetingReport) fail(target string, err error) {
	r.FailureCount++
	r.FailedRecipients = append(r.FailedRecipients, FailedTarget{Target: target, Error: dispatch.SerializeError(err)})
}

// ---------------------------------------------------------------------------
// WhatsApp
// ---------------------------------------------------------------------------

// RunWhatsAppGreetings asks the relay to greet every celebrant of the day
// whose phone number normalizes. Unusable numbers count as failures.
func (s *Service) RunWhatsAppGreetings(ctx context.Context, req GreetingRequest) (*GreetingReport, error) {
	started := s.deps.Clock.Now()
	if s.deps.WhatsApp == nil || strings.TrimSpace(s.cfg.WhatsAppAPIKey) == "" {
		return nil, &ConfigurationError{Missing: []string{"WHATSAPP_API_KEY"}}
	}
	day, err := s.greetingDay(req.Date)
	if err != nil {
		return nil, err
	}

	runID := xid.New().String()
	log := s.log.With("run_id", runID, "kind", string(RunKindWhatsApp), "day", day.String())

	set := s.deps.Resolver.ResolveDay(ctx, day, greetingCategories()...)
	type target struct {
		rec types.Recipient
		typ external.WhatsAppMessageType
	}
	targets := make([]target, 0, set.Total())
	for _, r := range set.Members {
		targets = append(targets, target{r, external.WhatsAppBirthday})
	}
	for _, r := range set.Spouses {
		targets = append(targets, target{r, external.WhatsAppBirthday})
	}
	for _, r := range set.Anniversaries {
		targets = append(targets, target{r, external.WhatsAppAnniversary})
	}

	report := &GreetingReport{
		Message:          "WhatsApp greetings processed",
		RunID:            runID,
		DateUsed:         day.String(),
		Total:            len(targets),
		FailedRecipients: []FailedTarget{},
	}

	for _, t := range targets {
		number, ok := NormalizePhone(t.rec.Phone)
		if !ok {
			report.fail(t.rec.ID, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPhone,
				"phone number cannot be normalized", nil, map[string]any{"person_id": t.rec.ID}))
			continue
		}
		if err := ctx.Err(); err != nil {
			report.fail(t.rec.ID, fmt.Errorf("run aborted before send: %w", err))
			continue
		}
		err := s.deps.WhatsApp.Send(ctx, external.WhatsAppMessage{Number: number, PersonID: t.rec.ID, Type: t.typ})
		if err != nil {
			log.ErrorContext(ctx, "whatsapp greeting failed",
				"person_id", t.rec.ID,
				"phone", email.RedactPhone(number),
				"error", err,
			)
			report.fail(t.rec.ID, err)
			continue
		}
		report.SentCount++
	}

	log.InfoContext(ctx, "whatsapp greetings finished",
		"total", report.Total,
		"sent", report.SentCount,
		"failed", report.FailureCount,
	)
	s.finish(ctx, RunSummary{
		RunID:    runID,
		Kind:     RunKindWhatsApp,
		Day:      day,
		Success:  report.SentCount,
		Failure:  report.FailureCount,
		Duration: s.deps.Clock.Now().Sub(started),
	}, report.FailedRecipients)
	return report, nil
}

// NormalizePhone reduces phone to the relay's international form: digits
// only, a bare 10-digit number gets the 91 prefix and longer numbers keep
// their last 10 digits under the same prefix.
func NormalizePhone(phone string) (string, bool) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 10:
		return "91" + digits, true
	case len(digits) > 10:
		return "91" + digits[len(digits)-10:], true
	}
	return "", false
}
