// Package email renders the daily celebration newsletter and the personal
// greeting mails into transport-ready messages.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"rotarydesk/internal/external"
	"rotarydesk/internal/notifications/assets"
	"rotarydesk/internal/notifications/recipients"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// cardRows is the fixed number of detail rows on a newsletter card so that
// cards in the two columns line up.
const cardRows = 5

// TemplateSource loads a stored newsletter template override.
type TemplateSource interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
}

// Branding is the sender-side text placed into every template.
type Branding struct {
	District    string
	SignedBy    string
	Signatories []string
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	Assets      *assets.Resolver
	Templates   TemplateSource
	TemplateKey string
	BannerKey   string
	FooterKeys  []string
	Branding    Branding
	Logger      *slog.Logger
}

// Renderer renders newsletters and greetings with html/template.
type Renderer struct {
	assets      *assets.Resolver
	templates   TemplateSource
	templateKey string
	bannerKey   string
	footerKeys  []string
	branding    Branding
	logger      *slog.Logger

	daily       *template.Template
	birthday    *template.Template
	anniversary *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Renderer{
		assets:      cfg.Assets,
		templates:   cfg.Templates,
		templateKey: cfg.TemplateKey,
		bannerKey:   cfg.BannerKey,
		footerKeys:  cfg.FooterKeys,
		branding:    cfg.Branding,
		logger:      logger,
	}

	for name, dst := range map[string]**template.Template{
		"daily":       &r.daily,
		"birthday":    &r.birthday,
		"anniversary": &r.anniversary,
	} {
		raw, err := templateFS.ReadFile("templates/" + name + ".html")
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		*dst = tmpl
	}
	return r, nil
}

// EmbeddedDailyTemplate returns the built-in newsletter template source.
func EmbeddedDailyTemplate() []byte {
	raw, _ := templateFS.ReadFile("templates/daily.html")
	return raw
}

// ---------------------------------------------------------------------------
// Newsletter
// ---------------------------------------------------------------------------

// NewsletterData is the value the daily template executes against. Stored
// template overrides may reference any of its fields.
type NewsletterData struct {
	District   string
	SignedBy   string
	DateLabel  string
	BannerCID  string
	Sections   []Section
	FooterCIDs []string
}

// Section is one category block of the newsletter, laid out in two columns.
type Section struct {
	Title string
	Left  []Card
	Right []Card
}

// Card is one celebrant.
type Card struct {
	NameLines  []string
	MainCID    string
	PartnerCID string
	Rows       []CardRow
}

// CardRow is a label/value line on a card. Blank rows have an empty Label.
type CardRow struct {
	Label  string
	Value  string
	Mailto bool
}

// NewsletterStats describes one render.
type NewsletterStats struct {
	Cards          int    `json:"cards"`
	Images         int    `json:"images"`
	Substitutions  int    `json:"substitutions"`
	TemplateSource string `json:"template_source"`
}

// RenderNewsletter builds the shared daily message for set.
func (r *Renderer) RenderNewsletter(ctx context.Context, subject, dateLabel string, set recipients.DaySet) (external.MailMessage, NewsletterStats, error) {
	type pending struct {
		card       Card
		mainIdx    int
		partnerIdx int
	}
	type pendingSection struct {
		title string
		cards []pending
	}

	var keys []string
	addKey := func(k string) int {
		keys = append(keys, k)
		return len(keys) - 1
	}

	var sections []pendingSection
	for _, block := range []struct {
		title string
		recs  []types.Recipient
		build func(types.Recipient) Card
	}{
		{"Member's Birthday", set.Members, memberCard},
		{"Partner's Birthday", set.Spouses, spouseCard},
		{"Wedding Anniversary", set.Anniversaries, anniversaryCard},
	} {
		if len(block.recs) == 0 {
			continue
		}
		ps := pendingSection{title: block.title}
		for _, rec := range block.recs {
			p := pending{card: block.build(rec), partnerIdx: -1}
			p.mainIdx = addKey(assets.Key(rec.ID, assets.KindProfile))
			if rec.Partner != nil && rec.Partner.ID != "" {
				p.partnerIdx = addKey(assets.Key(rec.Partner.ID, assets.KindProfile))
			}
			ps.cards = append(ps.cards, p)
		}
		sections = append(sections, ps)
	}

	var fixed []string
	if r.bannerKey != "" {
		fixed = append(fixed, r.bannerKey)
	}
	fixed = append(fixed, r.footerKeys...)

	cardAssets := r.assets.FetchAll(ctx, keys, assets.PolicyFallback)
	fixedAssets := r.assets.FetchAll(ctx, fixed, assets.PolicyOmit)

	attachments := assets.NewSet()
	data := NewsletterData{
		District:  r.branding.District,
		SignedBy:  r.branding.SignedBy,
		DateLabel: dateLabel,
	}
	if r.bannerKey != "" {
		data.BannerCID = attachments.Add(fixedAssets[0])
		fixedAssets = fixedAssets[1:]
	}

	stats := NewsletterStats{}
	for _, ps := range sections {
		sec := Section{Title: ps.title}
		for i, p := range ps.cards {
			c := p.card
			c.MainCID = attachments.Add(cardAssets[p.mainIdx])
			if p.partnerIdx >= 0 {
				c.PartnerCID = attachments.Add(cardAssets[p.partnerIdx])
			}
			if i%2 == 0 {
				sec.Left = append(sec.Left, c)
			} else {
				sec.Right = append(sec.Right, c)
			}
			stats.Cards++
		}
		data.Sections = append(data.Sections, sec)
	}
	for _, a := range fixedAssets {
		if cid := attachments.Add(a); cid != "" {
			data.FooterCIDs = append(data.FooterCIDs, cid)
		}
	}

	body, source, err := r.executeDaily(ctx, data)
	if err != nil {
		return external.MailMessage{}, stats, err
	}
	stats.Images = attachments.Len()
	stats.Substitutions = attachments.Substitutions()
	stats.TemplateSource = source

	return external.MailMessage{
		Subject:  subject,
		HTMLBody: body,
		Images:   attachments.Images(),
	}, stats, nil
}

// executeDaily prefers the stored override and falls back to the embedded
// template when the override is absent or broken.
func (r *Renderer) executeDaily(ctx context.Context, data NewsletterData) (string, string, error) {
	if r.templates != nil && r.templateKey != "" {
		obj, err := r.templates.Get(ctx, r.templateKey)
		switch {
		case err == nil && obj != nil && len(obj.Data) > 0:
			tmpl, perr := template.New("stored").Parse(string(obj.Data))
			if perr == nil {
				var buf bytes.Buffer
				if perr = tmpl.Execute(&buf, data); perr == nil {
					return buf.String(), "stored", nil
				}
			}
			r.logger.WarnContext(ctx, "stored newsletter template unusable; using embedded", "key", r.templateKey, "error", perr)
		case err != nil && !storage.IsNotFound(err):
			r.logger.WarnContext(ctx, "failed to load stored newsletter template; using embedded", "key", r.templateKey, "error", err)
		}
	}

	var buf bytes.Buffer
	if err := r.daily.Execute(&buf, data); err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalRender, "failed to render newsletter", err)
	}
	return buf.String(), "embedded", nil
}

// ValidateDailyTemplate parses raw and executes it against sample data so a
// broken override is rejected before it is stored.
func ValidateDailyTemplate(raw []byte) error {
	tmpl, err := template.New("candidate").Parse(string(raw))
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationFailed, "template does not parse", err)
	}
	sample := NewsletterData{
		District:  "District",
		SignedBy:  "Team",
		DateLabel: "1st January 2026",
		BannerCID: "banner",
		Sections: []Section{{
			Title: "Member's Birthday",
			Left:  []Card{memberCard(types.Recipient{ID: "1", Name: "sample", Email: "a@b.c"})},
		}},
		FooterCIDs: []string{"logo"},
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, sample); err != nil {
		return types.NewAppError(types.ErrCodeValidationFailed, "template does not execute", err)
	}
	return nil
}

func memberCard(r types.Recipient) Card {
	return Card{
		NameLines: []string{TitleCase(r.Name)},
		Rows: cardFields(
			CardRow{Label: "Post:", Value: r.Role},
			CardRow{Label: "Club:", Value: r.Club},
			CardRow{Label: "Phone:", Value: r.Phone},
			CardRow{Label: "Email:", Value: r.Email, Mailto: true},
		),
	}
}

func spouseCard(r types.Recipient) Card {
	partner := ""
	if r.Partner != nil {
		partner = r.Partner.Name
	}
	return Card{
		NameLines: []string{TitleCase(r.Name)},
		Rows: cardFields(
			CardRow{Label: "Partner:", Value: partner},
			CardRow{Label: "Club:", Value: r.Club},
			CardRow{Label: "Phone:", Value: r.Phone},
			CardRow{Label: "Email:", Value: r.Email, Mailto: true},
		),
	}
}

func anniversaryCard(r types.Recipient) Card {
	lines := []string{TitleCase(r.Name)}
	if r.Partner != nil {
		lines = []string{TitleCase(r.Name) + " &", TitleCase(r.Partner.Name)}
	}
	return Card{
		NameLines: lines,
		Rows: cardFields(
			CardRow{Label: "Post:", Value: r.Role},
			CardRow{Label: "Club:", Value: r.Club},
			CardRow{Label: "Phone:", Value: r.Phone},
			CardRow{Label: "Email:", Value: r.Email, Mailto: true},
		),
	}
}

// cardFields drops empty values, title-cases everything except addresses and
// pads to cardRows.
func cardFields(fields ...CardRow) []CardRow {
	rows := make([]CardRow, 0, cardRows)
	for _, f := range fields {
		v := strings.TrimSpace(f.Value)
		if v == "" || strings.EqualFold(v, "null") {
			continue
		}
		if !f.Mailto {
			v = TitleCase(v)
		}
		f.Value = v
		rows = append(rows, f)
	}
	for len(rows) < cardRows {
		rows = append(rows, CardRow{})
	}
	return rows
}

// ---------------------------------------------------------------------------
// Personal greetings
// ---------------------------------------------------------------------------

type greetingData struct {
	Name        string
	PartnerName string
	PosterCID   string
	District    string
	Signatories []string
}

// RenderGreeting builds the personal mail for one celebrant. poster may be
// nil, in which case the image block is left out.
func (r *Renderer) RenderGreeting(rec types.Recipient, poster *assets.Attachment) (external.MailMessage, error) {
	data := greetingData{
		Name:        TitleCase(rec.Name),
		District:    r.branding.District,
		Signatories: r.branding.Signatories,
	}

	msg := external.MailMessage{}
	if poster != nil {
		img := poster.InlineImage()
		img.CID = "poster-" + rec.ID
		data.PosterCID = img.CID
		msg.Images = []types.InlineImage{img}
	}

	tmpl := r.birthday
	msg.Subject = BirthdaySubject(rec.Name)
	if rec.Kind == types.KindAnniversary {
		if rec.Partner == nil {
			return external.MailMessage{}, types.NewAppError(types.ErrCodeInternalRender, "anniversary greeting without partner", nil)
		}
		tmpl = r.anniversary
		data.PartnerName = TitleCase(rec.Partner.Name)
		msg.Subject = AnniversarySubject(rec.Name, rec.Partner.Name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return external.MailMessage{}, types.NewAppError(types.ErrCodeInternalRender, "failed to render greeting", err)
	}
	msg.HTMLBody = buf.String()
	return msg, nil
}
