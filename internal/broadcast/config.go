package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"rotarydesk/internal/config"
	"rotarydesk/internal/external"
	"rotarydesk/internal/notifications/assets"
	"rotarydesk/internal/notifications/dispatch"
	"rotarydesk/internal/notifications/email"
	"rotarydesk/internal/notifications/recipients"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

// ConfigFrom derives the run settings from the process configuration.
// LoadConfig has already validated the anniversary strategy; an unknown
// value falls back to primary-only.
func ConfigFrom(cfg *config.Config) Config {
	strategy, err := types.ParseAnniversaryStrategy(cfg.Notify.AnniversaryStrategy)
	if err != nil {
		strategy = types.AnniversaryPrimaryOnly
	}
	return Config{
		Location:            cfg.Notify.Location(),
		TestRecipients:      cfg.Email.TestRecipients,
		RosterPageSize:      cfg.Notify.RosterPageSize,
		RequirePoster:       cfg.Notify.RequirePoster,
		AnniversaryStrategy: strategy,
		AnniversaryDedupe:   cfg.Notify.AnniversaryDedupe,
		MailAPIKey:          cfg.Email.APIKey.Unmask(),
		MailFrom:            cfg.Email.FromAddress,
		WhatsAppAPIKey:      cfg.WhatsApp.APIKey.Unmask(),
	}
}

// Roster is the person repository slice a Service reads from.
// *db.PersonRepository satisfies it.
type Roster interface {
	recipients.CelebrantStore
	RosterSource
}

// Objects is the object store slice used for posters and the template
// override.
type Objects interface {
	Get(ctx context.Context, key string) (*storage.Object, error)
}

// Wiring holds the process-level collaborators Build cannot derive from the
// configuration. Metrics, Observer and Failures are optional.
type Wiring struct {
	Roster   Roster
	Objects  Objects
	Metrics  RunMetrics
	Observer dispatch.ChunkObserver
	Failures FailureSink
	Logger   *slog.Logger
}

// Build assembles a Service from the configuration: ZeptoMail and the
// WhatsApp relay for transport, the roster for celebrants and the object
// store for images and the template override.
func Build(cfg *config.Config, w Wiring) (*Service, error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mailer := external.NewZeptoMailClient(&http.Client{Timeout: cfg.Email.Timeout}, external.ZeptoMailConfig{
		APIKey:  cfg.Email.APIKey.Unmask(),
		BaseURL: cfg.Email.BaseURL,
		From:    types.SenderIdentity{Address: cfg.Email.FromAddress, Name: cfg.Email.FromName},
		ReplyTo: replyTo(cfg.Email),
		Logger:  logger,
	})
	relay := external.NewWhatsAppRelayClient(&http.Client{Timeout: cfg.WhatsApp.Timeout}, external.WhatsAppRelayConfig{
		BaseURL: cfg.WhatsApp.RelayURL,
		APIKey:  cfg.WhatsApp.APIKey.Unmask(),
		Logger:  logger,
	})

	images := assets.NewResolver(w.Objects, cfg.Notify.DefaultAsset, logger)
	renderer, err := email.NewRenderer(email.RendererConfig{
		Assets:      images,
		Templates:   w.Objects,
		TemplateKey: cfg.Storage.TemplateKey,
		BannerKey:   cfg.Notify.BannerAsset,
		FooterKeys:  cfg.Notify.FooterAssets,
		Branding: email.Branding{
			District:    cfg.Notify.DistrictName,
			SignedBy:    cfg.Notify.SignedBy,
			Signatories: cfg.Notify.Signatories,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building renderer: %w", err)
	}

	var opts []dispatch.Option
	if w.Observer != nil {
		opts = append(opts, dispatch.WithObserver(w.Observer))
	}
	dispatcher := dispatch.New(mailer, dispatch.Config{
		BatchSize:    cfg.Notify.BatchSize,
		Delay:        cfg.Notify.ChunkDelay,
		ChunkTimeout: cfg.Notify.ChunkTimeout,
	}, logger, opts...)

	return NewService(ConfigFrom(cfg), Dependencies{
		Resolver:   recipients.NewResolver(w.Roster, logger),
		Renderer:   renderer,
		Dispatcher: dispatcher,
		Roster:     w.Roster,
		Posters:    images,
		Mailer:     mailer,
		WhatsApp:   relay,
		Metrics:    w.Metrics,
		Failures:   w.Failures,
		Logger:     logger,
	}), nil
}

func replyTo(cfg config.EmailConfig) *types.SenderIdentity {
	if cfg.ReplyTo == "" {
		return nil
	}
	return &types.SenderIdentity{Address: cfg.ReplyTo}
}
