package broadcast

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotarydesk/internal/external"
	"rotarydesk/internal/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestRunPersonalGreetings_SendsOnePerCelebrant(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	h.resolver.set.Members = []types.Recipient{
		{ID: "m1", Name: "asha", Email: "asha@x.org", Kind: types.KindMember},
		{ID: "m2", Name: "no mail", Kind: types.KindMember},
	}
	h.resolver.set.Spouses = []types.Recipient{
		{ID: "s1", Name: "meera", Email: "meera@x.org", Kind: types.KindSpouse, Partner: &types.PartnerRef{ID: "m9"}},
	}
	h.resolver.set.Anniversaries = []types.Recipient{
		{ID: "a1", Name: "anil", Email: "anil@x.org", Kind: types.KindAnniversary, AnnPoster: true, Partner: &types.PartnerRef{ID: "a2", Active: true}},
		{ID: "a2", Name: "amita", Email: "amita@x.org", Kind: types.KindAnniversary, Partner: &types.PartnerRef{ID: "a1", Active: true}},
	}
	h.posters.have = map[string][]byte{
		"m1_poster.jpg": pngBytes(t, 1200, 600),
		"a1_anniv.jpg":  []byte("not an image"),
	}

	report, err := h.svc.RunPersonalGreetings(context.Background(), GreetingRequest{})
	require.NoError(t, err)

	assert.Equal(t, "2000-10-16", report.DateUsed)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 4, report.SentCount)
	assert.Equal(t, 1, report.SkippedCount)
	assert.Zero(t, report.FailureCount)
	assert.Equal(t, []string{"asha@x.org", "meera@x.org", "anil@x.org", "amita@x.org"}, h.mailer.sent)

	assert.Equal(t, []string{"m1_poster.jpg", "s1_poster.jpg", "a1_anniv.jpg", "a1_anniv.jpg"}, h.posters.requested,
		"an anniversary row without its own poster uses the partner's")

	require.Len(t, h.renderer.greetings, 4)
	first := h.renderer.greetings[0].poster
	require.NotNil(t, first)
	assert.Equal(t, "image/jpeg", first.ContentType)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(first.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1000, cfg.Width)

	assert.Nil(t, h.renderer.greetings[1].poster, "missing posters are omitted")
	assert.Equal(t, []byte("not an image"), h.renderer.greetings[2].poster.Data, "undecodable posters are sent as stored")

	require.Len(t, h.resolver.calls, 1)
	assert.Equal(t, greetingCategories(), h.resolver.calls[0])
	require.Len(t, h.metrics.runs, 1)
	assert.Equal(t, RunKindPersonal, h.metrics.runs[0].Kind)
	assert.Equal(t, 1, h.metrics.runs[0].Skipped)
}

func TestRunPersonalGreetings_FailuresAreRecordedPerRecipient(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	h.resolver.set.Members = []types.Recipient{
		{ID: "m1", Email: "bad@x.org", Kind: types.KindMember},
		{ID: "m2", Email: "good@x.org", Kind: types.KindMember},
	}
	h.mailer.failTo = map[string]error{"bad@x.org": types.NewAppError(types.ErrCodeEmailBlocked, "blocked", nil)}

	report, err := h.svc.RunPersonalGreetings(context.Background(), GreetingRequest{Date: "2026-06-01"})
	require.NoError(t, err)

	assert.Equal(t, "2000-06-01", report.DateUsed)
	assert.Equal(t, 1, report.SentCount)
	assert.Equal(t, 1, report.FailureCount)
	require.Len(t, report.FailedRecipients, 1)
	assert.Equal(t, "bad@x.org", report.FailedRecipients[0].Target)
	assert.Contains(t, report.FailedRecipients[0].Error, "email_blocked")

	require.Len(t, h.sink.runs, 1)
	assert.Equal(t, RunKindPersonal, h.sink.runs[0].Kind)
}

func TestRunPersonalGreetings_CancelledContext(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	h.resolver.set.Members = []types.Recipient{{ID: "m1", Email: "a@x.org", Kind: types.KindMember}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.svc.RunPersonalGreetings(ctx, GreetingRequest{})
	require.NoError(t, err)
	assert.Empty(t, h.mailer.sent)
	assert.Equal(t, 1, report.FailureCount)
}

func TestRunPersonalGreetings_RequiresMailSettings(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MailFrom = ""
	h := newHarness(t, cfg)

	_, err := h.svc.RunPersonalGreetings(context.Background(), GreetingRequest{})
	assert.True(t, IsConfigurationError(err))
	assert.Empty(t, h.resolver.calls)
}

func TestRunPersonalGreetings_InvalidDate(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	_, err := h.svc.RunPersonalGreetings(context.Background(), GreetingRequest{Date: "13-40"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidDate, appErr.Code)
}

func TestRunWhatsAppGreetings(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	h.resolver.set.Members = []types.Recipient{
		{ID: "m1", Phone: "98765 43210", Kind: types.KindMember},
		{ID: "m2", Phone: "12345", Kind: types.KindMember},
	}
	h.resolver.set.Spouses = []types.Recipient{
		{ID: "s1", Phone: "+91-98100-00001", Kind: types.KindSpouse},
	}
	h.resolver.set.Anniversaries = []types.Recipient{
		{ID: "a1", Phone: "09811122233", Kind: types.KindAnniversary},
	}

	report, err := h.svc.RunWhatsAppGreetings(context.Background(), GreetingRequest{})
	require.NoError(t, err)

	assert.Equal(t, []external.WhatsAppMessage{
		{Number: "919876543210", PersonID: "m1", Type: external.WhatsAppBirthday},
		{Number: "919810000001", PersonID: "s1", Type: external.WhatsAppBirthday},
		{Number: "919811122233", PersonID: "a1", Type: external.WhatsAppAnniversary},
	}, h.wa.msgs)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.SentCount)
	assert.Equal(t, 1, report.FailureCount)
	assert.Equal(t, "m2", report.FailedRecipients[0].Target)
	assert.Contains(t, report.FailedRecipients[0].Error, string(types.ErrCodeValidationInvalidPhone))
	assert.Equal(t, RunKindWhatsApp, h.metrics.runs[0].Kind)
}

func TestRunWhatsAppGreetings_RelayFailure(t *testing.T) {
	h := newHarness(t, baseConfig(t))
	h.resolver.set.Members = []types.Recipient{{ID: "m1", Phone: "9876543210", Kind: types.KindMember}}
	h.wa.err = types.NewAppError(types.ErrCodeUpstreamMessaging, "relay down", errors.New("dial"))

	report, err := h.svc.RunWhatsAppGreetings(context.Background(), GreetingRequest{})
	require.NoError(t, err)
	assert.Zero(t, report.SentCount)
	assert.Equal(t, 1, report.FailureCount)
}

func TestRunWhatsAppGreetings_RequiresKey(t *testing.T) {
	cfg := baseConfig(t)
	cfg.WhatsAppAPIKey = ""
	h := newHarness(t, cfg)

	_, err := h.svc.RunWhatsAppGreetings(context.Background(), GreetingRequest{})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"WHATSAPP_API_KEY"}, ce.Missing)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"9876543210", "919876543210", true},
		{"98765 43210", "919876543210", true},
		{"+91 98765 43210", "919876543210", true},
		{"0091-9876543210", "919876543210", true},
		{"(987) 654-3210", "919876543210", true},
		{"987654321", "", false},
		{"", "", false},
		{"NULL", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizePhone(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
