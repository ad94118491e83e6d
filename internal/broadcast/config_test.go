package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotarydesk/internal/config"
	"rotarydesk/internal/db"
	"rotarydesk/internal/storage"
	"rotarydesk/internal/types"
)

type emptyRoster struct {
	mu      sync.Mutex
	queries []db.CelebrantQuery
}

func (r *emptyRoster) FindCelebrants(_ context.Context, q db.CelebrantQuery) ([]*types.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	return nil, nil
}

func (r *emptyRoster) ListActiveEmails(context.Context, int, int) ([]string, error) {
	return nil, nil
}

type missingObjects struct{}

func (missingObjects) Get(_ context.Context, key string) (*storage.Object, error) {
	return nil, types.NewAppError(types.ErrCodeNotFoundObject, "object not found", storage.ErrObjectNotFound)
}

func testProcessConfig(zeptoURL string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{TemplateKey: "templates/daily.html"},
		Email: config.EmailConfig{
			APIKey:      types.SecretString("zepto-key"),
			BaseURL:     zeptoURL,
			FromAddress: "noreply@example.org",
			FromName:    "District 3012",
			ReplyTo:     "governor@example.org",
			Timeout:     5 * time.Second,
		},
		WhatsApp: config.WhatsAppConfig{RelayURL: "http://127.0.0.1:1", Timeout: time.Second},
		Notify: config.NotifyConfig{
			Timezone:            "Asia/Kolkata",
			BatchSize:           400,
			AnniversaryStrategy: "any_side",
			AnniversaryDedupe:   true,
			RosterPageSize:      500,
			DefaultAsset:        "0.jpg",
			BannerAsset:         "try.gif",
			FooterAssets:        []string{"006.jpg"},
			DistrictName:        "Rotary District 3012",
		},
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := testProcessConfig("http://zepto.invalid")
	cfg.Email.TestRecipients = []string{"qa@example.org"}
	cfg.WhatsApp.APIKey = types.SecretString("relay-key")

	got := ConfigFrom(cfg)

	assert.Equal(t, "Asia/Kolkata", got.Location.String())
	assert.Equal(t, []string{"qa@example.org"}, got.TestRecipients)
	assert.Equal(t, 500, got.RosterPageSize)
	assert.Equal(t, types.AnniversaryAnySide, got.AnniversaryStrategy)
	assert.True(t, got.AnniversaryDedupe)
	assert.Equal(t, "zepto-key", got.MailAPIKey)
	assert.Equal(t, "relay-key", got.WhatsAppAPIKey)

	cfg.Notify.AnniversaryStrategy = "bogus"
	assert.Equal(t, types.AnniversaryPrimaryOnly, ConfigFrom(cfg).AnniversaryStrategy)
}

func TestBuild_SendsThroughZeptoMail(t *testing.T) {
	var batches int32
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.1/email/batch" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&batches, 1)
		assert.Equal(t, "Zoho-enczapikey zepto-key", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req-1"}`))
	}))
	defer srv.Close()

	roster := &emptyRoster{}
	svc, err := Build(testProcessConfig(srv.URL), Wiring{Roster: roster, Objects: missingObjects{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	report, err := svc.RunNotificationBatch(context.Background(), BatchRequest{
		Mode:       ModeTest,
		Date:       "2026-03-10",
		Recipients: []string{"a@example.org"},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&batches))
	assert.Equal(t, 1, report.SuccessCount)
	assert.Equal(t, "2000-03-10", report.DateUsed)
	assert.NotEmpty(t, payload["subject"])
	assert.Len(t, roster.queries, 3, "one query per category")
}
