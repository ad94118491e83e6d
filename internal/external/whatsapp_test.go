package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rotarydesk/internal/types"
)

func newTestRelayClient(t *testing.T, serverURL string) *WhatsAppRelayClient {
	t.Helper()
	base := newTestClient(t, RetryPolicy{MaxRetries: 0}, WithUnavailableCode(types.ErrCodeUpstreamMessaging))
	return NewWhatsAppRelayClientWithBase(base, WhatsAppRelayConfig{BaseURL: serverURL, APIKey: "relay-key"})
}

func TestWhatsAppSend_Success(t *testing.T) {
	var (
		got    WhatsAppMessage
		gotKey string
		path   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	msg := WhatsAppMessage{Number: "919876543210", PersonID: "p-1", Type: WhatsAppAnniversary}
	if err := newTestRelayClient(t, server.URL).Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/api/send-message" {
		t.Errorf("path = %q", path)
	}
	if gotKey != "relay-key" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if got != msg {
		t.Errorf("payload = %+v, want %+v", got, msg)
	}
}

func TestWhatsAppSend_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer server.Close()

	err := newTestRelayClient(t, server.URL).Send(context.Background(), WhatsAppMessage{Number: "91", PersonID: "x", Type: WhatsAppBirthday})
	requireAppError(t, err, types.ErrCodeUpstreamMessaging)
}

func TestWhatsAppSend_RelayUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestRelayClient(t, url).Send(context.Background(), WhatsAppMessage{Number: "91", PersonID: "x", Type: WhatsAppBirthday})
	requireAppError(t, err, types.ErrCodeUpstreamMessaging)
}
