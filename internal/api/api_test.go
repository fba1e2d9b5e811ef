package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nimako/WhatAppBot/internal/flow"
	"github.com/Nimako/WhatAppBot/internal/messaging"
	"github.com/Nimako/WhatAppBot/internal/metrics"
	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/store"
	"github.com/Nimako/WhatAppBot/internal/testutil"
)

const testAuthToken = "test-auth-token"

type testServer struct {
	server   *Server
	store    *store.InMemoryStore
	notifier *testutil.RecordingNotifier
	calls    int
}

// newTestServer wires a server around an action that echoes the message.
func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{store: store.NewInMemoryStore(), notifier: &testutil.RecordingNotifier{}}
	action := func(ctx context.Context, from, text string) (models.Reply, error) {
		ts.calls++
		if from == "bad" {
			return models.Reply{}, flow.ErrInvalidPhone
		}
		if text == "boom" {
			return models.Reply{}, errors.New("engine failure")
		}
		return models.Reply{Text: "echo " + text, SessionID: "sess-1", State: models.StateMenu}, nil
	}
	handler := messaging.NewResponseHandler(action, ts.store, ts.notifier)
	ts.server = NewServer(handler, ts.store, opts...)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func sign(token, u string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookForm(sid, body string) url.Values {
	return url.Values{
		"From":       {"whatsapp:+233244274699"},
		"Body":       {body},
		"MessageSid": {sid},
	}
}

func TestTwilioWebhook_RepliesThroughNotifier(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.FormRequest("/webhook/twilio", webhookForm("SM1", "hi")))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	got := ts.notifier.Messages()
	if len(got) != 1 || got[0] != "+233244274699: echo hi" {
		t.Errorf("notifications = %v", got)
	}
}

func TestTwilioWebhook_DuplicateDelivery(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		if rr := ts.do(testutil.FormRequest("/webhook/twilio", webhookForm("SM-dup", "hi"))); rr.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rr.Code)
		}
	}
	if ts.calls != 1 {
		t.Errorf("action ran %d times, want 1", ts.calls)
	}
	if got := ts.notifier.Messages(); len(got) != 1 {
		t.Errorf("notifications = %v, want exactly one", got)
	}
}

func TestTwilioWebhook_MissingFields(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.FormRequest("/webhook/twilio", url.Values{"MessageSid": {"SM2"}}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if ts.calls != 0 {
		t.Error("action ran for an invalid webhook")
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	const publicURL = "https://bot.example.com"
	ts := newTestServer(t, WithTwilioSignature(testAuthToken, publicURL+"/"))
	form := webhookForm("SM3", "hello")

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"valid", sign(testAuthToken, publicURL+"/webhook/twilio", form), http.StatusOK},
		{"wrong token", sign("other-token", publicURL+"/webhook/twilio", form), http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.FormRequest("/webhook/twilio", form)
			if tt.signature != "" {
				req.Header.Set(messaging.TwilioSignatureHeader, tt.signature)
			}
			if rr := ts.do(req); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
	if ts.calls != 1 {
		t.Errorf("action ran %d times, want 1", ts.calls)
	}
}

func TestChatMessage_Success(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.JSONRequest(t, http.MethodPost, "/api/messages", `{"phone":"+233244274699","message":"1"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp models.ChatMessageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := models.ChatMessageResponse{Reply: "echo 1", SessionID: "sess-1", State: models.StateMenu}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}
	if got := ts.notifier.Messages(); len(got) != 0 {
		t.Errorf("web replies must not be pushed, got %v", got)
	}
}

func TestChatMessage_DuplicateMessageID(t *testing.T) {
	ts := newTestServer(t)
	body := `{"phone":"+233244274699","message":"1","messageId":"web-1"}`

	ts.do(testutil.JSONRequest(t, http.MethodPost, "/api/messages", body))
	rr := ts.do(testutil.JSONRequest(t, http.MethodPost, "/api/messages", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	testutil.AssertJSONStatus(t, rr, models.APIStatusDuplicate)
	if ts.calls != 1 {
		t.Errorf("action ran %d times, want 1", ts.calls)
	}
}

func TestChatMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"phone":`, http.StatusBadRequest},
		{"missing phone", `{"message":"hi"}`, http.StatusBadRequest},
		{"missing message", `{"phone":"+233244274699"}`, http.StatusBadRequest},
		{"invalid phone", `{"phone":"bad","message":"hi"}`, http.StatusBadRequest},
		{"engine failure", `{"phone":"+233244274699","message":"boom"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.do(testutil.JSONRequest(t, http.MethodPost, "/api/messages", tt.body))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
			testutil.AssertJSONStatus(t, rr, models.APIStatusError)
		})
	}
}

func TestSessionLookup(t *testing.T) {
	ts := newTestServer(t)
	sess, err := ts.store.Create(context.Background(), "+233244274699")
	if err != nil {
		t.Fatal(err)
	}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Status string         `json:"status"`
		Result models.Session `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.ID != sess.ID || resp.Result.State != models.StateMenu {
		t.Errorf("session = %+v", resp.Result)
	}

	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	testutil.AssertJSONStatus(t, rr, models.APIStatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, WithGatherer(reg))
	ts.do(testutil.JSONRequest(t, http.MethodPost, "/api/messages", `{"phone":"+233244274699","message":"1"}`))

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `whatappbot_inbound_messages_total{channel="web"`) {
		t.Errorf("metrics output lacks inbound counter:\n%s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/messages", nil)); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}
