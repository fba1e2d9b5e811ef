// Package testutil provides common test helpers for WhatAppBot tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/Nimako/WhatAppBot/internal/models"
)

// RecordingNotifier records every notification as "to: text". Set Fail to
// make Send report failure.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []string
	Fail bool
}

// Send implements the notifier interfaces of the flow, messaging and recovery packages.
func (n *RecordingNotifier) Send(ctx context.Context, to, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return false
	}
	n.sent = append(n.sent, to+": "+text)
	return true
}

// Messages returns a copy of the recorded notifications.
func (n *RecordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONStatus decodes an APIResponse body and validates its status field.
func AssertJSONStatus(t testing.TB, rr *httptest.ResponseRecorder, expected models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
		return response
	}
	if response.Status != string(expected) {
		t.Errorf("expected status '%s', got '%s'", expected, response.Status)
	}
	return response
}

// JSONRequest builds a request whose body is body itself when it is a string
// and its JSON encoding otherwise.
func JSONRequest(t testing.TB, method, target string, body interface{}) *http.Request {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		raw = MustMarshalJSON(t, b)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// FormRequest builds a urlencoded POST, the shape of a Twilio webhook.
func FormRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
