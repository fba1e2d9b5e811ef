package util

import (
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+233 20 000 0000", "+233200000000"},
		{"233200000000", "+233200000000"},
		{"whatsapp:+15551234567", "+15551234567"},
		{"(555) 123-4567", "+5551234567"},
		{"++44 20", "+4420"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"233 24-427 4699", "233244274699"},
		{"+233-24-427-4699", "+233244274699"},
		{"0244274699", "0244274699"},
		{" +233 244", "+233244"},
		{"233+244", "233244"},
		{"++44", "+44"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizePhone(tt.in); got != tt.want {
			t.Errorf("SanitizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripWhatsAppPrefix(t *testing.T) {
	if got := StripWhatsAppPrefix(" whatsapp:+1555 "); got != "+1555" {
		t.Errorf("StripWhatsAppPrefix() = %q", got)
	}
	if got := StripWhatsAppPrefix("+1555"); got != "+1555" {
		t.Errorf("StripWhatsAppPrefix() changed a bare number: %q", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DURATION", "5s")
	if got := ParseDurationEnv("TEST_DURATION", time.Second); got != 5*time.Second {
		t.Errorf("ParseDurationEnv() = %v, want 5s", got)
	}
	t.Setenv("TEST_DURATION", "bogus")
	if got := ParseDurationEnv("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv() invalid = %v, want default", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !ParseBoolEnv("TEST_BOOL", false) {
		t.Error("ParseBoolEnv(yes) = false")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if ParseBoolEnv("TEST_BOOL", false) {
		t.Error("ParseBoolEnv(maybe) should fall back to default")
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_STRING", "")
	if got := GetEnvOrDefault("TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("GetEnvOrDefault() = %q", got)
	}
	t.Setenv("TEST_STRING", " value ")
	if got := GetEnvOrDefault("TEST_STRING", "fallback"); got != "value" {
		t.Errorf("GetEnvOrDefault() = %q", got)
	}
}
