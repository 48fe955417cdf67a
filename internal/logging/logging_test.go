package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLogger_JSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("entitlementd", "debug", &buf)
	log.WithField("user_id", "u1").Debug("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["service"] != "entitlementd" || line["user_id"] != "u1" || line["msg"] != "hello" {
		t.Errorf("unexpected fields: %v", line)
	}
	if line["level"] != "debug" {
		t.Errorf("level = %v", line["level"])
	}
}

func TestNewLogger_DefaultLevelInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("svc", "nonsense", &buf)
	log.Debug("dropped")
	if buf.Len() != 0 {
		t.Errorf("debug line written at default level: %q", buf.String())
	}
	log.Info("kept")
	if buf.Len() == 0 {
		t.Error("info line not written")
	}
}

func TestRedactToken(t *testing.T) {
	cases := map[string]string{
		"":                  "[empty]",
		"abc":               "a...",
		"sk_live_abc123xyz": "sk_live_...",
	}
	for in, want := range cases {
		if got := RedactToken(in); got != want {
			t.Errorf("RedactToken(%q) = %q, want %q", in, got, want)
		}
	}
}
