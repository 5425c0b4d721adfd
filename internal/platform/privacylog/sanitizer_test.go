package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureRecord(t *testing.T, attrs ...any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	log.Info("event", attrs...)

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line failed: %v", err)
	}
	return out
}

func TestIdentifierKeysAreFingerprinted(t *testing.T) {
	out := captureRecord(t, "inbox_id", "inbx1abc", "conversation_id", "conv_9")

	if _, plain := out["inbox_id"]; plain {
		t.Fatal("inbox_id must not appear in plain text")
	}
	fp, ok := out["inbox_id_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("inbox_id_fp = %v", out["inbox_id_fp"])
	}
	if _, ok := out["conversation_id_fp"]; !ok {
		t.Fatal("conversation_id must be fingerprinted")
	}
}

func TestSecretKeysAreRedacted(t *testing.T) {
	out := captureRecord(t,
		"device_token", "tok_secret",
		"mnemonic", "apple banana cherry",
		"invite_code", "aiminv1xyz",
	)
	for _, key := range []string{"device_token", "mnemonic", "invite_code"} {
		if out[key] != redactedValue {
			t.Fatalf("%s = %v, want %q", key, out[key], redactedValue)
		}
	}
}

func TestOrdinaryKeysPassThrough(t *testing.T) {
	out := captureRecord(t, "reason", "stream closed", "retries", 3)
	if out["reason"] != "stream closed" {
		t.Fatalf("reason = %v", out["reason"])
	}
	if out["retries"] != float64(3) {
		t.Fatalf("retries = %v", out["retries"])
	}
}

func TestFingerprintIsStableWithinProcess(t *testing.T) {
	a := FingerprintID("inbx1abc")
	b := FingerprintID("inbx1abc")
	if a != b {
		t.Fatalf("fingerprint unstable: %q vs %q", a, b)
	}
	if a == FingerprintID("inbx1other") {
		t.Fatal("distinct ids collided")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank value must fingerprint to empty")
	}
}

func TestWithAttrsSanitizesBoundAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("sender_id", "inbx1peer")
	log.Info("event")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line failed: %v", err)
	}
	if _, plain := out["sender_id"]; plain {
		t.Fatal("bound sender_id must not appear in plain text")
	}
	if _, ok := out["sender_id_fp"]; !ok {
		t.Fatal("bound sender_id must be fingerprinted")
	}
}
