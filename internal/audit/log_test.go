package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = identity.ContextWithTenant(ctx, "acme")
	ctx = identity.ContextWithCaller(ctx, "alice", "admin")

	if err := LogEvent(ctx, "identity.user.create", map[string]any{"target": "bob"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "identity.user.create" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["tenant"] != "acme" {
		t.Fatalf("unexpected tenant: %v", entry["tenant"])
	}
	if entry["caller"] != "alice" || entry["role"] != "admin" {
		t.Fatalf("unexpected caller context: %v / %v", entry["caller"], entry["role"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["target"] != "bob" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
