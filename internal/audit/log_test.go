package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"saleslens.org/internal/auth"
	"saleslens.org/internal/obs"
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
	ctx = auth.ContextWithSession(ctx, auth.Session{ID: "s-1", UserID: 42, Username: "alice"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
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
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != float64(42) || entry["username"] != "alice" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if _, ok := entry["admin"]; ok {
		t.Fatalf("non-admin session must not carry admin flag: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestLogEventRedactsSensitiveFields(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	err := LogEvent(context.Background(), "query.run", map[string]any{
		"sql":         "select * from sales_data where region_id in (1, 2)",
		"Question":    "who bought the most?",
		"fingerprint": "ab12",
	})
	if err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	line := buf.String()
	for _, leaked := range []string{"sales_data", "bought"} {
		if bytes.Contains([]byte(line), []byte(leaked)) {
			t.Fatalf("audit line leaks %q: %s", leaked, line)
		}
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	fields := entry["fields"].(map[string]any)
	if fields["fingerprint"] != "ab12" {
		t.Fatalf("plain fields must pass through: %v", fields)
	}
	if s, _ := fields["sql"].(string); len(s) != len("sha256:")+12 {
		t.Fatalf("unexpected digest %v", fields["sql"])
	}
}
