package core

import "testing"

func TestRedactSensitiveMapPreservesTraceabilityMetadata(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"trace_id":       "trace_1",
		"request_id":     "req_1",
		"tenant":         "acme",
		"event_id":       "evt_1",
		"webhook_secret": "hunter2",
		"signature":      "v1=deadbeef",
		"authorization":  "Bearer secret-token",
		"nested":         map[string]any{"holder_token": "tok_1", "lock_key": "sync:acme"},
		"events":         []any{map[string]any{"api_key": "key_1"}, map[string]any{"rule_id": "rule_1"}},
	})

	if redacted["trace_id"] != "trace_1" {
		t.Fatalf("expected trace_id to remain visible, got %#v", redacted["trace_id"])
	}
	if redacted["tenant"] != "acme" {
		t.Fatalf("expected tenant to remain visible, got %#v", redacted["tenant"])
	}
	if redacted["webhook_secret"] != RedactedValue {
		t.Fatalf("expected webhook_secret to be redacted, got %#v", redacted["webhook_secret"])
	}
	if redacted["signature"] != RedactedValue {
		t.Fatalf("expected signature to be redacted, got %#v", redacted["signature"])
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["holder_token"] != RedactedValue {
		t.Fatalf("expected nested holder_token to be redacted, got %#v", nested["holder_token"])
	}
	if nested["lock_key"] != "sync:acme" {
		t.Fatalf("expected nested lock_key to remain visible, got %#v", nested["lock_key"])
	}
	events, ok := redacted["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected redacted events slice, got %#v", redacted["events"])
	}
	first, ok := events[0].(map[string]any)
	if !ok || first["api_key"] != RedactedValue {
		t.Fatalf("expected api_key in slice to be redacted, got %#v", events[0])
	}
}
