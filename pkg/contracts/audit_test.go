package contracts

import "testing"

func TestSensitiveKey(t *testing.T) {
	sensitive := []string{"api_key", "Token", "DB_PASSWORD", "clientSecret", "aws_credentials"}
	for _, k := range sensitive {
		if !SensitiveKey(k) {
			t.Errorf("%q should be sensitive", k)
		}
	}
	for _, k := range []string{"path", "content", "table", "monkey_count"} {
		if SensitiveKey(k) {
			t.Errorf("%q should not be sensitive", k)
		}
	}
}

func TestSanitizePayloadMasksDeep(t *testing.T) {
	in := map[string]any{
		"path":    "a/b",
		"api_key": "sk-12345",
		"nested": map[string]any{
			"password": "hunter2",
			"region":   "eu-west-1",
		},
		"items": []any{
			map[string]any{"auth_token": "t", "id": 7},
			"plain",
		},
	}

	out := SanitizePayload(in)

	if out["api_key"] != "***" {
		t.Errorf("api_key not masked: %v", out["api_key"])
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != "***" || nested["region"] != "eu-west-1" {
		t.Errorf("nested sanitization wrong: %v", nested)
	}
	item := out["items"].([]any)[0].(map[string]any)
	if item["auth_token"] != "***" || item["id"] != 7 {
		t.Errorf("list element sanitization wrong: %v", item)
	}

	// Input must be untouched.
	if in["api_key"] != "sk-12345" {
		t.Error("input map was mutated")
	}
	if in["nested"].(map[string]any)["password"] != "hunter2" {
		t.Error("nested input map was mutated")
	}
}

func TestSanitizePayloadNil(t *testing.T) {
	if SanitizePayload(nil) != nil {
		t.Error("nil payload should stay nil")
	}
}
