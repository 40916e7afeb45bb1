package logging

import "testing"

func TestIsSecretField(t *testing.T) {
	tests := []struct {
		field string
		want  bool
	}{
		{"password", true},
		{"SecretAccessKey", true},
		{"session_token", true},
		{"db_password_hash", true},
		{"PrivateKey", true},
		{"stack_name", false},
		{"region", false},
		{"template_url", false},
	}

	for _, tt := range tests {
		if got := IsSecretField(tt.field); got != tt.want {
			t.Errorf("IsSecretField(%q) = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestRedactParameters(t *testing.T) {
	in := map[string]string{
		"stack_name": "demo",
		"secret_key": "hunter2",
		"empty_pass": "",
	}

	out := RedactParameters(in)

	if out["stack_name"] != "demo" {
		t.Errorf("non-secret value changed: %q", out["stack_name"])
	}
	if out["secret_key"] != "[REDACTED]" {
		t.Errorf("secret value not redacted: %q", out["secret_key"])
	}
	if out["empty_pass"] != "" {
		t.Errorf("empty secret should stay empty, got %q", out["empty_pass"])
	}
	if in["secret_key"] != "hunter2" {
		t.Error("input map was mutated")
	}
}

func TestRedactParametersNil(t *testing.T) {
	if out := RedactParameters(nil); out != nil {
		t.Errorf("expected nil for nil input, got %v", out)
	}
}
