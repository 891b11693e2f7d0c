package server

import (
	"encoding/json"
	"testing"
)

func TestRuleAuth(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		payload string
		wantOK  bool
	}{
		{"token match", `payload.token == "secret"`, `{"token":"secret"}`, true},
		{"token mismatch", `payload.token == "secret"`, `{"token":"nope"}`, false},
		{"missing payload", `payload.token == "secret"`, ``, false},
		{"always allow", `true`, ``, true},
		{"always deny", `false`, `{"token":"secret"}`, false},
		{"membership", `payload.role in ["admin", "writer"]`, `{"role":"writer"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook, err := RuleAuth(tt.rule)
			if err != nil {
				t.Fatalf("RuleAuth(%q) error: %v", tt.rule, err)
			}
			var payload json.RawMessage
			if tt.payload != "" {
				payload = json.RawMessage(tt.payload)
			}
			err = hook(payload)
			if tt.wantOK && err != nil {
				t.Errorf("hook rejected: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("hook authorized, want rejection")
			}
		})
	}
}

func TestRuleAuth_CompileError(t *testing.T) {
	if _, err := RuleAuth(`payload ==`); err == nil {
		t.Error("RuleAuth accepted an unparsable rule")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.AuthRule = `payload ==`
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted an unparsable auth rule")
	}
}
