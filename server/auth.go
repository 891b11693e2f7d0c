package server

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
)

// RuleAuth compiles an expr rule into an AuthHook. The rule is
// evaluated against the decoded connection_init payload, visible as
// `payload`, and must return true to authorize the connection. A
// runtime failure rejects it.
//
//	RuleAuth(`payload.token == "secret"`)
func RuleAuth(rule string) (AuthHook, error) {
	prg, err := expr.Compile(rule, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile auth rule: %w", err)
	}
	return func(payload json.RawMessage) error {
		env := map[string]any{
			"payload": decodePayload(payload),
		}
		out, err := expr.Run(prg, env)
		if err != nil {
			return fmt.Errorf("auth rule failed: %w", err)
		}
		if ok, _ := out.(bool); !ok {
			return fmt.Errorf("auth rule rejected connection")
		}
		return nil
	}, nil
}

// decodePayload exposes the init payload to the rule as a map. A
// missing or malformed payload evaluates against an empty map rather
// than failing the rule compilation tier.
func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
