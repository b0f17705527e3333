package hel

import "testing"

func TestKidAllowed_DefaultAllowsAll(t *testing.T) {
	e := NewEngine(Policy{})
	if !e.KidAllowed("anything") {
		t.Fatal("expected default allow_kids=[*] to allow any kid")
	}
}

func TestKidAllowed_DenyTakesPrecedence(t *testing.T) {
	e := NewEngine(Policy{AllowKids: []string{"*"}, DenyKids: []string{"bad-*"}})
	if e.KidAllowed("bad-key-1") {
		t.Fatal("expected denied kid to be rejected even though it matches allow glob")
	}
	if !e.KidAllowed("good-key-1") {
		t.Fatal("expected non-denied kid matching allow glob to pass")
	}
}

func TestKidAllowed_ExplicitAllowlist(t *testing.T) {
	e := NewEngine(Policy{AllowKids: []string{"team-a-*"}})
	if !e.KidAllowed("team-a-1") {
		t.Fatal("expected kid matching allowlist to pass")
	}
	if e.KidAllowed("team-b-1") {
		t.Fatal("expected kid not matching allowlist to fail")
	}
}

func TestHostAllowed_NoListAllowsAll(t *testing.T) {
	e := NewEngine(Policy{})
	if !e.HostAllowed("evil.example.com") {
		t.Fatal("expected empty allowed_jwks_hosts to allow all")
	}
}

func TestHostAllowed_Glob(t *testing.T) {
	e := NewEngine(Policy{AllowedJWKSHosts: []string{"*.trusted.example"}})
	if !e.HostAllowed("keys.trusted.example") {
		t.Fatal("expected subdomain to match glob")
	}
	if e.HostAllowed("trusted.example.evil.com") {
		t.Fatal("expected non-matching host to be rejected")
	}
}

func TestEvaluate_DeniedIntent(t *testing.T) {
	e := NewEngine(Policy{DenyIntents: []string{"transfer"}})
	res := e.Evaluate(map[string]any{"intent": "transfer", "amount": 100})
	if res.Allowed {
		t.Fatal("expected denied intent to fail")
	}
	if res.Violations[0].Code != "intent.denied" {
		t.Fatalf("expected intent.denied, got %+v", res.Violations)
	}
}

func TestEvaluate_AllowlistRejectsUnlisted(t *testing.T) {
	e := NewEngine(Policy{AllowIntents: []string{"echo"}})
	res := e.Evaluate(map[string]any{"intent": "transfer"})
	if res.Allowed {
		t.Fatal("expected intent not in allowlist to fail")
	}
	if res.Violations[0].Code != "intent.not_allowed" {
		t.Fatalf("expected intent.not_allowed, got %+v", res.Violations)
	}
}

func TestEvaluate_ReasonRequired(t *testing.T) {
	e := NewEngine(Policy{RequireReasonForIntents: []string{"transfer"}})
	res := e.Evaluate(map[string]any{"intent": "transfer"})
	if res.Allowed {
		t.Fatal("expected missing reason to fail")
	}
	if res.Violations[0].Code != "reason.required" {
		t.Fatalf("expected reason.required, got %+v", res.Violations)
	}

	res = e.Evaluate(map[string]any{"intent": "transfer", "reason": "payroll"})
	if !res.Allowed {
		t.Fatalf("expected reason present to pass, got %+v", res.Violations)
	}

	res = e.Evaluate(map[string]any{"intent": "transfer", "why": "payroll"})
	if !res.Allowed {
		t.Fatalf("expected why= to satisfy reason requirement, got %+v", res.Violations)
	}
}

func TestEvaluate_NestedIntentNodes(t *testing.T) {
	e := NewEngine(Policy{DenyIntents: []string{"admin.delete"}})
	payload := map[string]any{
		"intent": "echo",
		"children": []any{
			map[string]any{"intent": "admin.delete"},
		},
	}
	res := e.Evaluate(payload)
	if res.Allowed {
		t.Fatal("expected nested denied intent to be found")
	}
}

func TestEvaluate_FieldConstraintPresent(t *testing.T) {
	e := NewEngine(Policy{FieldConstraints: []FieldConstraint{
		{Path: "/user_id", Op: OpPresent},
	}})
	res := e.Evaluate(map[string]any{"intent": "echo"})
	if res.Allowed {
		t.Fatal("expected missing user_id to fail")
	}
	if res.Violations[0].Code != "field.missing" {
		t.Fatalf("expected field.missing, got %+v", res.Violations)
	}
}

func TestEvaluate_FieldConstraintWhenIntent(t *testing.T) {
	e := NewEngine(Policy{FieldConstraints: []FieldConstraint{
		{WhenIntent: "transfer", Path: "/amount", Op: OpGt, Value: 0.0},
	}})
	res := e.Evaluate(map[string]any{"intent": "echo"})
	if !res.Allowed {
		t.Fatal("expected constraint to be skipped for non-matching intent")
	}

	res = e.Evaluate(map[string]any{"intent": "transfer", "amount": -5.0})
	if res.Allowed {
		t.Fatal("expected negative amount to fail > 0 constraint")
	}
}

func TestEvaluate_FieldConstraintMinMaxLen(t *testing.T) {
	e := NewEngine(Policy{FieldConstraints: []FieldConstraint{
		{Path: "/reason", Op: OpMinLen, Value: 5.0},
	}})
	res := e.Evaluate(map[string]any{"intent": "echo", "reason": "hi"})
	if res.Allowed {
		t.Fatal("expected short reason to fail min_len")
	}
}

func TestEvaluate_FieldConstraintUnknownOp(t *testing.T) {
	e := NewEngine(Policy{FieldConstraints: []FieldConstraint{
		{Path: "/x", Op: "regex_match"},
	}})
	res := e.Evaluate(map[string]any{"intent": "echo", "x": "v"})
	if res.Allowed {
		t.Fatal("expected unknown op to be a violation")
	}
	if res.Violations[0].Code != "constraint.unknown_op" {
		t.Fatalf("expected constraint.unknown_op, got %+v", res.Violations)
	}
}

func TestEvaluate_NeverMutatesInput(t *testing.T) {
	e := NewEngine(Policy{DenyIntents: []string{"x"}})
	payload := map[string]any{"intent": "echo", "n": 1}
	_ = e.Evaluate(payload)
	if len(payload) != 2 || payload["n"] != 1 {
		t.Fatalf("expected payload untouched, got %+v", payload)
	}
}
