// Package hel implements the Host Egress Limitation policy engine: glob
// allow/deny checks over signing keys and JWKS hosts (the metadata stage),
// and intent/field-constraint evaluation over payload content (the content
// stage).
package hel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// FieldConstraint is one content-stage rule, applied to payload nodes whose
// top-level intent matches WhenIntent (or unconditionally if WhenIntent is
// empty).
type FieldConstraint struct {
	WhenIntent string `json:"when_intent,omitempty"`
	Path       string `json:"path"`
	Op         string `json:"op"`
	Value      any    `json:"value,omitempty"`
}

// Supported field constraint operators.
const (
	OpPresent  = "present"
	OpAbsent   = "absent"
	OpMinLen   = "min_len"
	OpMaxLen   = "max_len"
	OpEq       = "=="
	OpNeq      = "!="
	OpLt       = "<"
	OpLte      = "<="
	OpGt       = ">"
	OpGte      = ">="
)

// Policy is the declarative HEL policy document.
type Policy struct {
	AllowKids              []string          `json:"allow_kids,omitempty"`
	DenyKids               []string          `json:"deny_kids,omitempty"`
	AllowedJWKSHosts       []string          `json:"allowed_jwks_hosts,omitempty"`
	AllowIntents           []string          `json:"allow_intents,omitempty"`
	DenyIntents            []string          `json:"deny_intents,omitempty"`
	RequireReasonForIntents []string         `json:"require_reason_for_intents,omitempty"`
	FieldConstraints       []FieldConstraint `json:"field_constraints,omitempty"`
}

// Violation is one content-stage policy failure.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// PolicyResult is the outcome of a content-stage evaluation.
type PolicyResult struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Engine evaluates a Policy against kids, JWKS hosts, and payload content.
// It caches compiled glob patterns so repeated evaluations against the same
// policy don't recompile regexes on every call.
type Engine struct {
	mu     sync.RWMutex
	policy Policy
	cache  map[string]*regexp.Regexp
}

// NewEngine returns an Engine evaluating policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy, cache: map[string]*regexp.Regexp{}}
}

// SetPolicy atomically replaces the active policy.
func (e *Engine) SetPolicy(policy Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
	e.cache = map[string]*regexp.Regexp{}
}

func (e *Engine) compile(glob string) *regexp.Regexp {
	e.mu.RLock()
	if re, found := e.cache[glob]; found {
		e.mu.RUnlock()
		return re
	}
	e.mu.RUnlock()

	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(glob), "\\*", ".*") + "$"
	re := regexp.MustCompile(pattern)

	e.mu.Lock()
	e.cache[glob] = re
	e.mu.Unlock()
	return re
}

func (e *Engine) matchesAny(globs []string, value string) bool {
	for _, g := range globs {
		if e.compile(g).MatchString(value) {
			return true
		}
	}
	return false
}

// KidAllowed applies the metadata-stage deny-then-allow rule for a signing
// kid. With no allow_kids configured, the default allowlist is ["*"].
func (e *Engine) KidAllowed(kid string) bool {
	e.mu.RLock()
	deny, allow := e.policy.DenyKids, e.policy.AllowKids
	e.mu.RUnlock()

	if e.matchesAny(deny, kid) {
		return false
	}
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	return e.matchesAny(allow, kid)
}

// HostAllowed mirrors KidAllowed for JWKS hosts.
func (e *Engine) HostAllowed(host string) bool {
	e.mu.RLock()
	allow := e.policy.AllowedJWKSHosts
	e.mu.RUnlock()
	if len(allow) == 0 {
		return true
	}
	return e.matchesAny(allow, host)
}

type intentOccurrence struct {
	path   string
	intent string
	node   map[string]any
}

// Evaluate walks payload for intent-bearing nodes, applies intent and
// field-constraint rules, and returns the aggregate result. It never
// mutates payload.
func (e *Engine) Evaluate(payload map[string]any) PolicyResult {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()

	var occurrences []intentOccurrence
	collectIntents("", payload, &occurrences)

	var violations []Violation
	for _, occ := range occurrences {
		if e.matchesAny(policy.DenyIntents, occ.intent) {
			violations = append(violations, Violation{Code: "intent.denied", Message: fmt.Sprintf("intent %q is denied", occ.intent), Path: occ.path})
		} else if len(policy.AllowIntents) > 0 && !e.matchesAny(policy.AllowIntents, occ.intent) {
			violations = append(violations, Violation{Code: "intent.not_allowed", Message: fmt.Sprintf("intent %q is not allowed", occ.intent), Path: occ.path})
		}
		if e.matchesAny(policy.RequireReasonForIntents, occ.intent) {
			if !hasNonEmptyStringReason(occ.node) {
				violations = append(violations, Violation{Code: "reason.required", Message: fmt.Sprintf("intent %q requires a reason or why field", occ.intent), Path: occ.path})
			}
		}
	}

	topIntent, _ := payload["intent"].(string)
	for _, fc := range policy.FieldConstraints {
		if fc.WhenIntent != "" && fc.WhenIntent != topIntent {
			continue
		}
		if v := evalFieldConstraint(payload, fc); v != nil {
			violations = append(violations, *v)
		}
	}

	return PolicyResult{Allowed: len(violations) == 0, Violations: violations}
}

func hasNonEmptyStringReason(node map[string]any) bool {
	for _, key := range []string{"reason", "why"} {
		if s, ok := node[key].(string); ok && s != "" {
			return true
		}
	}
	return false
}

func collectIntents(path string, v any, out *[]intentOccurrence) {
	switch t := v.(type) {
	case map[string]any:
		if intent, ok := t["intent"].(string); ok {
			*out = append(*out, intentOccurrence{path: path, intent: intent, node: t})
		}
		for _, k := range sortedStringKeys(t) {
			collectIntents(path+"/"+k, t[k], out)
		}
	case []any:
		for i, e := range t {
			collectIntents(fmt.Sprintf("%s/%d", path, i), e, out)
		}
	}
}

func sortedStringKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// deterministic traversal order; exact order is not policy-significant
	// but stable output aids reproducible violation lists.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// resolvePointer resolves a JSON-Pointer-like path ("/a/b" or "a.b") against
// root, returning the value and whether it was found.
func resolvePointer(root map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(path, "/")
	var parts []string
	if strings.Contains(path, "/") {
		parts = strings.Split(path, "/")
	} else {
		parts = strings.Split(path, ".")
	}

	var cur any = root
	for _, part := range parts {
		if part == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[part]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func evalFieldConstraint(root map[string]any, fc FieldConstraint) *Violation {
	value, present := resolvePointer(root, fc.Path)

	switch fc.Op {
	case OpPresent:
		if !present {
			return &Violation{Code: "field.missing", Message: fc.Path + " is required", Path: fc.Path}
		}
		return nil
	case OpAbsent:
		if present {
			return &Violation{Code: "field.forbidden", Message: fc.Path + " must be absent", Path: fc.Path}
		}
		return nil
	}

	if !present {
		return &Violation{Code: "field.missing", Message: fc.Path + " is required for constraint " + fc.Op, Path: fc.Path}
	}

	switch fc.Op {
	case OpMinLen, OpMaxLen:
		n, ok := lengthOf(value)
		if !ok {
			return &Violation{Code: "type.mismatch", Message: fc.Path + " does not support length constraints", Path: fc.Path}
		}
		want, ok := toFloat(fc.Value)
		if !ok {
			return &Violation{Code: "constraint.failed", Message: fc.Path + " constraint value is not numeric", Path: fc.Path}
		}
		if fc.Op == OpMinLen && float64(n) < want {
			return &Violation{Code: "constraint.failed", Message: fmt.Sprintf("%s length %d is below min_len %v", fc.Path, n, fc.Value), Path: fc.Path}
		}
		if fc.Op == OpMaxLen && float64(n) > want {
			return &Violation{Code: "constraint.failed", Message: fmt.Sprintf("%s length %d exceeds max_len %v", fc.Path, n, fc.Value), Path: fc.Path}
		}
		return nil
	case OpEq, OpNeq:
		eq := valuesEqual(value, fc.Value)
		if fc.Op == OpEq && !eq {
			return &Violation{Code: "constraint.failed", Message: fmt.Sprintf("%s != %v", fc.Path, fc.Value), Path: fc.Path}
		}
		if fc.Op == OpNeq && eq {
			return &Violation{Code: "constraint.failed", Message: fmt.Sprintf("%s == %v", fc.Path, fc.Value), Path: fc.Path}
		}
		return nil
	case OpLt, OpLte, OpGt, OpGte:
		got, ok1 := toFloat(value)
		want, ok2 := toFloat(fc.Value)
		if !ok1 || !ok2 {
			return &Violation{Code: "type.mismatch", Message: fc.Path + " requires numeric comparison", Path: fc.Path}
		}
		var ok bool
		switch fc.Op {
		case OpLt:
			ok = got < want
		case OpLte:
			ok = got <= want
		case OpGt:
			ok = got > want
		case OpGte:
			ok = got >= want
		}
		if !ok {
			return &Violation{Code: "constraint.failed", Message: fmt.Sprintf("%s=%v fails %s %v", fc.Path, value, fc.Op, fc.Value), Path: fc.Path}
		}
		return nil
	default:
		return &Violation{Code: "constraint.unknown_op", Message: "unknown operator " + fc.Op, Path: fc.Path}
	}
}

func lengthOf(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []any:
		return len(t), true
	case map[string]any:
		return len(t), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}
