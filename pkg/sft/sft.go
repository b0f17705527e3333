// Package sft implements the SFT (Semantic Function Type) registry: named
// validators identified by an sft_id string, with a small set of built-ins
// and support for external registration.
package sft

import (
	"fmt"
	"sort"
	"sync"
)

// Violation describes one field-level validation failure.
type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is the normalized outcome of a validator run. An empty Violations
// slice always means ok, regardless of what produced it — this is the single
// normalized return type that stands in for the duck-typed shapes (None,
// bool, list, tuple, dict) that looser validator ecosystems return.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

func ok() Result { return Result{OK: true} }

func fail(v ...Violation) Result { return Result{OK: false, Violations: v} }

// Validator validates a decoded payload and returns a normalized Result.
type Validator func(payload map[string]interface{}) Result

// Registry is a string-keyed set of named validators. The zero value is not
// usable; use NewRegistry.
type Registry struct {
	mu  sync.RWMutex
	set map[string]Validator
}

// NewRegistry returns a Registry seeded with the built-in validators.
func NewRegistry() *Registry {
	r := &Registry{set: map[string]Validator{}}
	r.Clear()
	return r
}

// Register adds or replaces the validator for sftId.
func (r *Registry) Register(sftId string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[sftId] = v
}

// Get returns the validator registered for sftId, if any.
func (r *Registry) Get(sftId string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.set[sftId]
	return v, ok
}

// Clear resets the registry back to only the built-in validators.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set = map[string]Validator{
		"core@v0.1":      validateCore,
		"alpha@v1":       validateAlpha,
		"beta@v1":        validateBeta,
		"odin.task@v1":   validateOdinTask,
		"openai.tool@v1": validateOpenAITool,
	}
}

// Names returns the currently registered sft_ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.set))
	for k := range r.set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate runs the validator registered for sftId against payload. Unknown
// sft_ids are permissive: they validate ok with no violations, since external
// callers may bind an sft_id before the corresponding validator is
// registered.
func (r *Registry) Validate(payload map[string]interface{}, sftId string) Result {
	v, found := r.Get(sftId)
	if !found {
		return ok()
	}
	return v(payload)
}

func asString(payload map[string]interface{}, field string) (string, bool) {
	raw, present := payload[field]
	if !present {
		return "", false
	}
	s, isStr := raw.(string)
	return s, isStr
}

func asBool(payload map[string]interface{}, field string) (bool, bool) {
	raw, present := payload[field]
	if !present {
		return false, false
	}
	b, isBool := raw.(bool)
	return b, isBool
}

func missingField(path, field string) Violation {
	return Violation{Path: path, Code: "missing_field", Message: fmt.Sprintf("%s is required", field)}
}

func wrongType(path, field, want string) Violation {
	return Violation{Path: path, Code: "wrong_type", Message: fmt.Sprintf("%s must be a %s", field, want)}
}

// validateCore implements core@v0.1: intent is required and must be one of a
// fixed allowed set; amount, if present, must be numeric (not a bool); units,
// if present, must be a string; ts, if present, must be a number or a string.
func validateCore(payload map[string]interface{}) Result {
	allowedIntents := map[string]bool{
		"echo": true, "translate": true, "transfer": true, "notify": true, "query": true,
	}

	var violations []Violation

	intent, isStr := asString(payload, "intent")
	if _, present := payload["intent"]; !present {
		violations = append(violations, missingField("intent", "intent"))
	} else if !isStr || intent == "" {
		violations = append(violations, wrongType("intent", "intent", "non-empty string"))
	} else if !allowedIntents[intent] {
		violations = append(violations, Violation{Path: "intent", Code: "invalid_value", Message: fmt.Sprintf("intent %q is not allowed", intent)})
	}

	if raw, present := payload["amount"]; present {
		if _, isBool := raw.(bool); isBool {
			violations = append(violations, wrongType("amount", "amount", "number"))
		} else if !isNumber(raw) {
			violations = append(violations, wrongType("amount", "amount", "number"))
		}
	}

	if raw, present := payload["units"]; present {
		if _, isStr := raw.(string); !isStr {
			violations = append(violations, wrongType("units", "units", "string"))
		}
	}

	if raw, present := payload["ts"]; present {
		_, isStr := raw.(string)
		if !isStr && !isNumber(raw) {
			violations = append(violations, wrongType("ts", "ts", "number or string"))
		}
	}

	if len(violations) > 0 {
		return fail(violations...)
	}
	return ok()
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return numberLike(v)
	}
}

// numberLike handles json.Number and other stringly-typed numeric
// encodings that survive a generic JSON decode.
func numberLike(v interface{}) bool {
	type numberer interface{ String() string }
	_, ok := v.(numberer)
	return ok
}

// validateAlpha implements alpha@v1: alpha.ask requires ask+reason strings;
// alpha.result requires answer string and ok bool. Any other intent is
// rejected outright.
func validateAlpha(payload map[string]interface{}) Result {
	intent, _ := asString(payload, "intent")
	var violations []Violation

	switch intent {
	case "alpha.ask":
		if _, isStr := asString(payload, "ask"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "ask", "string"))
		}
		if _, isStr := asString(payload, "reason"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "reason", "string"))
		}
	case "alpha.result":
		if _, isStr := asString(payload, "answer"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "answer", "string"))
		}
		if _, isBool := asBool(payload, "ok"); !isBool {
			violations = append(violations, missingOrWrongType(payload, "ok", "bool"))
		}
	default:
		violations = append(violations, Violation{Path: "intent", Code: "invalid_value", Message: fmt.Sprintf("unsupported alpha intent %q", intent)})
	}

	if len(violations) > 0 {
		return fail(violations...)
	}
	return ok()
}

// validateBeta implements beta@v1: beta.request requires prompt+why
// strings; beta.reply requires output string and success bool.
func validateBeta(payload map[string]interface{}) Result {
	intent, _ := asString(payload, "intent")
	var violations []Violation

	switch intent {
	case "beta.request":
		if _, isStr := asString(payload, "prompt"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "prompt", "string"))
		}
		if _, isStr := asString(payload, "why"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "why", "string"))
		}
	case "beta.reply":
		if _, isStr := asString(payload, "output"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "output", "string"))
		}
		if _, isBool := asBool(payload, "success"); !isBool {
			violations = append(violations, missingOrWrongType(payload, "success", "bool"))
		}
	default:
		violations = append(violations, Violation{Path: "intent", Code: "invalid_value", Message: fmt.Sprintf("unsupported beta intent %q", intent)})
	}

	if len(violations) > 0 {
		return fail(violations...)
	}
	return ok()
}

// validateOdinTask implements odin.task@v1: odin.task.request requires
// task+args (reason optional); odin.task.reply requires ok, plus result when
// ok is truthy.
func validateOdinTask(payload map[string]interface{}) Result {
	intent, _ := asString(payload, "intent")
	var violations []Violation

	switch intent {
	case "odin.task.request":
		if _, isStr := asString(payload, "task"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "task", "string"))
		}
		if _, present := payload["args"]; !present {
			violations = append(violations, missingField("args", "args"))
		}
	case "odin.task.reply":
		okVal, isBool := asBool(payload, "ok")
		if !isBool {
			violations = append(violations, missingOrWrongType(payload, "ok", "bool"))
		}
		if okVal {
			if _, present := payload["result"]; !present {
				violations = append(violations, missingField("result", "result"))
			}
		}
	default:
		violations = append(violations, Violation{Path: "intent", Code: "invalid_value", Message: fmt.Sprintf("unsupported odin.task intent %q", intent)})
	}

	if len(violations) > 0 {
		return fail(violations...)
	}
	return ok()
}

// validateOpenAITool implements openai.tool@v1: openai.tool.call requires
// tool_name+arguments (reason optional); openai.tool.result requires ok
// (content optional).
func validateOpenAITool(payload map[string]interface{}) Result {
	intent, _ := asString(payload, "intent")
	var violations []Violation

	switch intent {
	case "openai.tool.call":
		if _, isStr := asString(payload, "tool_name"); !isStr {
			violations = append(violations, missingOrWrongType(payload, "tool_name", "string"))
		}
		if _, present := payload["arguments"]; !present {
			violations = append(violations, missingField("arguments", "arguments"))
		}
	case "openai.tool.result":
		if _, isBool := asBool(payload, "ok"); !isBool {
			violations = append(violations, missingOrWrongType(payload, "ok", "bool"))
		}
	default:
		violations = append(violations, Violation{Path: "intent", Code: "invalid_value", Message: fmt.Sprintf("unsupported openai.tool intent %q", intent)})
	}

	if len(violations) > 0 {
		return fail(violations...)
	}
	return ok()
}

func missingOrWrongType(payload map[string]interface{}, field, want string) Violation {
	if _, present := payload[field]; !present {
		return missingField(field, field)
	}
	return wrongType(field, field, want)
}
