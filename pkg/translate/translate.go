// Package translate implements the TranslationEngine: a deterministic,
// single-pass algorithm that applies a declarative SftMap to a payload and
// emits a TranslationReceipt documenting every field touched.
package translate

import (
	"fmt"
	"sort"

	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/sft"
)

// SftMap is the declarative description of one directional translation.
type SftMap struct {
	FromSFT            string              `json:"from_sft"`
	ToSFT              string              `json:"to_sft"`
	Fields             map[string]string   `json:"fields,omitempty"`
	Intents            map[string]string   `json:"intents,omitempty"`
	Const              map[string]any      `json:"const,omitempty"`
	Drop               []string            `json:"drop,omitempty"`
	Defaults           map[string]any      `json:"defaults,omitempty"`
	EnumConstraints    map[string][]any    `json:"enum_constraints,omitempty"`
	RequiredFields     []string            `json:"required_fields,omitempty"`
	CanonAlg           string              `json:"canon_alg,omitempty"`
	MinCoveragePercent float64             `json:"min_coverage_percent,omitempty"`
	EnforceCoverage    bool                `json:"enforce_coverage_gate,omitempty"`
}

// ProvenanceEntry documents one field-level effect of a translation.
type ProvenanceEntry struct {
	SourceField  string `json:"source_field,omitempty"`
	TargetField  string `json:"target_field,omitempty"`
	Operation    string `json:"operation"`
	SourceValue  any    `json:"source_value,omitempty"`
	TargetValue  any    `json:"target_value,omitempty"`
	TimestampNs  int64  `json:"timestamp_ns"`
}

// TranslationReceipt records everything a translation did, for audit and
// for chaining into a signed TransformReceipt.
type TranslationReceipt struct {
	FromSFT             string            `json:"from_sft"`
	ToSFT               string            `json:"to_sft"`
	InputCID            string            `json:"input_cid"`
	OutputCID           string            `json:"output_cid"`
	Provenance          []ProvenanceEntry `json:"provenance"`
	CoveragePercent     float64           `json:"coverage_percent"`
	RequiredFieldsMet   bool              `json:"required_fields_met"`
	TransformationCount int               `json:"transformation_count"`
	CanonAlg            string            `json:"canon_alg"`
}

// Error carries a stable code, a human message, and structured violations.
type Error struct {
	Code       string
	Message    string
	Violations []sft.Violation
}

func (e *Error) Error() string { return e.Message }

func newError(code, message string, violations []sft.Violation) *Error {
	return &Error{Code: code, Message: message, Violations: violations}
}

// NowFn supplies the current time as nanoseconds since the epoch. It is a
// variable so callers (and tests) can make provenance timestamps
// deterministic; the zero-value default calls no wall clock and must be
// set by the embedding process before Translate is used in production.
var NowFn func() int64

func now() int64 {
	if NowFn != nil {
		return NowFn()
	}
	return 0
}

// Translate runs the 12-step algorithm against payload using registry to
// validate input and output against map.FromSFT / map.ToSFT.
func Translate(registry *sft.Registry, payload map[string]any, m SftMap) (map[string]any, *TranslationReceipt, error) {
	// Step 1: validate input against from_sft.
	if res := registry.Validate(payload, m.FromSFT); !res.OK {
		return nil, nil, newError("odin.translate.input_invalid", "input payload failed from_sft validation", res.Violations)
	}

	inputCanon, err := canonicalize(payload, m.CanonAlg)
	if err != nil {
		return nil, nil, err
	}
	inputCID := canonical.CID(inputCanon)

	inputKeys := keySet(payload)

	// Step 2: deep copy.
	obj := deepCopyMap(payload)
	var provenance []ProvenanceEntry
	touched := map[string]bool{}

	// Step 3: drop.
	for _, k := range m.Drop {
		if v, present := obj[k]; present {
			delete(obj, k)
			provenance = append(provenance, ProvenanceEntry{
				SourceField: k, Operation: "drop", SourceValue: v, TimestampNs: now(),
			})
			touched[k] = true
		}
	}

	// Step 4: rename (fields).
	renameSrcs := sortedKeys(m.Fields)
	for _, src := range renameSrcs {
		dst := m.Fields[src]
		v, present := obj[src]
		if !present {
			continue
		}
		op := "rename"
		if _, collide := obj[dst]; collide && dst != src {
			op = "overwrite"
		}
		delete(obj, src)
		obj[dst] = v
		provenance = append(provenance, ProvenanceEntry{
			SourceField: src, TargetField: dst, Operation: op, SourceValue: v, TargetValue: v, TimestampNs: now(),
		})
		touched[src] = true
		touched[dst] = true
	}

	// Step 5: intent remap.
	if intentVal, present := obj["intent"]; present {
		if intentStr, isStr := intentVal.(string); isStr {
			if mapped, found := m.Intents[intentStr]; found {
				obj["intent"] = mapped
				provenance = append(provenance, ProvenanceEntry{
					SourceField: "intent", TargetField: "intent", Operation: "intent",
					SourceValue: intentStr, TargetValue: mapped, TimestampNs: now(),
				})
				touched["intent"] = true
			}
		}
	}

	// Step 6: const.
	for _, k := range sortedKeys(m.Const) {
		v := m.Const[k]
		obj[k] = v
		provenance = append(provenance, ProvenanceEntry{
			TargetField: k, Operation: "const", TargetValue: v, TimestampNs: now(),
		})
		touched[k] = true
	}

	// Step 7: defaults.
	for _, k := range sortedKeys(m.Defaults) {
		v := m.Defaults[k]
		existing, present := obj[k]
		if !present || existing == nil {
			obj[k] = v
			provenance = append(provenance, ProvenanceEntry{
				TargetField: k, Operation: "default", TargetValue: v, TimestampNs: now(),
			})
			touched[k] = true
		}
	}

	// Step 8: enum_constraints.
	var enumViolations []sft.Violation
	for _, field := range sortedKeys(m.EnumConstraints) {
		allowed := m.EnumConstraints[field]
		v, present := obj[field]
		if !present {
			continue
		}
		if !containsValue(allowed, v) {
			enumViolations = append(enumViolations, sft.Violation{
				Path: "/" + field, Code: "enum_violation",
				Message: fmt.Sprintf("%v is not an allowed value for %s", v, field),
			})
		}
	}
	if len(enumViolations) > 0 {
		return nil, nil, newError("odin.translate.enum_violation", "one or more fields violated enum constraints", enumViolations)
	}

	// Step 9: required_fields.
	var missing []sft.Violation
	for _, field := range m.RequiredFields {
		v, present := obj[field]
		if !present || v == nil {
			missing = append(missing, sft.Violation{Path: "/" + field, Code: "missing_field", Message: field + " is required in output"})
		}
	}
	requiredMet := len(missing) == 0
	if !requiredMet {
		return nil, nil, newError("odin.translate.required_missing", "one or more required output fields are missing", missing)
	}

	// Step 10: coverage.
	outputKeys := keySet(obj)
	coverage := fieldCoveragePercent(inputKeys, outputKeys)
	if m.EnforceCoverage && coverage < m.MinCoveragePercent {
		return nil, nil, newError("odin.translate.insufficient_coverage",
			fmt.Sprintf("coverage %.1f%% is below required %.1f%%", coverage, m.MinCoveragePercent), nil)
	}

	// Step 11: validate output.
	if res := registry.Validate(obj, m.ToSFT); !res.OK {
		return nil, nil, newError("odin.translate.output_invalid", "output payload failed to_sft validation", res.Violations)
	}

	outputCanon, err := canonicalize(obj, m.CanonAlg)
	if err != nil {
		return nil, nil, err
	}
	outputCID := canonical.CID(outputCanon)

	// Step 12: passthrough entries + count + receipt.
	transformCount := len(provenance)
	for _, k := range sortedKeys(payload) {
		if !touched[k] {
			provenance = append(provenance, ProvenanceEntry{
				SourceField: k, TargetField: k, Operation: "passthrough",
				SourceValue: payload[k], TargetValue: obj[k], TimestampNs: now(),
			})
		}
	}

	receipt := &TranslationReceipt{
		FromSFT:             m.FromSFT,
		ToSFT:               m.ToSFT,
		InputCID:            inputCID,
		OutputCID:           outputCID,
		Provenance:          provenance,
		CoveragePercent:     coverage,
		RequiredFieldsMet:   requiredMet,
		TransformationCount: transformCount,
		CanonAlg:            m.CanonAlg,
	}
	return obj, receipt, nil
}

func canonicalize(v map[string]any, alg string) ([]byte, error) {
	if alg == "" {
		alg = canonical.AlgJSON
	}
	return canonical.Canonicalize(v, alg)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func keySet(m map[string]any) map[string]bool {
	set := make(map[string]bool, len(m))
	for k := range m {
		set[k] = true
	}
	return set
}

// fieldCoveragePercent returns |input ∩ output| / |input| as a 0-100
// percentage; 100 when input is empty.
func fieldCoveragePercent(input, output map[string]bool) float64 {
	if len(input) == 0 {
		return 100.0
	}
	shared := 0
	for k := range input {
		if output[k] {
			shared++
		}
	}
	return float64(shared) / float64(len(input)) * 100.0
}

func containsValue(allowed []any, v any) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
