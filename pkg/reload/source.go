package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads an asset's body from a local file. Its ETag is the
// hex SHA-256 of the file content, so unchanged content never triggers a
// swap even across process restarts.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, "", fmt.Errorf("reload: read %s: %w", s.Path, err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// StaticSource always returns the same body with a fixed ETag, useful for
// tests and for embedding a baked-in default asset.
type StaticSource struct {
	Body []byte
	ETag string
}

func (s StaticSource) Fetch(_ context.Context) ([]byte, string, error) {
	return s.Body, s.ETag, nil
}

// ParseYAML decodes a YAML body into out via a JSON round-trip, matching
// the rest of the codebase's map[string]any-first canonicalization style
// rather than adding yaml struct tags throughout pkg/hel and pkg/translate.
func ParseYAML(body []byte, out any) error {
	var raw any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("reload: parse yaml: %w", err)
	}
	normalized := normalizeYAMLValue(raw)
	asJSON, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("reload: re-marshal yaml as json: %w", err)
	}
	if err := json.Unmarshal(asJSON, out); err != nil {
		return fmt.Errorf("reload: decode into target: %w", err)
	}
	return nil
}

// normalizeYAMLValue converts the map[string]interface{} / map[interface{}]interface{}
// shapes yaml.v3 can produce into JSON-marshalable map[string]any trees.
func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	default:
		return t
	}
}
