// Package canonical implements ODIN's deterministic byte representation
// ("OML": the ODIN Message Layer) used for hashing, signing, and content
// addressing throughout the gateway.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// Supported canonicalization algorithm identifiers.
const (
	AlgJSON = "json/nfc/no_ws/sort_keys"
	AlgCBOR = "cbor/canonical"
)

// Error is a structured canonicalization failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func errUnsupportedAlg(alg string) *Error {
	return &Error{Code: "canon.unsupported_alg", Message: fmt.Sprintf("unsupported canonicalization algorithm %q", alg)}
}

func errCycle() *Error {
	return &Error{Code: "canon.cycle", Message: "cyclic reference detected in payload graph"}
}

// Canonicalize walks v recursively and emits deterministic bytes per alg.
// For AlgJSON: NFC-normalizes all string values and keys, sorts object keys
// by Unicode code point, emits no insignificant whitespace and no trailing
// newline. For AlgCBOR: RFC 7049 §3.9 canonical CBOR encoding (map keys
// ordered shortest encoded key first, then bytewise).
func Canonicalize(v interface{}, alg string) ([]byte, error) {
	switch alg {
	case "", AlgJSON:
		generic, err := toGeneric(v)
		if err != nil {
			return nil, err
		}
		if err := detectCycle(generic, nil); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := marshalJSON(&buf, generic); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgCBOR:
		generic, err := toGeneric(v)
		if err != nil {
			return nil, err
		}
		if err := detectCycle(generic, nil); err != nil {
			return nil, err
		}
		opts := cbor.CanonicalEncOptions()
		em, err := opts.EncMode()
		if err != nil {
			return nil, &Error{Code: "canon.internal", Message: err.Error()}
		}
		out, err := em.Marshal(normalizeForCBOR(generic))
		if err != nil {
			return nil, &Error{Code: "canon.internal", Message: err.Error()}
		}
		return out, nil
	default:
		return nil, errUnsupportedAlg(alg)
	}
}

// CID returns the BLAKE3-256 content identifier of data: lowercase base32
// without padding, prefixed with "b" (multibase-like), per spec §3.
func CID(data []byte) string {
	sum := blake3.Sum256(data)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return "b" + toLower(enc.EncodeToString(sum[:]))
}

// SHA256 returns the raw 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Base64URL returns the base64url-nopad SHA-256 digest of data.
func SHA256Base64URL(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// toGeneric round-trips v through encoding/json with UseNumber so that
// struct field tags are honored but the resulting tree is made of the
// generic types our recursive marshaler understands (nil, bool,
// json.Number, string, []interface{}, map[string]interface{}).
func toGeneric(v interface{}) (interface{}, error) {
	if err := detectCycle(v, nil); err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Code: "canon.marshal_failed", Message: err.Error()}
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &Error{Code: "canon.decode_failed", Message: err.Error()}
	}
	return generic, nil
}

// detectCycle guards against self-referential graphs built by callers out
// of native Go maps/slices (impossible from a plain json.Unmarshal, but
// reachable if a caller hand-assembles a payload). Ancestor identity is
// tracked by the map/slice header pointer.
func detectCycle(v interface{}, ancestors []uintptr) error {
	switch t := v.(type) {
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		for _, a := range ancestors {
			if a == ptr {
				return errCycle()
			}
		}
		next := append(ancestors, ptr)
		for _, val := range t {
			if err := detectCycle(val, next); err != nil {
				return err
			}
		}
	case []interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		for _, a := range ancestors {
			if a == ptr {
				return errCycle()
			}
		}
		next := append(ancestors, ptr)
		for _, val := range t {
			if err := detectCycle(val, next); err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalJSON(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case string:
		return marshalJSONString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalJSON(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		origByNorm := make(map[string][]string, len(t))
		for k := range t {
			normKey := norm.NFC.String(k)
			origByNorm[normKey] = append(origByNorm[normKey], k)
		}
		keys := make([]string, 0, len(origByNorm))
		for k, origs := range origByNorm {
			if len(origs) > 1 {
				return &Error{Code: "canon.duplicate_key", Message: fmt.Sprintf("keys %q normalize to the same NFC form %q", origs, k)}
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalJSON(buf, t[origByNorm[k][0]]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return &Error{Code: "canon.unsupported_type", Message: fmt.Sprintf("cannot canonicalize %T", v)}
	}
}

func marshalJSONString(buf *bytes.Buffer, s string) error {
	s = norm.NFC.String(s)
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &Error{Code: "canon.marshal_failed", Message: err.Error()}
	}
	buf.Write(bytes.TrimSuffix(sb.Bytes(), []byte{'\n'}))
	return nil
}

// normalizeForCBOR converts json.Number leaves into int64/float64 since the
// CBOR encoder does not understand json.Number directly.
func normalizeForCBOR(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeForCBOR(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = normalizeForCBOR(e)
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return t
	}
}
