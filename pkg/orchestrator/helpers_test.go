package orchestrator

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/odin-gateway/odin/pkg/keystore"
)

func mustInlineJWKS(t *testing.T, ring *keystore.KeyRing) json.RawMessage {
	t.Helper()
	data, err := ring.ToJWKS()
	if err != nil {
		t.Fatal(err)
	}
	return json.RawMessage(data)
}

func jsonUnmarshal(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func bytesReader(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}
