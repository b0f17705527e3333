package receipt

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/odin-gateway/odin/pkg/storage"
)

func TestBuild_DeterministicForSameInputs(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = pub
	in := BuildInput{
		InputObj:   map[string]any{"intent": "echo"},
		OutputObj:  map[string]any{"intent": "echo"},
		SftFrom:    "core@v0.1",
		SftTo:      "core@v0.1",
		MapObj:     map[string]any{"from_sft": "core@v0.1", "to_sft": "core@v0.1"},
		MapID:      "identity-map",
		Signer:     priv,
		SigningKid: "k1",
	}

	rec1, key1, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}
	rec2, key2, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}
	if key1 != key2 {
		t.Fatalf("expected deterministic key, got %s vs %s", key1, key2)
	}
	if rec1.Subject.InputSHA256B64U != rec2.Subject.InputSHA256B64U {
		t.Fatal("expected deterministic input hash")
	}
	if rec1.LinkageHashB64U != rec2.LinkageHashB64U {
		t.Fatal("expected deterministic linkage hash")
	}
}

func TestBuild_KeyedByOutputSHA256NotBlake3(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	in := BuildInput{
		InputObj:   map[string]any{"a": 1},
		OutputObj:  map[string]any{"a": 1},
		MapObj:     map[string]any{},
		MapID:      "m",
		Signer:     priv,
		SigningKid: "k1",
	}
	rec, key, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}
	expected := "receipts/transform/" + rec.Subject.OutputSHA256B64U + ".json"
	if key != expected {
		t.Fatalf("expected key %s, got %s", expected, key)
	}
}

func TestBuild_LinkageHashChangesWithMap(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	base := BuildInput{
		InputObj:  map[string]any{"a": 1},
		OutputObj: map[string]any{"a": 1},
		MapObj:    map[string]any{"x": 1},
		MapID:     "m1", Signer: priv, SigningKid: "k1",
	}
	rec1, _, err := Build(base)
	if err != nil {
		t.Fatal(err)
	}

	base.MapObj = map[string]any{"x": 2}
	rec2, _, err := Build(base)
	if err != nil {
		t.Fatal(err)
	}
	if rec1.LinkageHashB64U == rec2.LinkageHashB64U {
		t.Fatal("expected different map content to change the linkage hash")
	}
}

func TestPersist_IdempotentByDefault(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	store := storage.NewMemoryStore()
	builder := NewBuilder(store)
	in := BuildInput{
		InputObj: map[string]any{"a": 1}, OutputObj: map[string]any{"a": 1},
		MapObj: map[string]any{}, MapID: "m", Signer: priv, SigningKid: "k1",
	}
	rec, key, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := builder.Persist(ctx, rec, key, PersistOptions{}); err != nil {
		t.Fatal(err)
	}
	rec.LinkageHashB64U = "tampered"
	if _, err := builder.Persist(ctx, rec, key, PersistOptions{}); err != nil {
		t.Fatal(err)
	}

	stored, err := builder.Get(ctx, rec.Subject.OutputSHA256B64U)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LinkageHashB64U == "tampered" {
		t.Fatal("expected idempotent persist to not overwrite the first write")
	}
}

func TestPersist_AllowOverwrite(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	store := storage.NewMemoryStore()
	builder := NewBuilder(store)
	in := BuildInput{
		InputObj: map[string]any{"a": 1}, OutputObj: map[string]any{"a": 1},
		MapObj: map[string]any{}, MapID: "m", Signer: priv, SigningKid: "k1",
	}
	rec, key, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := builder.Persist(ctx, rec, key, PersistOptions{}); err != nil {
		t.Fatal(err)
	}
	rec.Envelope.Kid = "k2"
	if _, err := builder.Persist(ctx, rec, key, PersistOptions{AllowOverwrite: true}); err != nil {
		t.Fatal(err)
	}

	stored, err := builder.Get(ctx, rec.Subject.OutputSHA256B64U)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Envelope.Kid != "k2" {
		t.Fatalf("expected overwrite to take effect, got kid=%s", stored.Envelope.Kid)
	}
}
