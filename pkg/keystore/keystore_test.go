package keystore

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func genKeyPair(t *testing.T, kid string) KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return KeyPair{Kid: kid, Priv: priv, Pub: pub}
}

func TestKeyRing_AddAndResolve(t *testing.T) {
	ring := NewKeyRing()
	kp := genKeyPair(t, "k1")
	if err := ring.AddKey(kp); err != nil {
		t.Fatal(err)
	}
	pub, ok := ring.Resolve("k1")
	if !ok || !pub.Equal(kp.Pub) {
		t.Fatal("expected to resolve k1")
	}
	if _, ok := ring.Resolve("missing"); ok {
		t.Fatal("expected missing kid to not resolve")
	}
}

func TestKeyRing_DuplicateKidRejected(t *testing.T) {
	ring := NewKeyRing()
	kp1 := genKeyPair(t, "k1")
	kp2 := genKeyPair(t, "k1")
	if err := ring.AddKey(kp1); err != nil {
		t.Fatal(err)
	}
	if err := ring.AddKey(kp2); err != ErrDuplicateKid {
		t.Fatalf("expected ErrDuplicateKid, got %v", err)
	}
}

func TestKeyRing_DuplicateKeyRejected(t *testing.T) {
	ring := NewKeyRing()
	kp1 := genKeyPair(t, "k1")
	kp2 := kp1
	kp2.Kid = "k2"
	if err := ring.AddKey(kp1); err != nil {
		t.Fatal(err)
	}
	if err := ring.AddKey(kp2); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestKeyRing_ActivePrefersExplicitKid(t *testing.T) {
	ring := NewKeyRing()
	a := genKeyPair(t, "zzz")
	b := genKeyPair(t, "aaa")
	_ = ring.AddKey(a)
	_ = ring.AddKey(b)
	if err := ring.SetActiveKid("zzz"); err != nil {
		t.Fatal(err)
	}
	active, ok := ring.Active()
	if !ok || active.Kid != "zzz" {
		t.Fatalf("expected active kid zzz, got %+v", active)
	}
}

func TestKeyRing_ActiveFallsBackToSmallestKid(t *testing.T) {
	ring := NewKeyRing()
	a := genKeyPair(t, "zzz")
	b := genKeyPair(t, "aaa")
	_ = ring.AddKey(a)
	_ = ring.AddKey(b)
	active, ok := ring.Active()
	if !ok || active.Kid != "aaa" {
		t.Fatalf("expected lexicographically smallest kid aaa, got %+v", active)
	}
}

func TestKeyRing_ToJWKSAndParseRoundTrip(t *testing.T) {
	ring := NewKeyRing()
	kp := genKeyPair(t, "k1")
	_ = ring.AddKey(kp)

	data, err := ring.ToJWKS()
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := ParseJWKS(data)
	if err != nil {
		t.Fatal(err)
	}
	pub, ok := resolver.Resolve("k1")
	if !ok || !pub.Equal(kp.Pub) {
		t.Fatal("expected round-tripped jwks to resolve k1 to the same public key")
	}
}

func TestParseJWKS_RejectsDuplicateKid(t *testing.T) {
	raw := []byte(`{"keys":[
		{"kty":"OKP","crv":"Ed25519","x":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","kid":"k1","alg":"EdDSA","use":"sig"},
		{"kty":"OKP","crv":"Ed25519","x":"AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","kid":"k1","alg":"EdDSA","use":"sig"}
	]}`)
	if _, err := ParseJWKS(raw); err == nil {
		t.Fatal("expected duplicate kid to be rejected")
	}
}

func TestLoadOrCreatePersistent_CreatesThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")

	ring1, err := LoadOrCreatePersistent(path)
	if err != nil {
		t.Fatal(err)
	}
	if ring1.Len() != 1 {
		t.Fatalf("expected 1 key generated, got %d", ring1.Len())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected keystore file to be written: %v", err)
	}

	ring2, err := LoadOrCreatePersistent(path)
	if err != nil {
		t.Fatal(err)
	}
	active1, _ := ring1.Active()
	active2, _ := ring2.Active()
	if active1.Kid != active2.Kid || !active1.Pub.Equal(active2.Pub) {
		t.Fatal("expected reloaded keystore to have the same active key")
	}
}

func TestRotate_AddsKeyWithoutInvalidatingOld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	ring, err := LoadOrCreatePersistent(path)
	if err != nil {
		t.Fatal(err)
	}
	old, _ := ring.Active()

	if _, err := Rotate(path, ring, "k2"); err != nil {
		t.Fatal(err)
	}
	active, _ := ring.Active()
	if active.Kid != "k2" {
		t.Fatalf("expected new active kid k2, got %s", active.Kid)
	}
	if _, ok := ring.Resolve(old.Kid); !ok {
		t.Fatal("expected old key to remain resolvable after rotation")
	}
}

func TestLoadSingleRawKey_Hex(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_ = pub
	encoded := hexEncode(priv)
	ring, err := LoadSingleRawKey("hexkey", encoded)
	if err != nil {
		t.Fatal(err)
	}
	active, ok := ring.Active()
	if !ok || active.Kid != "hexkey" {
		t.Fatal("expected active key hexkey")
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}
