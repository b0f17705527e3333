package proofenv

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/keystore"
	"github.com/odin-gateway/odin/pkg/ope"
)

type stubFetcher struct {
	calls int
	body  []byte
	etag  string
	err   error
}

func (f *stubFetcher) Fetch(url string) ([]byte, string, error) {
	f.calls++
	return f.body, f.etag, f.err
}

func buildSignedEnvelope(t *testing.T, content []byte) (Envelope, *keystore.KeyRing) {
	t.Helper()
	ring := keystore.NewKeyRing()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ring.AddKey(keystore.KeyPair{Kid: "k1", Priv: priv, Pub: pub}); err != nil {
		t.Fatal(err)
	}
	cid := canonical.CID(content)
	rec := ope.Sign(priv, "k1", content, cid)
	jwks, err := ring.ToJWKS()
	if err != nil {
		t.Fatal(err)
	}
	return Envelope{
		OmlCID:     cid,
		Kid:        "k1",
		OPE:        rec,
		JWKSInline: jwks,
	}, ring
}

func TestVerify_InlineJWKSHappyPath(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, _ := buildSignedEnvelope(t, content)
	v := NewVerifier(nil, "")

	res := v.Verify(env, content)
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.Kid != "k1" {
		t.Fatalf("expected kid k1, got %+v", res)
	}
}

func TestVerify_CIDMismatch(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, _ := buildSignedEnvelope(t, content)
	v := NewVerifier(nil, "")

	res := v.Verify(env, []byte(`{"intent":"tampered"}`))
	if res.OK || res.Reason != "cid_mismatch" {
		t.Fatalf("expected cid_mismatch, got %+v", res)
	}
}

func TestVerify_OmlCB64Decoded(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, _ := buildSignedEnvelope(t, content)
	env.OmlCB64 = "eyJpbnRlbnQiOiJlY2hvIn0" // base64url-nopad of the same content
	v := NewVerifier(nil, "")

	res := v.Verify(env, nil)
	if !res.OK {
		t.Fatalf("expected ok decoding from oml_c_b64, got %+v", res)
	}
}

func TestVerify_MissingContentWithoutInlineBytes(t *testing.T) {
	env := Envelope{OmlCID: "bxxxx", Kid: "k1"}
	v := NewVerifier(nil, "")
	res := v.Verify(env, nil)
	if res.OK || res.Reason != "content_required" {
		t.Fatalf("expected content_required, got %+v", res)
	}
}

func TestVerify_JWKSURLFetchedAndCached(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, ring := buildSignedEnvelope(t, content)
	jwks, _ := ring.ToJWKS()
	env.JWKSInline = nil
	env.JWKSURL = "https://issuer.example/.well-known/jwks.json"

	fetcher := &stubFetcher{body: jwks, etag: "etag-1"}
	v := NewVerifier(fetcher, "")

	res := v.Verify(env, content)
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.calls)
	}

	// Second verify within TTL should hit the cache, not re-fetch.
	res = v.Verify(env, content)
	if !res.OK {
		t.Fatalf("expected ok on second verify, got %+v", res)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected cached fetch to avoid a second network call, got %d calls", fetcher.calls)
	}
}

func TestVerify_JWKSCacheExpires(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, ring := buildSignedEnvelope(t, content)
	jwks, _ := ring.ToJWKS()
	env.JWKSInline = nil
	env.JWKSURL = "https://issuer.example/.well-known/jwks.json"

	fetcher := &stubFetcher{body: jwks, etag: "etag-1"}
	v := NewVerifier(fetcher, "")
	now := time.Now()
	v.WithClock(func() time.Time { return now })

	v.Verify(env, content)
	now = now.Add(61 * time.Second)
	v.Verify(env, content)

	if fetcher.calls != 2 {
		t.Fatalf("expected cache to expire after 60s, got %d calls", fetcher.calls)
	}
}

func TestVerify_InlineTakesPrecedenceOverURL(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, _ := buildSignedEnvelope(t, content)
	env.JWKSURL = "https://issuer.example/.well-known/jwks.json"

	fetcher := &stubFetcher{err: nil}
	v := NewVerifier(fetcher, "")

	res := v.Verify(env, content)
	if !res.OK {
		t.Fatalf("expected inline jwks to be used over jwks_url, got %+v", res)
	}
	if fetcher.calls != 0 {
		t.Fatal("expected no network fetch when jwks_inline is present")
	}
}

func TestVerify_KidNotFoundInJWKS(t *testing.T) {
	content := []byte(`{"intent":"echo"}`)
	env, _ := buildSignedEnvelope(t, content)

	otherRing := keystore.NewKeyRing()
	pub, _, _ := ed25519.GenerateKey(nil)
	_ = otherRing.AddKey(keystore.KeyPair{Kid: "other", Priv: nil, Pub: pub})
	otherJWKS, _ := otherRing.ToJWKS()
	env.JWKSInline = otherJWKS

	v := NewVerifier(nil, "")
	res := v.Verify(env, content)
	if res.OK || res.Reason != ope.ReasonKidNotFound {
		t.Fatalf("expected kid_not_found, got %+v", res)
	}
}
