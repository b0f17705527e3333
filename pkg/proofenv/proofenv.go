// Package proofenv implements the EnvelopeVerifier: decoding a Proof
// Envelope, matching its CID, resolving its JWKS source, and verifying the
// embedded OPE signature.
package proofenv

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/keystore"
	"github.com/odin-gateway/odin/pkg/ope"
)

// Envelope is the wire shape of one Proof Envelope.
type Envelope struct {
	OmlCID     string          `json:"oml_cid"`
	Kid        string          `json:"kid"`
	OPE        ope.Record      `json:"ope"`
	JWKSURL    string          `json:"jwks_url,omitempty"`
	JWKSInline json.RawMessage `json:"jwks_inline,omitempty"`
	OmlCB64    string          `json:"oml_c_b64,omitempty"`
	SftID      string          `json:"sft_id,omitempty"`
}

// Result is the outcome of a Verify call.
type Result struct {
	OK     bool   `json:"ok"`
	CID    string `json:"cid,omitempty"`
	Kid    string `json:"kid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Fetcher retrieves JWKS documents over the network. url is absolute.
type Fetcher interface {
	Fetch(targetURL string) (body []byte, etag string, err error)
}

// Verifier verifies Proof Envelopes, caching JWKS fetch results per
// resolved URL (with the fetched ETag recorded) for up to 60 seconds.
type Verifier struct {
	fetcher Fetcher
	baseURL string
	clock   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	etag      string
	resolver  *keystore.StaticResolver
	expiresAt time.Time
}

const jwksCacheTTL = 60 * time.Second

// NewVerifier returns a Verifier. fetcher may be nil if only inline JWKS or
// already-resolved content will be verified. baseURL is used to resolve a
// relative jwks_url against the request's origin.
func NewVerifier(fetcher Fetcher, baseURL string) *Verifier {
	return &Verifier{fetcher: fetcher, baseURL: baseURL, clock: time.Now, cache: map[string]cacheEntry{}}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

func fail(reason string) Result { return Result{OK: false, Reason: reason} }

// Verify runs the full EnvelopeVerifier algorithm. content is the exact
// bytes the envelope claims to be bound to; it is ignored (and may be nil)
// when e.OmlCB64 is present, since the envelope carries its own content.
func (v *Verifier) Verify(e Envelope, content []byte) Result {
	// Step 1: resolve content.
	if e.OmlCB64 != "" {
		decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(e.OmlCB64)
		if err != nil {
			decoded, err = base64.StdEncoding.DecodeString(e.OmlCB64)
		}
		if err != nil {
			return fail("oml_c_b64_invalid")
		}
		content = decoded
	} else if content == nil {
		return fail("content_required")
	}

	// Step 2: CID match.
	cid := canonical.CID(content)
	if cid != e.OmlCID {
		return fail("cid_mismatch")
	}

	// Step 3: resolve JWKS.
	resolver, err := v.resolveJWKS(e)
	if err != nil {
		return fail(err.Error())
	}

	// Step 4: OPE verify.
	rec := e.OPE
	if rec.OmlCID == "" {
		rec.OmlCID = e.OmlCID
	}
	if rec.Kid == "" {
		rec.Kid = e.Kid
	}
	if verr := ope.Verify(rec, content, resolver); verr != nil {
		if ve, ok := verr.(*ope.VerifyError); ok {
			return fail(ve.Reason)
		}
		return fail("ope_verify_failed")
	}

	return Result{OK: true, CID: cid, Kid: rec.Kid}
}

func (v *Verifier) resolveJWKS(e Envelope) (ope.Resolver, error) {
	if len(e.JWKSInline) > 0 {
		return keystore.LoadInlineJWKS(e.JWKSInline)
	}
	if e.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_missing")
	}
	return v.fetchCached(e.JWKSURL)
}

func (v *Verifier) fetchCached(rawURL string) (*keystore.StaticResolver, error) {
	resolved := v.absoluteURL(rawURL)

	v.mu.Lock()
	entry, found := v.cache[resolved]
	v.mu.Unlock()
	if found && v.clock().Before(entry.expiresAt) {
		return entry.resolver, nil
	}

	if v.fetcher == nil {
		return nil, fmt.Errorf("jwks_fetch_unavailable")
	}
	body, etag, err := v.fetcher.Fetch(resolved)
	if err != nil {
		return nil, fmt.Errorf("jwks_fetch_failed")
	}
	resolver, err := keystore.ParseJWKS(body)
	if err != nil {
		return nil, fmt.Errorf("jwks_parse_failed")
	}

	v.mu.Lock()
	v.cache[resolved] = cacheEntry{etag: etag, resolver: resolver, expiresAt: v.clock().Add(jwksCacheTTL)}
	v.mu.Unlock()

	return resolver, nil
}

func (v *Verifier) absoluteURL(rawURL string) string {
	if v.baseURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.IsAbs() {
		return rawURL
	}
	base, err := url.Parse(v.baseURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(rawURL, "/")
}
