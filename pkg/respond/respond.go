// Package respond implements the ResponseSigner: it negotiates whether and
// how to sign an outbound JSON response body, and writes the resulting
// proof headers.
package respond

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/ope"
)

// Proof header names, case-insensitive per spec.md §6.
const (
	HeaderOmlCID        = "X-ODIN-OML-CID"
	HeaderOmlCPath      = "X-ODIN-OML-C-Path"
	HeaderOPE           = "X-ODIN-OPE"
	HeaderOPEKid        = "X-ODIN-OPE-KID"
	HeaderJWKS          = "X-ODIN-JWKS"
	HeaderAcceptProof   = "X-ODIN-Accept-Proof"
	HeaderProofStatus   = "X-ODIN-Proof-Status"
	HeaderTransformKey  = "X-ODIN-Transform-Receipt"
	HeaderTransformURL  = "X-ODIN-Transform-Receipt-URL"
	HeaderTransformMap  = "X-ODIN-Transform-Map"
)

// Client proof preferences.
const (
	PrefRequired    = "required"
	PrefIfAvailable = "if-available"
	PrefNone        = "none"
)

// Proof statuses emitted on X-ODIN-Proof-Status.
const (
	StatusSigned  = "signed"
	StatusAbsent  = "absent"
	StatusIgnored = "ignored"
)

// Decision is what Negotiate decided to do with one response.
type Decision struct {
	Sign          bool
	Status        string
	RequireFailed bool
}

// Negotiate implements the decision table in spec.md §4.9.
func Negotiate(routeEnforced bool, clientPref string, isJSONBody bool) Decision {
	if !isJSONBody {
		if clientPref == PrefRequired {
			return Decision{Sign: false, Status: StatusAbsent, RequireFailed: true}
		}
		return Decision{Sign: false, Status: StatusAbsent}
	}

	if !routeEnforced && (clientPref == PrefNone || clientPref == "") {
		return Decision{Sign: false, Status: StatusAbsent}
	}
	if routeEnforced && clientPref == PrefNone {
		return Decision{Sign: true, Status: StatusIgnored}
	}
	return Decision{Sign: true, Status: StatusSigned}
}

// Signer signs JSON response bodies with a gateway key.
type Signer struct {
	Priv    ed25519.PrivateKey
	Kid     string
	JWKSURL string
}

// SignedResponse carries the canonicalized body, its proof, and the header
// set ready to be written.
type SignedResponse struct {
	Body    []byte
	CID     string
	OPE     ope.Record
	Headers map[string]string
}

// envelopeBody is the {payload, proof} shape produced when Embed is true.
type envelopeBody struct {
	Payload any   `json:"payload"`
	Proof   any   `json:"proof"`
}

// Sign canonicalizes payload, signs it, and returns the headers plus
// (optionally embedded) body to write. When embed is true, the returned
// Body replaces the response body with {payload, proof}; otherwise Body is
// the original canonical bytes and the caller relies on headers alone.
func (s *Signer) Sign(payload any, omlCPath string, embed bool) (*SignedResponse, error) {
	canon, err := canonical.Canonicalize(payload, canonical.AlgJSON)
	if err != nil {
		return nil, err
	}
	cid := canonical.CID(canon)
	rec := ope.Sign(s.Priv, s.Kid, canon, cid)

	headers := map[string]string{
		HeaderOmlCID:      cid,
		HeaderOPEKid:      s.Kid,
		HeaderProofStatus: StatusSigned,
	}
	if omlCPath != "" {
		headers[HeaderOmlCPath] = omlCPath
	}
	if s.JWKSURL != "" {
		headers[HeaderJWKS] = s.JWKSURL
	}
	opeJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	headers[HeaderOPE] = base64.RawURLEncoding.EncodeToString(opeJSON)

	body := canon
	if embed {
		envJSON, err := json.Marshal(envelopeBody{Payload: payload, Proof: rec})
		if err != nil {
			return nil, err
		}
		body = envJSON
	}

	return &SignedResponse{Body: body, CID: cid, OPE: rec, Headers: headers}, nil
}

// ApplyHeaders writes every header in sr.Headers onto w. Header names are
// written verbatim; HTTP header lookups are case-insensitive per RFC 7230.
func (sr *SignedResponse) ApplyHeaders(w http.ResponseWriter) {
	for k, v := range sr.Headers {
		w.Header().Set(k, v)
	}
}

// IsEnvelopeBody reports whether body decodes as a {payload, proof} object,
// per spec.md §4.9's mirror-without-resign rule.
func IsEnvelopeBody(body []byte) (payload any, proof any, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, false
	}
	payloadRaw, hasPayload := raw["payload"]
	proofRaw, hasProof := raw["proof"]
	if !hasPayload || !hasProof {
		return nil, nil, false
	}
	var p, pr any
	_ = json.Unmarshal(payloadRaw, &p)
	_ = json.Unmarshal(proofRaw, &pr)
	return p, pr, true
}

// MirrorHeaders extracts oml_cid/kid/sig_b64u from an already-enveloped
// proof object and writes proof headers without re-signing.
func MirrorHeaders(w http.ResponseWriter, proof any) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return
	}
	var rec ope.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return
	}
	w.Header().Set(HeaderOmlCID, rec.OmlCID)
	w.Header().Set(HeaderOPEKid, rec.Kid)
	w.Header().Set(HeaderProofStatus, StatusSigned)
	opeJSON, err := json.Marshal(rec)
	if err == nil {
		w.Header().Set(HeaderOPE, base64.RawURLEncoding.EncodeToString(opeJSON))
	}
}
