// Package ope implements the ODIN Proof of Execution: an Ed25519 signature
// over exact canonical content bytes, bound to the content's CID.
package ope

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/odin-gateway/odin/pkg/canonical"
)

// Record is the wire shape of one OPE signature: {kid, oml_cid, sig_b64u}.
type Record struct {
	Kid     string `json:"kid"`
	OmlCID  string `json:"oml_cid"`
	SigB64U string `json:"sig_b64u"`
}

// Reason codes returned by Verify.
const (
	ReasonCIDMismatch = "cid_mismatch"
	ReasonKidNotFound = "kid_not_found"
	ReasonSigInvalid  = "sig_invalid"
)

// VerifyError carries a stable reason code alongside a human message.
type VerifyError struct {
	Reason  string
	Message string
}

func (e *VerifyError) Error() string { return e.Message }

// Sign signs contentBytes directly with priv (no prehash) and returns an OPE
// record bound to omlCID. The caller supplies omlCID (normally
// canonical.CID(contentBytes)) rather than Sign recomputing it, so that the
// TransformReceiptBuilder can reuse a CID it has already computed.
func Sign(priv ed25519.PrivateKey, kid string, contentBytes []byte, omlCID string) Record {
	sig := ed25519.Sign(priv, contentBytes)
	return Record{
		Kid:     kid,
		OmlCID:  omlCID,
		SigB64U: base64.RawURLEncoding.EncodeToString(sig),
	}
}

// Resolver resolves a kid to its 32-byte Ed25519 public key. Returns
// ok=false if the kid is unknown.
type Resolver interface {
	Resolve(kid string) (pub ed25519.PublicKey, ok bool)
}

// Verify checks that rec.OmlCID matches canonical.CID(contentBytes), that
// rec.Kid resolves via resolver, and that the signature verifies over
// contentBytes.
func Verify(rec Record, contentBytes []byte, resolver Resolver) error {
	if want := canonical.CID(contentBytes); want != rec.OmlCID {
		return &VerifyError{Reason: ReasonCIDMismatch, Message: "oml_cid does not match content"}
	}
	pub, ok := resolver.Resolve(rec.Kid)
	if !ok {
		return &VerifyError{Reason: ReasonKidNotFound, Message: "kid not found in jwks"}
	}
	sig, err := base64.RawURLEncoding.DecodeString(rec.SigB64U)
	if err != nil {
		return &VerifyError{Reason: ReasonSigInvalid, Message: "signature is not valid base64url"}
	}
	if !ed25519.Verify(pub, contentBytes, sig) {
		return &VerifyError{Reason: ReasonSigInvalid, Message: "signature verification failed"}
	}
	return nil
}
