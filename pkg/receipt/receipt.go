// Package receipt implements the TransformReceiptBuilder: it binds a
// TranslationEngine run to a signed, content-addressed, linkage-hashed
// receipt and persists it.
package receipt

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/ope"
	"github.com/odin-gateway/odin/pkg/storage"
	"lukechampine.com/blake3"
)

// TransformSubject is the canonical record bound into the receipt signature.
type TransformSubject struct {
	V               int    `json:"v"`
	Type            string `json:"type"`
	SftFrom         string `json:"sft_from"`
	SftTo           string `json:"sft_to"`
	InputSHA256B64U string `json:"input_sha256_b64u"`
	OutputSHA256B64U string `json:"output_sha256_b64u"`
	MapID           string `json:"map_id"`
	MapSHA256B64U   string `json:"map_sha256_b64u"`
	OutOmlCID       string `json:"out_oml_cid,omitempty"`
}

// TransformReceipt is the persisted, signed artifact binding a translation
// run to its input, output, and map.
type TransformReceipt struct {
	V              int                 `json:"v"`
	Subject        TransformSubject    `json:"subject"`
	LinkageHashB64U string             `json:"linkage_hash_b3_256_b64u"`
	Envelope       Envelope            `json:"envelope"`
}

// Envelope is the minimal ProofEnvelope embedded in a TransformReceipt,
// binding the signature to the canonical subject bytes.
type Envelope struct {
	OmlCID  string     `json:"oml_cid"`
	Kid     string      `json:"kid"`
	OPE     ope.Record  `json:"ope"`
	JWKSURL string      `json:"jwks_url,omitempty"`
}

// BuildInput carries everything needed to construct one receipt.
type BuildInput struct {
	InputObj   map[string]any
	OutputObj  map[string]any
	SftFrom    string
	SftTo      string
	MapObj     map[string]any
	MapID      string
	OutOmlCID  string
	CanonAlg   string
	Signer     ed25519.PrivateKey
	SigningKid string
	JWKSURL    string
}

// Builder constructs and persists TransformReceipts.
type Builder struct {
	store storage.Store
}

// NewBuilder returns a Builder that persists receipts to store.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store}
}

func canonAlgOrDefault(alg string) string {
	if alg == "" {
		return canonical.AlgJSON
	}
	return alg
}

// Build runs steps 1-5 of the TransformReceiptBuilder algorithm and returns
// the unpersisted receipt plus the key it would be stored under.
func Build(in BuildInput) (*TransformReceipt, string, error) {
	alg := canonAlgOrDefault(in.CanonAlg)

	inBytes, err := canonical.Canonicalize(in.InputObj, alg)
	if err != nil {
		return nil, "", fmt.Errorf("receipt: canonicalize input: %w", err)
	}
	outBytes, err := canonical.Canonicalize(in.OutputObj, alg)
	if err != nil {
		return nil, "", fmt.Errorf("receipt: canonicalize output: %w", err)
	}
	mapBytes, err := canonical.Canonicalize(in.MapObj, alg)
	if err != nil {
		return nil, "", fmt.Errorf("receipt: canonicalize map: %w", err)
	}

	inSha := canonical.SHA256(inBytes)
	outSha := canonical.SHA256(outBytes)
	mapSha := canonical.SHA256(mapBytes)

	subject := TransformSubject{
		V:                1,
		Type:             "transform",
		SftFrom:          in.SftFrom,
		SftTo:            in.SftTo,
		InputSHA256B64U:  base64.RawURLEncoding.EncodeToString(inSha[:]),
		OutputSHA256B64U: base64.RawURLEncoding.EncodeToString(outSha[:]),
		MapID:            in.MapID,
		MapSHA256B64U:    base64.RawURLEncoding.EncodeToString(mapSha[:]),
		OutOmlCID:        in.OutOmlCID,
	}

	subjBytes, err := canonical.Canonicalize(subjectAsObject(subject), alg)
	if err != nil {
		return nil, "", fmt.Errorf("receipt: canonicalize subject: %w", err)
	}

	linkage := linkageHash(inSha[:], mapSha[:], outSha[:])

	subjectCID := canonical.CID(subjBytes)
	opeRec := ope.Sign(in.Signer, in.SigningKid, subjBytes, subjectCID)

	rec := &TransformReceipt{
		V:               1,
		Subject:         subject,
		LinkageHashB64U: base64.RawURLEncoding.EncodeToString(linkage),
		Envelope: Envelope{
			OmlCID:  subjectCID,
			Kid:     in.SigningKid,
			OPE:     opeRec,
			JWKSURL: in.JWKSURL,
		},
	}

	key := receiptKey(subject.OutputSHA256B64U)
	return rec, key, nil
}

// linkageHash computes BLAKE3(inSha || 0x1F || mapSha || 0x1F || outSha)
// over the raw 32-byte digests.
func linkageHash(inSha, mapSha, outSha []byte) []byte {
	buf := make([]byte, 0, len(inSha)+1+len(mapSha)+1+len(outSha))
	buf = append(buf, inSha...)
	buf = append(buf, 0x1F)
	buf = append(buf, mapSha...)
	buf = append(buf, 0x1F)
	buf = append(buf, outSha...)
	sum := blake3.Sum256(buf)
	return sum[:]
}

func receiptKey(outputSHA256B64U string) string {
	return "receipts/transform/" + outputSHA256B64U + ".json"
}

// subjectAsObject converts a TransformSubject into a generic map so it
// canonicalizes with the same key-sorting/NFC rules as any other payload.
func subjectAsObject(s TransformSubject) map[string]any {
	raw, _ := json.Marshal(s)
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	return obj
}

// PersistOptions controls step 6 (idempotent vs overwrite) persistence.
type PersistOptions struct {
	AllowOverwrite bool
}

// Persist writes rec's full JSON under its content-addressed key. By
// default this is idempotent: if the key already exists, Persist is a
// no-op unless opts.AllowOverwrite is set.
func (b *Builder) Persist(ctx context.Context, rec *TransformReceipt, key string, opts PersistOptions) (url string, err error) {
	if !opts.AllowOverwrite {
		exists, err := b.store.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("receipt: exists check failed: %w", err)
		}
		if exists {
			return b.store.URLFor(key), nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("receipt: marshal failed: %w", err)
	}
	return b.store.PutBytes(ctx, key, data, "application/json", nil)
}

// Get retrieves a previously persisted receipt by its output-sha256 key.
func (b *Builder) Get(ctx context.Context, outputSHA256B64U string) (*TransformReceipt, error) {
	data, err := b.store.GetBytes(ctx, receiptKey(outputSHA256B64U))
	if err != nil {
		return nil, err
	}
	var rec TransformReceipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("receipt: unmarshal failed: %w", err)
	}
	return &rec, nil
}

// Key returns the content-addressed storage key for a receipt whose output
// SHA-256 (base64url-nopad) is outputSHA256B64U.
func Key(outputSHA256B64U string) string { return receiptKey(outputSHA256B64U) }
