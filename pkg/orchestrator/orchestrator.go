// Package orchestrator implements the PipelineOrchestrator: the single
// per-request path that binds envelope verification, policy evaluation,
// translation, receipt issuance, and response signing into one fail-closed
// sequence, per spec.md §4.12.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/odin-gateway/odin/pkg/apierr"
	"github.com/odin-gateway/odin/pkg/hel"
	"github.com/odin-gateway/odin/pkg/keystore"
	"github.com/odin-gateway/odin/pkg/ledger"
	"github.com/odin-gateway/odin/pkg/proofenv"
	"github.com/odin-gateway/odin/pkg/receipt"
	"github.com/odin-gateway/odin/pkg/respond"
	"github.com/odin-gateway/odin/pkg/sft"
	"github.com/odin-gateway/odin/pkg/storage"
	"github.com/odin-gateway/odin/pkg/translate"
)

// MaxBodyBytes is the default request body cap (spec.md §5).
const MaxBodyBytes = 10 << 20

// EnvelopeContext carries what the PipelineOrchestrator learned while
// unwrapping a Proof Envelope, attached to the request context so
// downstream handlers can read it without re-verifying.
type EnvelopeContext struct {
	OK  bool
	Kid string
	CID string
}

type envelopeContextKey struct{}

// EnvelopeFromContext returns the EnvelopeContext attached by the
// orchestrator, if any.
func EnvelopeFromContext(ctx context.Context) (EnvelopeContext, bool) {
	v, ok := ctx.Value(envelopeContextKey{}).(EnvelopeContext)
	return v, ok
}

// WithEnvelope attaches ec to ctx so downstream handlers can read the
// verified kid/cid without re-verifying, per spec.md §4.12 step 2's
// "attach {ok,kid,cid} to context" instruction.
func WithEnvelope(ctx context.Context, ec EnvelopeContext) context.Context {
	return context.WithValue(ctx, envelopeContextKey{}, ec)
}

// MapLookup resolves a translation map by id. The DynamicReloader's
// registered "sft_map" asset satisfies this via its Get method wrapped by
// the caller.
type MapLookup func(mapID string) (translate.SftMap, bool, error)

// PolicyLookup resolves the active HEL engine. Bound to the
// DynamicReloader's "policy" asset by the caller.
type PolicyLookup func() *hel.Engine

// Deps are the orchestrator's collaborators. All fields are required unless
// noted.
type Deps struct {
	Verifier   *proofenv.Verifier
	Registry   *sft.Registry
	Maps       MapLookup
	Policy     PolicyLookup
	Keys       *keystore.KeyRing
	Receipts   *receipt.Builder
	Ledger     *ledger.Ledger
	Store      storage.Store
	JWKSURL    string

	TenantLimiter *TenantLimiters // optional; nil disables rate limiting
	TenantQuota   *MonthlyQuota   // optional; nil disables quota enforcement

	MaxBodyBytes int64 // 0 means MaxBodyBytes
	NowNs        func() int64
}

// Orchestrator is the PipelineOrchestrator.
type Orchestrator struct {
	deps Deps
}

// New returns an Orchestrator over deps.
func New(deps Deps) *Orchestrator {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = MaxBodyBytes
	}
	if deps.NowNs == nil {
		deps.NowNs = func() int64 { return time.Now().UnixNano() }
	}
	return &Orchestrator{deps: deps}
}

// TranslateRequest is the decoded body of a translate call.
type TranslateRequest struct {
	MapID   string         `json:"map_id"`
	Payload map[string]any `json:"payload"`
	Envelope *proofenv.Envelope `json:"envelope,omitempty"`
}

// TranslateResult is what HandleTranslate returns on success, ready to be
// signed and written by the caller (an HTTP handler or an in-process test).
type TranslateResult struct {
	Output         map[string]any
	Receipt        *receipt.TransformReceipt
	ReceiptKey     string
	ReceiptURL     string
	TranslationLog *translate.TranslationReceipt
}

// TenantID extracts the tenant identity used for rate limiting and quota.
// Requests with no kid (envelope not yet verified) are billed under
// "anonymous"; spec.md leaves tenant identity itself out of scope, so the
// signing kid is the most specific caller identity available here.
func TenantID(kid string) string {
	if kid == "" {
		return "anonymous"
	}
	return kid
}

// Admit applies the per-tenant rate limiter and monthly quota ahead of any
// expensive work. It returns a non-nil *apierr.Body (already categorized as
// 429) when the request should be rejected.
func (o *Orchestrator) Admit(tenantID string) *apierr.Body {
	if o.deps.TenantLimiter != nil && !o.deps.TenantLimiter.Allow(tenantID) {
		return apierr.New(apierr.CodePolicyBlocked, "tenant_rate_limited", nil)
	}
	if o.deps.TenantQuota != nil {
		allowed, err := o.deps.TenantQuota.Allow(tenantID)
		if err != nil || !allowed {
			return apierr.New(apierr.CodePolicyBlocked, "tenant_quota_exceeded", nil)
		}
	}
	return nil
}

// VerifyEnvelope runs the metadata and content HEL stages against an
// already-decoded Proof Envelope and its bound content, per spec.md §4.12
// step 2. On success it returns the EnvelopeContext to attach to the
// request; on failure it returns the *apierr.Body to write and the HTTP
// status it belongs at.
func (o *Orchestrator) VerifyEnvelope(env proofenv.Envelope, content []byte, payload map[string]any) (EnvelopeContext, *apierr.Body, int) {
	result := o.deps.Verifier.Verify(env, content)
	if !result.OK {
		return EnvelopeContext{}, apierr.New(apierr.CodeProofInvalid, result.Reason, nil), http.StatusUnauthorized
	}

	policy := o.deps.Policy()
	if !policy.KidAllowed(result.Kid) {
		return EnvelopeContext{}, apierr.New(apierr.CodePolicyBlocked, "kid is not allowed by policy", nil), http.StatusForbidden
	}
	if env.JWKSURL != "" {
		host, err := hostOf(env.JWKSURL)
		if err != nil || !policy.HostAllowed(host) {
			return EnvelopeContext{}, apierr.New(apierr.CodePolicyJWKSHostForbidden, "jwks host is not allowed by policy", nil), http.StatusForbidden
		}
	}

	pr := policy.Evaluate(payload)
	if !pr.Allowed {
		violations := make([]apierr.Violation, 0, len(pr.Violations))
		for _, v := range pr.Violations {
			violations = append(violations, apierr.Violation{Code: v.Code, Message: v.Message, Path: v.Path})
		}
		return EnvelopeContext{}, apierr.New(apierr.CodePolicyBlocked, "content violates policy", nil, violations...), http.StatusForbidden
	}

	return EnvelopeContext{OK: true, Kid: result.Kid, CID: result.CID}, nil, 0
}

// HandleTranslate runs the full translate pipeline: validate the map
// reference, run the TranslationEngine, re-run the HEL content stage
// against the translated output, build and persist a TransformReceipt, and
// append a ledger event. Storage and ledger failures do not fail the
// request: when Persist fails, the result is returned without a ReceiptURL
// and no ledger event is appended; an Append error is discarded. Neither
// error is returned, logged or counted.
func (o *Orchestrator) HandleTranslate(ctx context.Context, req TranslateRequest) (*TranslateResult, *apierr.Body, int) {
	m, found, err := o.deps.Maps(req.MapID)
	if err != nil || !found {
		return nil, apierr.New(apierr.CodeTranslateMapNotFound, fmt.Sprintf("no map registered for %q", req.MapID), nil), http.StatusNotFound
	}

	output, translationLog, terr := translate.Translate(o.deps.Registry, req.Payload, m)
	if terr != nil {
		if te, ok := terr.(*translate.Error); ok {
			violations := make([]apierr.Violation, 0, len(te.Violations))
			for _, v := range te.Violations {
				violations = append(violations, apierr.Violation{Code: v.Code, Message: v.Message, Path: v.Path})
			}
			return nil, apierr.New(te.Code, te.Message, nil, violations...), http.StatusUnprocessableEntity
		}
		return nil, apierr.New(apierr.CodeTranslateOutputInvalid, terr.Error(), nil), http.StatusUnprocessableEntity
	}

	policy := o.deps.Policy()
	if pr := policy.Evaluate(output); !pr.Allowed {
		violations := make([]apierr.Violation, 0, len(pr.Violations))
		for _, v := range pr.Violations {
			violations = append(violations, apierr.Violation{Code: v.Code, Message: v.Message, Path: v.Path})
		}
		return nil, apierr.New(apierr.CodePolicyBlocked, "translated output violates policy", nil, violations...), http.StatusForbidden
	}

	kp, hasKey := o.deps.Keys.Active()
	if !hasKey {
		return nil, apierr.New(apierr.CodeInternal, "no signing key available", nil), http.StatusInternalServerError
	}

	mapObj := sftMapAsObject(m)
	rec, key, berr := receipt.Build(receipt.BuildInput{
		InputObj:   req.Payload,
		OutputObj:  output,
		SftFrom:    m.FromSFT,
		SftTo:      m.ToSFT,
		MapObj:     mapObj,
		MapID:      req.MapID,
		OutOmlCID:  translationLog.OutputCID,
		CanonAlg:   m.CanonAlg,
		Signer:     kp.Priv,
		SigningKid: kp.Kid,
		JWKSURL:    o.deps.JWKSURL,
	})
	if berr != nil {
		return nil, apierr.New(apierr.CodeInternal, "failed to build transform receipt", nil), http.StatusInternalServerError
	}

	result := &TranslateResult{Output: output, Receipt: rec, ReceiptKey: key, TranslationLog: translationLog}

	url, perr := o.deps.Receipts.Persist(ctx, rec, key, receipt.PersistOptions{})
	if perr != nil {
		// Soft failure per spec.md §7: the translation still succeeded.
		return result, nil, 0
	}
	result.ReceiptURL = url

	_, _ = o.deps.Ledger.Append(ctx, ledger.Event{
		TsNs:       o.deps.NowNs(),
		OutCID:     translationLog.OutputCID,
		InCID:      translationLog.InputCID,
		Map:        req.MapID,
		Stage:      "translate",
		ReceiptKey: key,
		ReceiptURL: url,
	})

	return result, nil, 0
}

// NegotiateAndSign applies the ResponseSigner decision table and writes the
// resulting headers and body onto w. The body is the payload as JSON when
// not signing, the {payload, proof} envelope when signing with embed, and
// the payload's canonical bytes when signing without embed.
func (o *Orchestrator) NegotiateAndSign(w http.ResponseWriter, routeEnforced bool, clientPref string, payload any, embed bool) error {
	decision := respond.Negotiate(routeEnforced, clientPref, true)
	if !decision.Sign {
		w.Header().Set(respond.HeaderProofStatus, decision.Status)
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}

	kp, ok := o.deps.Keys.Active()
	if !ok {
		w.Header().Set(respond.HeaderProofStatus, respond.StatusAbsent)
		return fmt.Errorf("orchestrator: no signing key available")
	}
	signer := &respond.Signer{Priv: kp.Priv, Kid: kp.Kid, JWKSURL: o.deps.JWKSURL}
	sr, err := signer.Sign(payload, "", embed)
	if err != nil {
		return err
	}
	sr.ApplyHeaders(w)
	if decision.Status == respond.StatusIgnored {
		w.Header().Set(respond.HeaderProofStatus, respond.StatusIgnored)
	}
	_, err = w.Write(sr.Body)
	return err
}

// ReadBoundedBody reads at most MaxBodyBytes+1 from r, returning an
// apierr.CodeRequestTooLarge error (413) if the body exceeds the cap.
func (o *Orchestrator) ReadBoundedBody(r io.Reader) ([]byte, *apierr.Body, int) {
	limit := o.deps.MaxBodyBytes
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, apierr.New(apierr.CodeRequestInvalidJSON, "failed to read request body", nil), http.StatusBadRequest
	}
	if int64(len(data)) > limit {
		return nil, apierr.New(apierr.CodeRequestTooLarge, "request body exceeds the maximum allowed size", nil), http.StatusRequestEntityTooLarge
	}
	return data, nil, 0
}

// DecodeJSON unmarshals data into out, shaping parse failures as
// odin.request.invalid_json per spec.md §6.
func DecodeJSON(data []byte, out any) *apierr.Body {
	if err := json.Unmarshal(data, out); err != nil {
		return apierr.New(apierr.CodeRequestInvalidJSON, "request body is not valid JSON", nil)
	}
	return nil
}

func sftMapAsObject(m translate.SftMap) map[string]any {
	raw, _ := json.Marshal(m)
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	return obj
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
