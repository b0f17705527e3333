package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/odin-gateway/odin/pkg/apierr"
	"github.com/odin-gateway/odin/pkg/canonical"
	"github.com/odin-gateway/odin/pkg/config"
	"github.com/odin-gateway/odin/pkg/orchestrator"
	"github.com/odin-gateway/odin/pkg/proofenv"
	"github.com/odin-gateway/odin/pkg/respond"
)

// registerRoutes wires every HTTP surface spec.md §6 names onto mux.
func (g *gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/.well-known/odin/discovery.json", g.handleDiscovery)
	mux.HandleFunc("/.well-known/odin/jwks.json", g.handleJWKS)
	mux.HandleFunc("/v1/translate", g.handleTranslate)
	mux.HandleFunc("/v1/receipts/", g.handleReceiptFetch)
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDiscovery serves the discovery document spec.md §6 calls out,
// cacheable for 60 seconds.
func (g *gateway) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := buildDiscoveryDocument(g.cfg)
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(doc)
}

func buildDiscoveryDocument(cfg *config.Config) ([]byte, error) {
	doc := map[string]any{
		"protocol": "odin/v1",
		"jwks_url": cfg.PublicBaseURL + "/.well-known/odin/jwks.json",
		"endpoints": map[string]string{
			"translate": "/v1/translate",
			"receipts":  "/v1/receipts/{output_sha256_b64u}",
			"health":    "/healthz",
		},
		"capabilities": []string{"proof_envelope", "sft_translate", "hel_policy", "transform_receipt"},
		"policy": map[string]any{
			"sign_require": cfg.SignRequire,
			"sign_embed":   cfg.SignEmbed,
		},
	}
	return json.Marshal(doc)
}

// handleJWKS serves the active keyring's public keys as a JWKS document.
func (g *gateway) handleJWKS(w http.ResponseWriter, r *http.Request) {
	data, err := g.keys.ToJWKS()
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(data)
}

// handleReceiptFetch serves a persisted TransformReceipt by its
// output-SHA-256 key, per spec.md §4.11's content-addressed lookup. Receipts
// are immutable once persisted, so the ETag and cache lifetime are strong.
func (g *gateway) handleReceiptFetch(w http.ResponseWriter, r *http.Request) {
	outputSHA := strings.TrimPrefix(r.URL.Path, "/v1/receipts/")
	if outputSHA == "" {
		apierr.WriteCode(w, http.StatusNotFound, apierr.CodeRequestInvalidJSON, "missing receipt key")
		return
	}

	data, err := g.store.GetBytes(r.Context(), "receipts/transform/"+outputSHA+".json")
	if err != nil {
		apierr.WriteCode(w, http.StatusNotFound, apierr.CodeInternal, "receipt not found")
		return
	}

	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

// translateHTTPRequest is the wire body of a translate call: a Proof
// Envelope wrapping the content to verify, plus the map to translate
// through. Bundling both in one request keeps the one-shot semantics spec.md
// §4.12 describes instead of splitting verify and translate into two calls.
// Per §4.12 step 2, the envelope wrapper is itself optional: when the body
// carries no "payload" key, the whole body is treated as the bare payload
// and no envelope/map is assumed.
type translateHTTPRequest struct {
	Envelope proofenv.Envelope `json:"envelope,omitempty"`
	MapID    string            `json:"map_id,omitempty"`
	Payload  map[string]any    `json:"payload,omitempty"`
}

// handleTranslate is the one HTTP entrypoint that runs the full
// PipelineOrchestrator sequence: bounded read, decode, envelope
// verification (on enforced routes), admission, translation (when a map_id
// is given), and response signing.
func (g *gateway) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.WriteCode(w, http.StatusMethodNotAllowed, apierr.CodeRequestInvalidJSON, "translate requires POST")
		return
	}

	body, apiErr, status := g.orch.ReadBoundedBody(r.Body)
	if apiErr != nil {
		apierr.Write(w, status, apiErr)
		return
	}

	var req translateHTTPRequest
	if apiErr := orchestrator.DecodeJSON(body, &req); apiErr != nil {
		apierr.Write(w, http.StatusBadRequest, apiErr)
		return
	}
	if req.Payload == nil {
		if err := json.Unmarshal(body, &req.Payload); err != nil || req.Payload == nil {
			apierr.WriteCode(w, http.StatusBadRequest, apierr.CodeRequestInvalidJSON, "request body is not valid JSON")
			return
		}
	}

	// spec.md §4.12 step 3 scopes envelope verification to routes listed in
	// enforce_routes; elsewhere the envelope is optional and requests are
	// admitted straight through to translation/signing (the sign-only path
	// §8 scenario 5 exercises). On enforced routes, admission keys off the
	// kid VerifyEnvelope authenticates, not the client-supplied one, so a
	// forged kid in an unsigned body can't burn another tenant's quota or
	// dodge the caller's own rate limit.
	ctx := r.Context()
	tenantID := orchestrator.TenantID(req.Envelope.Kid)
	if contains(g.cfg.EnforceRoutes, "/v1/translate") {
		content, cerr := canonical.Canonicalize(req.Payload, "")
		if cerr != nil {
			apierr.WriteCode(w, http.StatusBadRequest, apierr.CodeRequestInvalidJSON, "payload failed canonicalization")
			return
		}
		ec, apiErr, status := g.orch.VerifyEnvelope(req.Envelope, content, req.Payload)
		if apiErr != nil {
			apierr.Write(w, status, apiErr)
			return
		}
		ctx = orchestrator.WithEnvelope(ctx, ec)
		tenantID = orchestrator.TenantID(ec.Kid)
	}

	if apiErr := g.orch.Admit(tenantID); apiErr != nil {
		apierr.WriteTooManyRequests(w, 60, apiErr.Message)
		return
	}

	output := req.Payload
	if req.MapID != "" {
		result, apiErr, status := g.orch.HandleTranslate(ctx, orchestrator.TranslateRequest{
			MapID:   req.MapID,
			Payload: req.Payload,
		})
		if apiErr != nil {
			apierr.Write(w, status, apiErr)
			return
		}
		output = result.Output

		if result.ReceiptKey != "" {
			w.Header().Set(respond.HeaderTransformKey, result.ReceiptKey)
		}
		if result.ReceiptURL != "" {
			w.Header().Set(respond.HeaderTransformURL, result.ReceiptURL)
		}
		w.Header().Set(respond.HeaderTransformMap, req.MapID)
	}

	clientPref := r.Header.Get(respond.HeaderAcceptProof)
	routeSigned := contains(g.cfg.SignRoutes, "/v1/translate") || g.cfg.SignRequire
	if err := g.orch.NegotiateAndSign(w, routeSigned, clientPref, output, g.cfg.SignEmbed); err != nil {
		apierr.WriteInternal(w, err)
		return
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
