package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWrite_EncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, 422, New(CodeTranslateEnumViolation, "bad enum", nil, Violation{Code: "enum", Message: "not allowed", Path: "/amount"}))

	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != CodeTranslateEnumViolation {
		t.Fatalf("expected code to round-trip, got %s", body.Code)
	}
	if len(body.Violations) != 1 || body.Violations[0].Path != "/amount" {
		t.Fatalf("expected violation to round-trip, got %+v", body.Violations)
	}
}

func TestWriteCode_NoDetailOrViolations(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCode(rec, 403, CodePolicyBlocked, "blocked by policy")

	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Detail != nil || body.Violations != nil {
		t.Fatalf("expected no detail/violations, got %+v", body)
	}
}

func TestWriteTooManyRequests_SetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 5, "tenant_quota_exceeded")

	if rec.Code != 429 {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("expected Retry-After: 5, got %s", rec.Header().Get("Retry-After"))
	}
	if rec.Body.String() != "tenant_quota_exceeded" {
		t.Fatalf("expected plain-text body, got %q", rec.Body.String())
	}
}

func TestBody_ImplementsError(t *testing.T) {
	var err error = New(CodeInternal, "boom", nil)
	if err.Error() != "boom" {
		t.Fatalf("expected Error() to return message, got %s", err.Error())
	}
}
