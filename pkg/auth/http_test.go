package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signHS256(t *testing.T, claims map[string]interface{}, secret string) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return h + "." + p + "." + sig
}

func TestVerifyHS256TokenWithEntitlements(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, map[string]interface{}{
		"sub":          "user-1",
		"roles":        []string{"analyst"},
		"entitlements": []string{"PII", "FINANCE"},
		"tenant":       "acme",
		"iss":          "issuer-hs",
		"aud":          "datagate",
		"exp":          time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "issuer-hs", "datagate")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Sub != "user-1" || claims.Tenant != "acme" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Entitlements) != 2 || claims.Entitlements[0] != "PII" {
		t.Fatalf("unexpected entitlements: %+v", claims.Entitlements)
	}
}

func TestVerifyHS256TokenSingleEntitlementString(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, map[string]interface{}{
		"sub":          "user-1",
		"entitlements": "PII",
		"exp":          time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "", "")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(claims.Entitlements) != 1 || claims.Entitlements[0] != "PII" {
		t.Fatalf("unexpected entitlements: %+v", claims.Entitlements)
	}
}

func TestVerifyHS256TokenExpired(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, map[string]interface{}{
		"sub": "user-1",
		"exp": time.Now().UTC().Add(-time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestVerifyHS256TokenIssuerMismatch(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, map[string]interface{}{
		"sub": "user-1",
		"iss": "issuer-1",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "issuer-2", ""); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestVerifyHS256TokenSignatureMismatch(t *testing.T) {
	tok := signHS256(t, map[string]interface{}{
		"sub": "user-1",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, "secret-a")
	if _, err := VerifyHS256Token(tok, "secret-b", time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	secret := "secret"
	mw := Middleware("oidc_hs256", secret)
	var got Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tok := signHS256(t, map[string]interface{}{
		"sub":          "user-7",
		"roles":        []string{"analyst"},
		"entitlements": []string{"PII"},
		"tenant":       "acme",
		"exp":          time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if got.Subject != "user-7" || got.Tenant != "acme" || len(got.Entitlements) != 1 {
		t.Fatalf("unexpected principal %+v", got)
	}
	id := got.Identity()
	if id.Subject != "user-7" || id.Entitlements[0] != "PII" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	mw := Middleware("oidc_hs256", "secret")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareOffModeAnonymous(t *testing.T) {
	mw := Middleware("off", "")
	var got Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got.Subject != "anonymous" {
		t.Fatalf("expected anonymous principal, got %+v", got)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"Auditor", "analyst"}}
	if !HasAnyRole(p, "auditor") {
		t.Fatal("expected case-insensitive role match")
	}
	if HasAnyRole(p, "admin") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(p) {
		t.Fatal("no required roles means allowed")
	}
}

func TestPrincipalFromContextMissing(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal on empty context")
	}
}
