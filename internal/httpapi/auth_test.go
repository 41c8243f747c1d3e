package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"
)

func TestAuthorizeBearerRejectsTamperedToken(t *testing.T) {
	token := mustTestJWT(t, "u1", "channels:read")
	tampered := token[:len(token)-2] + "xx"
	_, authErr := authorizeBearer("Bearer "+tampered, testJWTSecret, "u1", "channels:read", time.Now().UTC())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for tampered signature, got %+v", authErr)
	}
}

func TestAuthorizeBearerRejectsWrongSecret(t *testing.T) {
	token := mustTestJWT(t, "u1", "channels:read")
	_, authErr := authorizeBearer("Bearer "+token, "other-secret", "u1", "channels:read", time.Now().UTC())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for wrong secret, got %+v", authErr)
	}
}

func TestAuthorizeBearerAcceptsValidToken(t *testing.T) {
	token := mustTestJWT(t, "u1", "channels:read", "mappings:write")
	claims, authErr := authorizeBearer("Bearer "+token, testJWTSecret, "u1", "mappings:write", time.Now().UTC())
	if authErr != nil {
		t.Fatalf("unexpected auth error: %+v", authErr)
	}
	if claims.UserID != "u1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAuthorizeBearerUserMismatch(t *testing.T) {
	token := mustTestJWT(t, "u1", "channels:read")
	_, authErr := authorizeBearer("Bearer "+token, testJWTSecret, "u2", "channels:read", time.Now().UTC())
	if authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403 for user mismatch, got %+v", authErr)
	}
}

func TestAuthorizeBearerRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"Bearer ",
		"Bearer only-one-segment",
		"Bearer a.b",
		"Bearer a.b.c.d",
		"basic abc",
	}
	for _, header := range cases {
		if _, authErr := authorizeBearer(header, testJWTSecret, "u1", "channels:read", time.Now().UTC()); authErr == nil || authErr.status != 401 {
			t.Fatalf("expected 401 for header %q, got %+v", header, authErr)
		}
	}
}

func TestAuthorizeBearerRejectsMissingExp(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"user_id":"u1","scopes":["channels:read"],"aud":"calsync"}`))
	signingInput := header + "." + payload
	mac := hmac.New(sha256.New, []byte(testJWTSecret))
	_, _ = mac.Write([]byte(signingInput))
	token := signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	_, authErr := authorizeBearer("Bearer "+token, testJWTSecret, "u1", "channels:read", time.Now().UTC())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401 for missing exp, got %+v", authErr)
	}
}

func TestParseScopes(t *testing.T) {
	scopes := parseScopes([]any{"a", "b", ""})
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}
	scopes = parseScopes("channels:read mappings:read")
	if _, ok := scopes["mappings:read"]; !ok || len(scopes) != 2 {
		t.Fatalf("unexpected scopes from string form: %v", scopes)
	}
	if len(parseScopes(nil)) != 0 {
		t.Fatal("expected no scopes from nil")
	}
}

func TestVerifyInternalHMAC(t *testing.T) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339)
	body := []byte(`{"within":"24h"}`)
	signature := signInternal(timestamp, body)

	if authErr := verifyInternalHMAC(testInternalSecret, timestamp, signature, body, now, 5*time.Minute); authErr != nil {
		t.Fatalf("expected valid signature to pass, got %+v", authErr)
	}
	if authErr := verifyInternalHMAC(testInternalSecret, timestamp, signature, []byte("other"), now, 5*time.Minute); authErr == nil {
		t.Fatal("expected mismatched body to fail")
	}
	if authErr := verifyInternalHMAC(testInternalSecret, "", signature, body, now, 5*time.Minute); authErr == nil {
		t.Fatal("expected missing timestamp to fail")
	}
	if authErr := verifyInternalHMAC(testInternalSecret, "not-a-time", signature, body, now, 5*time.Minute); authErr == nil {
		t.Fatal("expected unparseable timestamp to fail")
	}
}
