package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func denyAuth(status int, message string) *authError {
	code := "unauthorized"
	if status == http.StatusForbidden {
		code = "forbidden"
	}
	return &authError{status: status, code: code, message: message}
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    int64
}

// jwtHeader and jwtPayload are the decoded halves of the compact token.
// Scopes stays untyped because issuers send either an array or a
// space-separated string.
type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtPayload struct {
	UserID string      `json:"user_id"`
	Scopes any         `json:"scopes"`
	Aud    string      `json:"aud"`
	Exp    json.Number `json:"exp"`
}

// authorizeBearer checks the bearer token and, when userID is set,
// requires the token to belong to that user: management endpoints only
// ever operate on the caller's own calendars and mappings.
func authorizeBearer(authHeader, jwtSecret, userID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if userID != "" && claims.UserID != userID {
		return tokenClaims{}, denyAuth(http.StatusForbidden, "user mismatch")
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, denyAuth(http.StatusForbidden, "missing required scope: "+requiredScope)
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "missing or invalid bearer token")
	}
	encHeader, rest, ok1 := strings.Cut(strings.TrimSpace(raw), ".")
	encPayload, encSig, ok2 := strings.Cut(rest, ".")
	if !ok1 || !ok2 || strings.Contains(encSig, ".") {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid jwt format")
	}

	var header jwtHeader
	if err := decodeSegment(encHeader, &header); err != nil {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "unsupported jwt algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(encHeader + "." + encPayload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "jwt signature mismatch")
	}

	var payload jwtPayload
	if err := decodeSegment(encPayload, &payload); err != nil {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid jwt payload")
	}
	if payload.UserID == "" {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "missing user_id claim")
	}
	exp, err := payload.Exp.Int64()
	if err != nil {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "token expired")
	}
	if payload.Aud != "calsync" {
		return tokenClaims{}, denyAuth(http.StatusUnauthorized, "invalid aud claim")
	}

	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, denyAuth(http.StatusForbidden, "no scopes granted")
	}

	return tokenClaims{UserID: payload.UserID, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, into any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return denyAuth(http.StatusUnauthorized, "missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return denyAuth(http.StatusUnauthorized, "invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return denyAuth(http.StatusUnauthorized, "internal request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return denyAuth(http.StatusUnauthorized, "internal signature mismatch")
	}
	return nil
}
