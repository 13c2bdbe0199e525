package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	scopeAdminRead  = "admin:read"
	scopeAdminWrite = "admin:write"
	tokenAudience   = "disputesync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// jwtPayload is the operator token body. Scopes may be a JSON array or a
// space separated string.
type jwtPayload struct {
	Subject  string          `json:"sub"`
	Audience string          `json:"aud"`
	Expiry   json.Number     `json:"exp"`
	Scopes   json.RawMessage `json:"scopes"`
}

// authorizeBearer accepts the token when it carries any of the scopes.
func authorizeBearer(authHeader, jwtSecret string, now time.Time, scopes ...string) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if len(scopes) == 0 {
		return claims, nil
	}
	for _, scope := range scopes {
		if _, ok := claims.Scopes[scope]; ok {
			return claims, nil
		}
	}
	return tokenClaims{}, forbidden("missing required scope: " + scopes[0])
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	body, authErr := verifyHS256(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}

	var payload jwtPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := payload.Expiry.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if payload.Audience != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := decodeScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: payload.Subject, Scopes: scopes, Exp: exp}, nil
}

// verifyHS256 checks the header and signature of a compact JWT and returns
// the decoded payload bytes.
func verifyHS256(token, secret string) ([]byte, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || json.Unmarshal(headerBytes, &header) != nil {
		return nil, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return nil, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, hs256(secret, parts[0]+"."+parts[1])) {
		return nil, unauthorized("jwt signature mismatch")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, unauthorized("invalid jwt payload")
	}
	return body, nil
}

func hs256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func decodeScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if json.Unmarshal(raw, &joined) != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// SignToken issues an HS256 operator token. The control CLI uses it to
// mint short-lived tokens from the shared secret.
func SignToken(secret, subject string, scopes []string, exp time.Time) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"sub":    subject,
		"aud":    tokenAudience,
		"exp":    exp.Unix(),
		"scopes": scopes,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(hs256(secret, signingInput)), nil
}
