package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// jwtExpiry decodes the unverified exp claim out of a JWT access token's
// payload segment. Kiro's idc access tokens are JWTs; this is used only to
// sanity-check a cached token locally when ExpiresAt bookkeeping is absent,
// never to validate the token's signature.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers still pad base64url; fall back before giving up.
		padded := parts[1]
		if m := len(padded) % 4; m != 0 {
			padded += strings.Repeat("=", 4-m)
		}
		payload, err = base64.URLEncoding.DecodeString(padded)
		if err != nil {
			return time.Time{}, false
		}
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
