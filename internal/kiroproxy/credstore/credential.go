// Package credstore owns the on-disk credential file: it loads, mutates, and
// atomically persists the set of Kiro OAuth credentials the Credential Pool
// selects from.
package credstore

import "time"

// AuthMethod discriminates the OAuth refresh protocol a Credential uses.
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodIDC    AuthMethod = "idc"
)

// normalizeAuthMethod maps the on-load aliases builder-id and iam onto idc,
// per the Open Question resolution: the source treats them as aliases
// without distinguishing them at refresh time, and neither does this store.
func normalizeAuthMethod(raw string) AuthMethod {
	switch raw {
	case "builder-id", "iam", "idc":
		return AuthMethodIDC
	case "social", "":
		return AuthMethodSocial
	default:
		return AuthMethod(raw)
	}
}

// Credential is one OAuth principal usable against the Kiro upstream.
type Credential struct {
	ID           int64      `json:"id"`
	RefreshToken string     `json:"refresh_token"`
	AccessToken  string     `json:"access_token,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
	ProfileArn   string     `json:"profile_arn,omitempty"`
	AuthMethod   AuthMethod `json:"auth_method"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Priority     int        `json:"priority"`
	AuthRegion   string     `json:"auth_region,omitempty"`
	APIRegion    string     `json:"api_region,omitempty"`
	MachineID    string     `json:"machine_id,omitempty"`
	Email        string     `json:"email,omitempty"`
	Disabled     bool       `json:"disabled"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	LastUsedAt   time.Time  `json:"last_used_at,omitempty"`

	// DisabledReason records why Disabled was set, for the admin layer.
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// Clone returns a defensive deep-enough copy (no shared mutable slices/maps
// exist on Credential, so a value copy already suffices).
func (c Credential) Clone() Credential {
	return c
}

// TokenValid reports whether AccessToken is present and not within skew of
// expiring.
func (c Credential) TokenValid(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}

// RefreshTokenHash returns a short, non-reversible identifier for the
// refresh token suitable for admin-layer de-duplication without exposing the
// secret itself.
func (c Credential) RefreshTokenHash() string {
	return hashSecret(c.RefreshToken)
}
