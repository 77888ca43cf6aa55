package token

import "errors"

// Failure classification for a refresh attempt, per the taxonomy: rejected
// refreshes should disable the credential, transient ones are retriable by
// the pool, and anything else is an opaque error.
var (
	ErrRefreshRejected  = errors.New("token: refresh rejected (invalid_grant or 400/401)")
	ErrRefreshTransient = errors.New("token: refresh failed transiently (network/5xx)")
	ErrRefreshError     = errors.New("token: refresh failed")
)
