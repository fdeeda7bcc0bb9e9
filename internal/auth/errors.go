package auth

import "errors"

var (
	// ErrAuthenticationFailed is deliberately generic: it never distinguishes
	// "no such user" from "wrong secret" or "inactive account".
	ErrAuthenticationFailed = errors.New("auth: authentication failed")

	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenRevoked     = errors.New("auth: token revoked")

	// ErrTokenReuseDetected marks replay of a superseded refresh token.
	// Distinct from ordinary revocation so audit trails can tell them apart.
	ErrTokenReuseDetected = errors.New("auth: token reuse detected")

	// ErrUnauthenticated is the umbrella returned by Authorize for any
	// token-validity failure; the specific cause is attached alongside it.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	ErrForbidden = errors.New("auth: insufficient permissions")

	// ErrUpstreamUnavailable signals a storage or revocation-store timeout.
	// The revocation store failing closed surfaces as this error, never as
	// silent acceptance of a token.
	ErrUpstreamUnavailable = errors.New("auth: upstream unavailable")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
