package auth

import "errors"

var (
	// ErrInvalidToken is returned for malformed, forged or incomplete tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when the token's expiry has passed.
	ErrExpiredToken = errors.New("token has expired")

	// ErrMissingToken is returned when the handshake carries no token at all.
	ErrMissingToken = errors.New("missing token")

	// ErrWeakKey is returned when the signing key is shorter than 32 bytes.
	ErrWeakKey = errors.New("signing key must be at least 32 bytes")
)
