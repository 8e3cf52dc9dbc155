package domain

import (
	"errors"
	"fmt"
)

// Credential pool errors.
var (
	// ErrInvalidToken is returned when a token fails format validation.
	ErrInvalidToken = errors.New("invalid token format")

	// ErrUnknownToken is returned when an operation references a token that
	// is not present in the pool.
	ErrUnknownToken = errors.New("unknown token")
)

// OAuth Device Flow errors.
var (
	ErrClientNotConfigured  = errors.New("oauth client_id not configured")
	ErrMalformedResponse    = errors.New("malformed upstream response")
	ErrDeviceCodeExpired    = errors.New("device code expired, request a new device code")
	ErrAccessDenied         = errors.New("user denied access or cancelled authorization")
	ErrInvalidDeviceCode    = errors.New("invalid device code")
	ErrAuthorizationTimeout = errors.New("authorization polling attempts exhausted")
)

// Gateway errors.
var (
	ErrNoTokensAvailable = errors.New("no authentication tokens available")
)

// AuthorizationError is a terminal OAuth polling failure with an error code
// outside the set the Device Authorization Grant defines.
type AuthorizationError struct {
	Code string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization error: %s", e.Code)
}
