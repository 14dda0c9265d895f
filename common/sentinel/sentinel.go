// Package sentinel defines the error values shared by the authorization
// workflow. Stores and services wrap these with fmt.Errorf("%w") so the HTTP
// boundary can translate them with errors.Is, without string matching.
package sentinel

import "errors"

var (
	// ErrValidation marks bad caller input (missing fields, short reason).
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown request or record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an illegal transition: deciding a request that is
	// no longer pending, or verifying a code on a request that was not approved.
	ErrInvalidState = errors.New("invalid state")
	// ErrExpired marks a code presented after its expiry.
	ErrExpired = errors.New("code expired")
	// ErrAlreadyUsed marks a code that was already spent.
	ErrAlreadyUsed = errors.New("code already used")
	// ErrMismatch marks a code that does not match the stored hash.
	ErrMismatch = errors.New("code mismatch")
	// ErrTooManyAttempts marks a code locked after repeated mismatches.
	ErrTooManyAttempts = errors.New("too many code attempts")
	// ErrForbidden marks an actor without a fresh pass or the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized marks a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsCodeFailure reports whether err is one of the verification failures that
// are surfaced to callers as a single generic "invalid code" response.
func IsCodeFailure(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrTooManyAttempts)
}
