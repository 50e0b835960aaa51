package auth

import "errors"

// Sentinel errors classifying every failure the service surfaces.
// Handlers map these to HTTP status codes with errors.Is; anything not
// matching one of them is treated as ErrInternal.
var (
	// ErrRateLimited means a rate-limit token could not be consumed.
	// It never reveals which bucket rejected the request.
	ErrRateLimited = errors.New("too many requests")

	// ErrUnauthenticated means no valid session or token was presented.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrForbidden means a state precondition is unmet, such as a 2FA
	// step attempted before email verification.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput covers malformed or missing fields, including
	// passwords rejected by the strength check.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVerificationFailed is the deliberately coarse rejection for
	// any cryptographic or protocol check failure.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrConflict covers duplicate emails and the per-namespace
	// credential cap.
	ErrConflict = errors.New("conflict")

	// ErrInternal covers storage and codec failures.
	ErrInternal = errors.New("internal error")
)
