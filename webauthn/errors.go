package webauthn

import (
	"errors"
	"fmt"
)

// ErrVerification is the uniform rejection for any ceremony failure.
// Callers must not expose which sub-check failed; the wrapped detail is
// for internal logging only.
var ErrVerification = errors.New("webauthn: verification failed")

type verificationError struct {
	detail string
}

func (e *verificationError) Error() string {
	return fmt.Sprintf("webauthn: verification failed: %s", e.detail)
}

func (e *verificationError) Is(target error) bool {
	return target == ErrVerification
}

func failf(format string, args ...any) error {
	return &verificationError{detail: fmt.Sprintf(format, args...)}
}
