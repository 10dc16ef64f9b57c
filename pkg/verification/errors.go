package verification

import "fmt"

// ErrorKind classifies a terminal failure of a verification chain.
type ErrorKind string

const (
	KindSystem           ErrorKind = "SYSTEM"
	KindConfiguration    ErrorKind = "CONFIGURATION"
	KindValidation       ErrorKind = "VALIDATION"
	KindTransport        ErrorKind = "TRANSPORT"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindTooManySteps     ErrorKind = "TOO_MANY_STEPS"
	KindVerificationLoop ErrorKind = "VERIFICATION_LOOP"
	KindCancelled        ErrorKind = "CANCELLED"
)

// Error is the normalized error handed to a chain's error callback.
type Error struct {
	Kind    ErrorKind `json:"errorType"`
	Details string    `json:"details"`
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

// Retryable reports whether resubmitting the same request may succeed.
// A cancelled chain was stopped by the user and is never retried.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindCancelled, KindValidation, KindConfiguration, KindVerificationLoop:
		return false
	}
	return true
}
