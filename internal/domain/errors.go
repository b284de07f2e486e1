package domain

import "errors"

// ErrorKind classifies authentication failures for callers and the HTTP layer.
type ErrorKind string

const (
	KindPolicyDenied      ErrorKind = "policy_denied"
	KindThrottledLockout  ErrorKind = "throttled_lockout"
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindTransientFailure  ErrorKind = "transient_failure"
	KindMalformedToken    ErrorKind = "malformed_token"
)

// Retryable reports whether the caller may retry the same request later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindThrottledLockout, KindInvalidCredential, KindTransientFailure:
		return true
	}
	return false
}

// Sentinels usable with errors.Is against any *AuthError of the same kind.
var (
	ErrPolicyDenied      = &AuthError{Kind: KindPolicyDenied}
	ErrThrottledLockout  = &AuthError{Kind: KindThrottledLockout}
	ErrInvalidCredential = &AuthError{Kind: KindInvalidCredential}
	ErrTransientFailure  = &AuthError{Kind: KindTransientFailure}
	ErrMalformedToken    = &AuthError{Kind: KindMalformedToken}
)

// AuthError carries a kind, a caller-safe message and an optional internal cause.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError with the same kind.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewAuthError builds an AuthError.
func NewAuthError(kind ErrorKind, message string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of err, or TransientFailure for anything unclassified.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransientFailure
}
