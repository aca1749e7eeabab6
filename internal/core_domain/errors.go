package core_domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStateConflict indicates a compare-and-set on a record's state lost the race.
	ErrStateConflict = errors.New("outreach record state changed concurrently")
	// ErrInvalidTransition indicates a state change the outreach lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid outreach state transition")
	// ErrUnknownProvider indicates an unsupported or unconfigured mail provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrCredentialNotFound indicates the user never connected the provider.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialRevoked indicates the user withdrew consent or the provider invalidated the grant.
	ErrCredentialRevoked = errors.New("credential revoked")
	// ErrCredentialRefreshTransient indicates the token endpoint could not be reached; retry later.
	ErrCredentialRefreshTransient = errors.New("credential refresh failed transiently")

	// ErrQuotaExhausted indicates no dispatch slot is available in the current window.
	ErrQuotaExhausted = errors.New("dispatch quota exhausted")
)

// ProviderErrorKind is the normalized class of a provider failure.
type ProviderErrorKind string

const (
	KindRetryable   ProviderErrorKind = "retryable"
	KindRateLimited ProviderErrorKind = "rate_limited"
	KindPermanent   ProviderErrorKind = "permanent"
)

// Permanent failure reasons.
const (
	ReasonInvalidRecipient  = "invalid_recipient"
	ReasonAuthRevoked       = "auth_revoked"
	ReasonMalformedMessage  = "malformed_message"
	ReasonCredentialRevoked = "credential_revoked"
	ReasonCredentialMissing = "credential_not_found"
	ReasonMaxAttempts       = "max_attempts_exceeded"
	ReasonLawyerUnavailable = "lawyer_unavailable"
)

// ProviderError is the only error type that crosses the provider adapter boundary.
type ProviderError struct {
	Kind       ProviderErrorKind
	Reason     string
	RetryAfter time.Duration // Set for KindRateLimited
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable builds a transient provider failure (5xx, timeout, connection reset).
func Retryable(reason string, err error) *ProviderError {
	return &ProviderError{Kind: KindRetryable, Reason: reason, Err: err}
}

// RateLimited builds a provider-imposed throttle with the delay the provider asked for.
func RateLimited(retryAfter time.Duration, err error) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, Reason: "rate_limited", RetryAfter: retryAfter, Err: err}
}

// Permanent builds a failure that must not be retried.
func Permanent(reason string, err error) *ProviderError {
	return &ProviderError{Kind: KindPermanent, Reason: reason, Err: err}
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried with backoff: provider transient
// faults, provider throttling and transient token refresh failures.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCredentialRefreshTransient) {
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind == KindRetryable || pe.Kind == KindRateLimited
	}
	return false
}

// IsPermanent reports whether err is a provider failure that must not be retried.
func IsPermanent(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == KindPermanent
}

// RetryAfterOf returns the provider-specified delay, or zero.
func RetryAfterOf(err error) time.Duration {
	if pe, ok := AsProviderError(err); ok && pe.Kind == KindRateLimited {
		return pe.RetryAfter
	}
	return 0
}
