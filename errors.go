package settle

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every error the engine can surface. The set is closed:
// errors are classified once at their point of origin and passed through
// the retry policy, circuit breaker and executor unchanged, so UI-level
// handlers can match on Kind to pick retry affordance and message tone.
type Kind int

const (
	// KindUnknown covers failures nothing else claimed. Treated as
	// transient so a retry gets a chance to shake it loose.
	KindUnknown Kind = iota

	// KindValidation is a fatal input problem (bad address, zero amount,
	// missing credential). Never retried, surfaced immediately.
	KindValidation

	// KindUserCancelled means the user dismissed the signing prompt.
	// Not an error for telemetry or UX purposes; the flow ends silently.
	KindUserCancelled

	// KindDeviceUnsupported means the platform authenticator cannot
	// produce the requested signature on this device.
	KindDeviceUnsupported

	// KindCredentialStale means the stored credential handle no longer
	// matches a usable key. The caller must prompt for re-authentication
	// before any local credential state is touched.
	KindCredentialStale

	// KindNetwork is a transient transport failure, including timeouts on
	// read-path RPC calls. Retryable.
	KindNetwork

	// KindRelayTimeout is a timeout on the relay write path. Retryable.
	KindRelayTimeout

	// KindRelayRejected is a relay 4xx: the relay answered and refused the
	// payload. Not retryable; resubmitting the same bytes cannot succeed.
	KindRelayRejected

	// KindCircuitOpen means the relay breaker is open; no attempt was
	// made. Fatal for this attempt, surfaced as "service degraded".
	KindCircuitOpen

	// KindLockContention means another transaction is already in flight.
	// Fatal for this attempt; callers must not queue.
	KindLockContention

	// KindPayloadStale means the ledger sequence advanced past the signed
	// expiration window before submission. Not retryable as-is: the
	// payload must be rebuilt and re-signed.
	KindPayloadStale
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUserCancelled:
		return "user_cancelled"
	case KindDeviceUnsupported:
		return "device_unsupported"
	case KindCredentialStale:
		return "credential_stale"
	case KindNetwork:
		return "network"
	case KindRelayTimeout:
		return "relay_timeout"
	case KindRelayRejected:
		return "relay_rejected"
	case KindCircuitOpen:
		return "circuit_open"
	case KindLockContention:
		return "lock_contention"
	case KindPayloadStale:
		return "payload_stale"
	default:
		return "unknown"
	}
}

// Retryable reports whether the retry policy may re-attempt an operation
// that failed with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRelayTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Severity drives how (and whether) an error is presented to the user.
type Severity int

const (
	// SeverityNone is a silent termination (user cancelled).
	SeverityNone Severity = iota
	// SeverityWarning is recoverable by the user re-running the action.
	SeverityWarning
	// SeverityError is a hard failure needing different input or support.
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// Error is the engine's error type. Every field is populated at the point
// of origin; intermediate layers never re-wrap.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindCircuitOpen}) work across instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the retry policy may re-attempt this error.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// ReauthRequired reports whether the caller should prompt the user to
// re-authenticate before anything else happens. Credential invalidation is
// never performed by the engine itself.
func (e *Error) ReauthRequired() bool { return e.Kind == KindCredentialStale }

// NewError builds an engine error with the default severity for its kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Severity: defaultSeverity(kind), Message: message}
}

// WrapError attaches a cause while classifying it. The cause stays
// reachable through errors.Is / errors.As.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Severity: defaultSeverity(kind), Message: message, Cause: cause}
}

// Errorf is NewError with formatting.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

func defaultSeverity(kind Kind) Severity {
	switch kind {
	case KindUserCancelled:
		return SeverityNone
	case KindNetwork, KindRelayTimeout, KindCircuitOpen, KindLockContention, KindPayloadStale:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// KindOf extracts the Kind from any error. Plain errors that were never
// classified come back as KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the retry policy may re-attempt err. A
// classified error answers by kind; per-request timeouts are classified
// retryable at origin even though they unwrap to DeadlineExceeded. Bare
// context errors mean the caller is gone and are never retryable; the
// retry loop additionally stops on its own context either way.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
