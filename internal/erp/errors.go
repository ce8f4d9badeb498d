package erp

import (
	"errors"
	"fmt"
)

// Kind classifies a failure from the remote boundary. The executor's retry
// policy keys off this: only Transient failures are retried, and only
// within a single attempt.
type Kind int

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = iota
	// KindAuthExpired marks a rejected stored credential. The session is
	// destroyed, the credential cache purged, and the user must
	// re-authenticate.
	KindAuthExpired
	// KindTransient marks remote timeouts and 5xx-equivalents, eligible
	// for a small bounded number of in-attempt retries.
	KindTransient
	// KindPermanent marks an explicit rejection by the remote system.
	KindPermanent
	// KindCancelled marks a cooperative cancellation at a checkpoint.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindAuthExpired:
		return "AUTH_EXPIRED"
	case KindTransient:
		return "TRANSIENT_UPSTREAM"
	case KindPermanent:
		return "PERMANENT_UPSTREAM"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Error carries the taxonomy kind alongside the underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a classified error.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the kind from err; unclassified errors count as Transient
// since they are almost always I/O level.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTransient reports whether the failure may be retried within an attempt.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuthExpired reports whether the stored credential was rejected.
func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }
