// Package xerr implements the error taxonomy used across the ingestion
// core. Errors carry their retry policy as data instead of relying on
// callers to pattern-match on error strings or concrete types.
package xerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind buckets an error into one of the categories spec.md §7 defines.
type Kind string

const (
	// Transport errors drive backoff/penalty/circuit-breaker decisions.
	KindTimeout             Kind = "timeout"
	KindNetwork             Kind = "network"
	KindUpstream5xx         Kind = "upstream_5xx"
	KindRateLimited         Kind = "rate_limited"
	KindWsProtocolViolation Kind = "ws_protocol_violation"

	// Auth errors.
	KindMissingAuth     Kind = "missing_auth"
	KindAuthFailed      Kind = "auth_failed"
	KindPermissionDenied Kind = "permission_denied"

	// Contract errors.
	KindNotSupported   Kind = "not_supported"
	KindCatalogInvalid Kind = "catalog_invalid"

	// Persistence errors.
	KindMongoUnavailable Kind = "mongo_unavailable"
	KindSpoolFull        Kind = "spool_full"
	KindSpoolIo          Kind = "spool_io"
	KindSerialise        Kind = "serialise"

	// Lifecycle errors.
	KindShutdown Kind = "shutdown"
	KindInternal Kind = "internal"
)

// Error is the concrete error type threaded through the core. Retryable
// transport errors never reach the pipeline sink; persistence errors
// drive the spool fallback; lifecycle errors propagate to callers
// unchanged.
type Error struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration
	Retries    int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Retry builds a retryable transport error with an explicit backoff hint.
func Retry(kind Kind, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: kind, Retryable: true, RetryAfter: retryAfter, Cause: cause}
}

// MongoUnavailable builds a persistence error carrying the retry count
// the primary sink attempted before giving up, matching spec.md §7's
// MongoUnavailable{retries, msg} shape. The name is kept from the
// source system; see SPEC_FULL.md's DOMAIN STACK note on the JetStream
// substitution.
func MongoUnavailable(retries int, cause error) *Error {
	return &Error{Kind: KindMongoUnavailable, Retryable: true, Retries: retries, Cause: cause}
}

// SpoolFull builds a persistence error naming the overflow policy that
// was in effect when the spool rejected a batch.
func SpoolFull(policy string) *Error {
	return &Error{Kind: KindSpoolFull, Cause: fmt.Errorf("spool full (policy=%s)", policy)}
}

// Is allows errors.Is(err, xerr.KindX) style matching via a sentinel
// wrapper, kept intentionally minimal: callers are expected to inspect
// Kind directly via errors.As.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
