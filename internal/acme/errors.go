package acme

import (
	"errors"
	"fmt"
	"time"
)

// ProblemKind classifies an ACME problem document into the propagation
// buckets spec.md §7 defines. Only BadNonce and ServerInternal ever trigger
// client-side retries; the rest are surfaced to the scheduler as-is.
type ProblemKind string

// Recognized problem kinds, per spec.md §7.
const (
	BadNonce       ProblemKind = "badNonce"
	RateLimited    ProblemKind = "rateLimited"
	Unauthorized   ProblemKind = "unauthorized"
	Malformed      ProblemKind = "malformed"
	ServerInternal ProblemKind = "serverInternal"
	OtherProblem   ProblemKind = "other"
)

// urn prefixes from RFC 8555 §6.7 and the IANA ACME error-type registry.
const (
	urnBadNonce     = "urn:ietf:params:acme:error:badNonce"
	urnRateLimited  = "urn:ietf:params:acme:error:rateLimited"
	urnUnauthorized = "urn:ietf:params:acme:error:unauthorized"
	urnMalformed    = "urn:ietf:params:acme:error:malformed"
	urnServerInt    = "urn:ietf:params:acme:error:serverInternal"
)

func classify(p *Problem) ProblemKind {
	switch p.Type {
	case urnBadNonce:
		return BadNonce
	case urnRateLimited:
		return RateLimited
	case urnUnauthorized:
		return Unauthorized
	case urnMalformed:
		return Malformed
	case urnServerInt:
		return ServerInternal
	default:
		return OtherProblem
	}
}

// ProtocolError wraps an ACME problem document returned by the server, with
// the HTTP status and (when present) a parsed Retry-After duration.
type ProtocolError struct {
	Kind       ProblemKind
	Problem    *Problem
	RetryAfter time.Duration
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acme: %s: %s (status %d)", e.Kind, e.Problem.Detail, e.Problem.Status)
}

// TimeoutError is returned by poll_authorization / poll_order when the
// caller's deadline elapses before the resource reaches a terminal status.
type TimeoutError struct {
	Resource string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("acme: timed out waiting for %s (deadline %s)", e.Resource, e.Deadline.Format(time.RFC3339))
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
