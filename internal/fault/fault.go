package fault

import (
	"errors"
	"fmt"
	"net/http"

	"shardgate/pkg/problems"
)

// Kind classifies every failure the request pipeline can produce. The kind
// drives retry policy, the external status code, and whether the event is
// security-relevant. NotFound is deliberately part of the set: a read miss
// is a valid empty result, not a fault, but handlers still route it here to
// keep the mapping in one place.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidIdentity
	KindPolicyRejected
	KindIdentityUntrusted
	KindBrokerUnavailable
	KindThrottled
	KindAccessDenied
	KindNotFound
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidIdentity:
		return "invalid_identity"
	case KindPolicyRejected:
		return "policy_rejected"
	case KindIdentityUntrusted:
		return "identity_untrusted"
	case KindBrokerUnavailable:
		return "broker_unavailable"
	case KindThrottled:
		return "throttled"
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error carries a kind plus an internal message. The internal message is for
// logs and never reaches the caller verbatim.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Transient reports whether the kind warrants a bounded retry. Caller-input,
// authorization, and trust failures never retry (fail closed).
func Transient(k Kind) bool {
	return k == KindBrokerUnavailable || k == KindThrottled
}

// Security reports whether the kind must be logged as a security-relevant
// event, distinct from ordinary failures.
func Security(k Kind) bool {
	return k == KindPolicyRejected || k == KindIdentityUntrusted || k == KindAccessDenied
}

// HTTPStatus maps a kind to the caller-visible status category.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidIdentity:
		return http.StatusBadRequest
	case KindPolicyRejected, KindIdentityUntrusted, KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBrokerUnavailable, KindThrottled:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Slug maps a kind to its external problem slug. Authorization kinds share
// one slug on purpose: the caller learns "unauthorized", nothing about which
// stage refused or why.
func Slug(k Kind) string {
	switch k {
	case KindInvalidIdentity:
		return problems.SlugInvalidIdentity
	case KindPolicyRejected, KindIdentityUntrusted, KindAccessDenied:
		return problems.SlugUnauthorized
	case KindNotFound:
		return problems.SlugNotFound
	case KindBrokerUnavailable, KindThrottled:
		return problems.SlugUnavailable
	case KindTimeout:
		return problems.SlugTimeout
	default:
		return problems.SlugInternal
	}
}
