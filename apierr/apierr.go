package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the failure families callers are
// allowed to branch on. Kinds, not messages, drive retry and status-code
// decisions; messages are for humans.
type Kind int

const (
	// KindUnknown is the zero value; errors without a kind map here.
	KindUnknown Kind = iota
	// KindValidation indicates missing or malformed input, rejected before
	// any external call was made.
	KindValidation
	// KindAuthorization indicates payment was absent, insufficient, sent by
	// the wrong payer or to the wrong destination, or used a replayed hash.
	KindAuthorization
	// KindNotFound indicates the requested entity does not exist.
	KindNotFound
	// KindConflict indicates the action was already performed (claimed,
	// retrieved, or a consumed transaction hash).
	KindConflict
	// KindState indicates the entity is in the wrong phase for the action,
	// e.g. bidding on an ended auction.
	KindState
	// KindCrypto indicates a cryptographic failure: missing key, malformed
	// blob, or authentication-tag mismatch.
	KindCrypto
	// KindUpstream indicates a collaborator (ledger, store, generator) was
	// unreachable or misbehaved. Retryable with backoff; never an
	// authorization decision.
	KindUpstream
)

// String returns a string-encoded kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindCrypto:
		return "crypto"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is a kinded error. Collaborator error text is carried in the wrapped
// cause for logs but is never part of the caller-facing message.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// New returns a new kinded error.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns a new kinded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-facing message to cause. The cause is
// reachable via errors.Unwrap but is not included in Error().
func Wrap(kind Kind, cause error, msg string) error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// GetKind walks the error chain and returns the first kind found, or
// KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch GetKind(err) {
	case KindValidation, KindState:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindCrypto:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
