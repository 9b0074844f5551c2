package remotestore

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a remote store failure so callers can pick the right
// recovery: retry, re-authenticate, degrade, or skip.
type Kind int

const (
	// KindTransientNetwork covers timeouts, connection failures, and 5xx
	// responses. Safe to retry with backoff.
	KindTransientNetwork Kind = iota + 1

	// KindAuthExpired covers 401/403. The current pass must abort and the
	// caller re-authenticate; silent retry would just burn attempts.
	KindAuthExpired

	// KindRecordConflict covers 409: a write the merge policy did not
	// anticipate. Callers log it and keep the remote copy as a safe default.
	KindRecordConflict

	// KindQuotaExceeded covers 429 and 507. Remaining writes for the current
	// entity type are abandoned; later types still run.
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient network"
	case KindAuthExpired:
		return "auth expired"
	case KindRecordConflict:
		return "record conflict"
	case KindQuotaExceeded:
		return "quota exceeded"
	default:
		return "unknown"
	}
}

// Error is a classified remote store failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for transport-level failures
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrOwnerMismatch is returned when a record's embedded ownerId disagrees
// with the account the client is authenticated as. This is always a caller
// bug, never retried.
var ErrOwnerMismatch = errors.New("record owner does not match authenticated account")

// kindOf extracts the classification from err, or 0 if err is not a
// classified remote store error.
func kindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsTransient reports whether err is a retryable network-level failure.
func IsTransient(err error) bool { return kindOf(err) == KindTransientNetwork }

// IsAuthExpired reports whether err means the bearer token is no longer
// accepted.
func IsAuthExpired(err error) bool { return kindOf(err) == KindAuthExpired }

// IsQuotaExceeded reports whether err means the remote store refused the
// write for capacity reasons.
func IsQuotaExceeded(err error) bool { return kindOf(err) == KindQuotaExceeded }

// IsRecordConflict reports whether err is a write conflict outside policy
// coverage.
func IsRecordConflict(err error) bool { return kindOf(err) == KindRecordConflict }

// classifyStatus maps an HTTP response status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthExpired
	case status == http.StatusConflict:
		return KindRecordConflict
	case status == http.StatusTooManyRequests, status == http.StatusInsufficientStorage:
		return KindQuotaExceeded
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransientNetwork
	case status >= 400:
		// Other 4xx: the record itself was rejected. Retrying cannot help;
		// treat like an out-of-policy conflict and let the caller keep the
		// remote copy.
		return KindRecordConflict
	default:
		return KindTransientNetwork
	}
}
