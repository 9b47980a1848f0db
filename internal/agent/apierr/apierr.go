// Package apierr classifies agent-side failures into a fixed taxonomy:
// transport, authentication, authorization, precondition, validation,
// and integrity errors. internal/agent/apiclient maps every HTTP response
// into one of these sentinels so the polling loop and job executor never
// need to inspect status codes directly.
package apierr

import "errors"

var (
	// ErrConnectionFailure covers connection refused, DNS failure, TLS
	// failure, and timeouts — transport errors that the polling
	// loop counts toward MAX_POLL_FAILURES.
	ErrConnectionFailure = errors.New("apierr: connection failure")

	// ErrAuthenticationRejected is a 401 with no "agent revoked" detail —
	// a bad or unrecognized API key. Terminal for the polling loop (exit 3).
	ErrAuthenticationRejected = errors.New("apierr: authentication rejected")

	// ErrRevoked is a 401 whose detail names the agent as revoked.
	// Terminal for the polling loop (exit 2).
	ErrRevoked = errors.New("apierr: agent revoked")

	// ErrForbidden is a 403 — the resource exists but does not belong to
	// this agent's tenant or job claim. Never retried.
	ErrForbidden = errors.New("apierr: forbidden")

	// ErrNotFound is a 404.
	ErrNotFound = errors.New("apierr: not found")

	// ErrConflict is a 409 — e.g. a duplicate chunk delivery, treated as
	// idempotent success by the uploader rather than surfaced further.
	ErrConflict = errors.New("apierr: conflict")

	// ErrValidation is a 400/422 — malformed request, bad signature, or a
	// checksum mismatch. Never retried.
	ErrValidation = errors.New("apierr: validation failed")

	// ErrServer is a 5xx from the server — treated like a connection
	// failure for retry purposes.
	ErrServer = errors.New("apierr: server error")
)

// StorageCategory is the four-way normalization every StorageAdapter maps
// its backend-specific errors into.
type StorageCategory int

const (
	StoragePermissionDenied StorageCategory = iota
	StorageNotFound
	StorageConnectionFailure
	StorageInvalidLocation
)

func (c StorageCategory) String() string {
	switch c {
	case StoragePermissionDenied:
		return "permission_denied"
	case StorageNotFound:
		return "not_found"
	case StorageConnectionFailure:
		return "connection_failure"
	case StorageInvalidLocation:
		return "invalid_location"
	default:
		return "unknown"
	}
}

// StorageError wraps an adapter-specific error with its normalized
// category. Adapters return this rather than raw SDK errors so callers
// can branch on Category without importing per-backend SDK error types.
type StorageError struct {
	Category StorageCategory
	Op       string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "apierr: " + e.Op + ": " + e.Category.String()
	}
	return "apierr: " + e.Op + ": " + e.Category.String() + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError constructs a StorageError.
func NewStorageError(op string, category StorageCategory, err error) *StorageError {
	return &StorageError{Op: op, Category: category, Err: err}
}
