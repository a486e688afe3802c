package shared

import "errors"

// Sentinel errors shared across modules. Handlers map these onto HTTP
// problem responses; services wrap them with fmt.Errorf and %w.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate or a state-violating mutation.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized indicates failed credential or token verification.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrTooManyRequests indicates an active lockout or exhausted attempt budget.
	ErrTooManyRequests = errors.New("too many requests")
	// ErrBadRequest indicates malformed input.
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidCredentials indicates login failure. Deliberately does not
	// disclose which factor failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
