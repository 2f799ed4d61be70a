package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnauthenticated   = errors.New("unauthenticated principal")
	ErrRateLimited       = errors.New("rate limit exceeded")

	// ErrValidation rejects bad input to Submit. Callers may fix the input and resubmit.
	ErrValidation = errors.New("validation error")

	// Redemption failures. All three are terminal for the token.
	ErrTokenNotFound    = errors.New("session token not found")
	ErrTokenExpired     = errors.New("session token expired")
	ErrTokenAlreadyUsed = errors.New("session token already used")

	ErrWorkerFailure    = errors.New("worker failure")
	ErrStoreUnavailable = errors.New("job store unavailable")

	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)

// IsRedemptionError reports whether err is one of the token redemption failures.
func IsRedemptionError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenAlreadyUsed)
}
