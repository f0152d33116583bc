package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	GuardErrorValidation       = "GUARD_VALIDATION"
	GuardErrorUnauthenticated  = "GUARD_UNAUTHENTICATED"
	GuardErrorRateLimited      = "GUARD_RATE_LIMITED"
	GuardErrorDuplicateEvent   = "GUARD_DUPLICATE_EVENT"
	GuardErrorLockNotAcquired  = "GUARD_LOCK_NOT_ACQUIRED"
	GuardErrorCircuitOpen      = "GUARD_CIRCUIT_OPEN"
	GuardErrorStoreUnavailable = "GUARD_STORE_UNAVAILABLE"
	GuardErrorNotFound         = "GUARD_NOT_FOUND"
	GuardErrorInternal         = "GUARD_INTERNAL_ERROR"
)

// DefaultErrorMapper lifts arbitrary errors into guard envelopes. Rich
// errors keep their category; plain errors are classified by message.
func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return EnsureGuardErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"), strings.Contains(msg, "unauthenticated"):
		return newGuardError(err.Error(), goerrors.CategoryAuth, GuardErrorUnauthenticated)
	case strings.Contains(msg, "lock") && (strings.Contains(msg, "not acquired") || strings.Contains(msg, "held")):
		return newGuardError(err.Error(), goerrors.CategoryConflict, GuardErrorLockNotAcquired)
	case strings.Contains(msg, "circuit"):
		return newGuardError(err.Error(), goerrors.CategoryOperation, GuardErrorCircuitOpen).
			WithCode(http.StatusServiceUnavailable)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newGuardError(err.Error(), goerrors.CategoryRateLimit, GuardErrorRateLimited)
	case strings.Contains(msg, "store"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "unavailable"):
		return newGuardError(err.Error(), goerrors.CategoryExternal, GuardErrorStoreUnavailable).
			WithCode(http.StatusServiceUnavailable)
	case strings.Contains(msg, "not found"):
		return newGuardError(err.Error(), goerrors.CategoryNotFound, GuardErrorNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newGuardError(err.Error(), goerrors.CategoryBadInput, GuardErrorValidation)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return EnsureGuardErrorEnvelope(mapped)
}

func newGuardError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return EnsureGuardErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

// EnsureGuardErrorEnvelope fills the HTTP code and text code a mapped
// error is missing.
func EnsureGuardErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = guardHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultGuardTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultGuardTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return GuardErrorValidation
	case goerrors.CategoryNotFound:
		return GuardErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return GuardErrorUnauthenticated
	case goerrors.CategoryConflict:
		return GuardErrorLockNotAcquired
	case goerrors.CategoryRateLimit:
		return GuardErrorRateLimited
	case goerrors.CategoryExternal:
		return GuardErrorStoreUnavailable
	default:
		return GuardErrorInternal
	}
}

func guardHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
