package api

import (
	"errors"
	"net/http"

	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/storage"
)

// Kind is the admin API's error taxonomy (spec §7). The state machine and
// scheduler never leak these; the API boundary is where internal errors are
// translated into one of them.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindInvalidOperation Kind = "invalid_operation"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal         Kind = "internal"
)

// apiError is a structured {message, status_code} response body (spec §7).
type apiError struct {
	Kind Kind
	Message string
	Status int
}

func (e *apiError) Error() string { return e.Message }

func newAPIError(kind Kind, status int, message string) *apiError {
	return &apiError{Kind: kind, Message: message, Status: status}
}

func errNotFound(message string) *apiError {
	return newAPIError(KindNotFound, http.StatusNotFound, message)
}

func errAlreadyExists(message string) *apiError {
	return newAPIError(KindAlreadyExists, http.StatusBadRequest, message)
}

func errUnauthorized(message string) *apiError {
	return newAPIError(KindUnauthorized, http.StatusUnauthorized, message)
}

func errForbidden(message string) *apiError {
	return newAPIError(KindForbidden, http.StatusForbidden, message)
}

func errInvalidOperation(message string) *apiError {
	return newAPIError(KindInvalidOperation, http.StatusBadRequest, message)
}

func errServiceUnavailable(message string) *apiError {
	return newAPIError(KindServiceUnavailable, http.StatusServiceUnavailable, message)
}

func errInternal(message string) *apiError {
	return newAPIError(KindInternal, http.StatusInternalServerError, message)
}

// translateError maps an internal error from storage/scheduler to a
// structured apiError, defaulting to Internal for anything unrecognized.
func translateError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errNotFound(err.Error())
	case errors.Is(err, scheduler.ErrInvalidOperation):
		return errInvalidOperation(err.Error())
	case errors.Is(err, scheduler.ErrServiceUnavailable):
		return errServiceUnavailable(err.Error())
	default:
		return errInternal(err.Error())
	}
}
