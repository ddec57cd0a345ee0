package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is the error shape surfaced to HTTP clients. Code is the
// wire-level error code (e.g. "no-such-port"), Status the HTTP status,
// Params optional structured details merged into the response body.
type APIError struct {
	Code   string
	Status int
	Params map[string]any
}

// Error implements the error interface
func (e *APIError) Error() string {
	if len(e.Params) > 0 {
		return fmt.Sprintf("%s: %v", e.Code, e.Params)
	}
	return e.Code
}

// WithParams returns a copy of the error carrying the given params
func (e *APIError) WithParams(params map[string]any) *APIError {
	return &APIError{Code: e.Code, Status: e.Status, Params: params}
}

// Common API errors, one per taxonomy kind.
var (
	APIAuthenticationRequired = &APIError{Code: "authentication-required", Status: http.StatusUnauthorized}
	APIForbidden              = &APIError{Code: "forbidden", Status: http.StatusForbidden}
	APIInvalidRequest         = &APIError{Code: "invalid-request", Status: http.StatusBadRequest}
	APIUnexpectedError        = &APIError{Code: "unexpected-error", Status: http.StatusInternalServerError}
	APIBusy                   = &APIError{Code: "busy", Status: http.StatusServiceUnavailable}
)

// NewAPIError builds an APIError from a code, status and key/value params
func NewAPIError(code string, status int, kv ...any) *APIError {
	params := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			params[k] = kv[i+1]
		}
	}
	if len(params) == 0 {
		params = nil
	}
	return &APIError{Code: code, Status: status, Params: params}
}

// InvalidField returns the standard invalid-field error for a named field
func InvalidField(field string, details ...string) *APIError {
	params := map[string]any{"field": field}
	if len(details) > 0 {
		params["details"] = details[0]
	}
	return &APIError{Code: "invalid-field", Status: http.StatusBadRequest, Params: params}
}

// MissingField returns the standard missing-field error for a named field
func MissingField(field string) *APIError {
	return &APIError{Code: "missing-field", Status: http.StatusBadRequest,
		Params: map[string]any{"field": field}}
}

// NoSuch returns a 404 no-such-<what> error
func NoSuch(what string) *APIError {
	return &APIError{Code: "no-such-" + what, Status: http.StatusNotFound}
}

// Duplicate returns a 400 duplicate-<what> error
func Duplicate(what string) *APIError {
	return &APIError{Code: "duplicate-" + what, Status: http.StatusBadRequest}
}

// ToAPI translates a core error into its API representation. APIErrors
// pass through unchanged; classified and sentinel errors map per the
// taxonomy; anything else becomes unexpected-error.
func ToAPI(err error) *APIError {
	if err == nil {
		return nil
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, ErrNoSuchPort):
		return NoSuch("port")
	case errors.Is(err, ErrNoSuchDevice):
		return NoSuch("device")
	case errors.Is(err, ErrDuplicatePort):
		return Duplicate("port")
	case errors.Is(err, ErrDuplicateDevice), errors.Is(err, ErrDeviceAlreadyExists):
		return Duplicate("device")
	case errors.Is(err, ErrPortDisabled):
		return &APIError{Code: "port-disabled", Status: http.StatusBadRequest}
	case errors.Is(err, ErrReadOnlyPort):
		return &APIError{Code: "read-only-port", Status: http.StatusBadRequest}
	case errors.Is(err, ErrPortWithExpression):
		return &APIError{Code: "port-with-expression", Status: http.StatusBadRequest}
	case errors.Is(err, ErrInvalidValue):
		return &APIError{Code: "invalid-value", Status: http.StatusBadRequest}
	case errors.Is(err, ErrPortTimeout):
		return &APIError{Code: "port-timeout", Status: http.StatusGatewayTimeout}
	case errors.Is(err, ErrPortError):
		return &APIError{Code: "port-error", Status: http.StatusBadGateway}
	case errors.Is(err, ErrDeviceOffline):
		return &APIError{Code: "device-offline", Status: http.StatusServiceUnavailable}
	case errors.Is(err, ErrDeviceDisabled):
		return &APIError{Code: "device-disabled", Status: http.StatusBadRequest}
	case errors.Is(err, ErrTimeout):
		return &APIError{Code: "device-timeout", Status: http.StatusGatewayTimeout}
	case errors.Is(err, ErrConnectionRefused):
		return &APIError{Code: "connection-refused", Status: http.StatusBadGateway}
	case errors.Is(err, ErrHostUnreachable),
		errors.Is(err, ErrNetworkUnreachable),
		errors.Is(err, ErrUnresolvableHostname):
		return &APIError{Code: "unreachable", Status: http.StatusBadGateway}
	case errors.Is(err, ErrInvalidDevice):
		return &APIError{Code: "invalid-device", Status: http.StatusBadGateway}
	case errors.Is(err, ErrDeviceBusy):
		return APIBusy
	case IsInvalid(err):
		return &APIError{Code: "invalid-request", Status: http.StatusBadRequest,
			Params: map[string]any{"details": err.Error()}}
	default:
		return APIUnexpectedError
	}
}
