package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"timeout", ErrTimeout, true},
		{"connection refused", ErrConnectionRefused, true},
		{"host unreachable", ErrHostUnreachable, true},
		{"device offline", ErrDeviceOffline, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"invalid value", ErrInvalidValue, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestWrapPreservesClassification(t *testing.T) {
	inner := WrapInvalid(ErrInvalidValue, "Port", "SetAttr", "validation")
	outer := Wrap(inner, "API", "PatchPort", "set attrs")

	assert.True(t, IsInvalid(outer))
	assert.True(t, Is(outer, ErrInvalidValue))
	assert.Contains(t, outer.Error(), "API.PatchPort")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestToAPI(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"no such port", ErrNoSuchPort, "no-such-port", http.StatusNotFound},
		{"no such device", ErrNoSuchDevice, "no-such-device", http.StatusNotFound},
		{"duplicate device", ErrDuplicateDevice, "duplicate-device", http.StatusBadRequest},
		{"port disabled", ErrPortDisabled, "port-disabled", http.StatusBadRequest},
		{"read only", ErrReadOnlyPort, "read-only-port", http.StatusBadRequest},
		{"with expression", ErrPortWithExpression, "port-with-expression", http.StatusBadRequest},
		{"port timeout", ErrPortTimeout, "port-timeout", http.StatusGatewayTimeout},
		{"port error", ErrPortError, "port-error", http.StatusBadGateway},
		{"device offline", ErrDeviceOffline, "device-offline", http.StatusServiceUnavailable},
		{"slave timeout", ErrTimeout, "device-timeout", http.StatusGatewayTimeout},
		{"refused", ErrConnectionRefused, "connection-refused", http.StatusBadGateway},
		{"unreachable", ErrHostUnreachable, "unreachable", http.StatusBadGateway},
		{"busy", ErrDeviceBusy, "busy", http.StatusServiceUnavailable},
		{"unknown", fmt.Errorf("boom"), "unexpected-error", http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ae := ToAPI(test.err)
			require.NotNil(t, ae)
			assert.Equal(t, test.code, ae.Code)
			assert.Equal(t, test.status, ae.Status)
		})
	}
}

func TestToAPIWrapped(t *testing.T) {
	err := Wrap(ErrNoSuchPort, "API", "GetPort", "lookup")
	ae := ToAPI(err)
	require.NotNil(t, ae)
	assert.Equal(t, "no-such-port", ae.Code)
}

func TestToAPIPassthrough(t *testing.T) {
	orig := InvalidField("expression", "unexpected character")
	ae := ToAPI(fmt.Errorf("handler: %w", orig))
	require.NotNil(t, ae)
	assert.Equal(t, "invalid-field", ae.Code)
	assert.Equal(t, "expression", ae.Params["field"])
}

func TestToAPINil(t *testing.T) {
	assert.Nil(t, ToAPI(nil))
}
