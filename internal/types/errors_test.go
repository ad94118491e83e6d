package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidDate,
		Message: "date must be YYYY-MM-DD",
	}

	expected := "validation_invalid_date: date must be YYYY-MM-DD"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorErrorFormatWithCause(t *testing.T) {
	appErr := NewAppError(ErrCodeInternalDB, "failed to query persons", errors.New("conn reset"))

	expected := "internal_database_error: failed to query persons: conn reset"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := &AppError{
		Code:    ErrCodeInternalDB,
		Message: "failed to query persons",
		Err:     underlying,
	}

	if !errors.Is(appErr, underlying) {
		t.Errorf("errors.Is did not find the underlying error")
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeAuthSessionExpired, "session has expired", nil)
	wrappedErr := fmt.Errorf("handler failed: %w", appErr)

	var target *AppError
	if !errors.As(wrappedErr, &target) {
		t.Fatal("errors.As failed to extract *AppError from chain")
	}
	if target.Code != ErrCodeAuthSessionExpired {
		t.Errorf("extracted code = %q, want %q", target.Code, ErrCodeAuthSessionExpired)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidDate, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeAuthInvalidCreds, http.StatusUnauthorized},
		{ErrCodeAuthSessionExpired, http.StatusUnauthorized},
		{ErrCodeAuthLockedOut, http.StatusTooManyRequests},
		{ErrCodePermissionRole, http.StatusForbidden},
		{ErrCodeNotFoundPerson, http.StatusNotFound},
		{ErrCodeConflictPartnerLinked, http.StatusConflict},
		{ErrCodeEmailBlocked, http.StatusForbidden},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeUpstreamEmailProvider, http.StatusBadGateway},
		{ErrCodeConfigMissing, http.StatusInternalServerError},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorWithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeValidationFailed, "bad input", nil, map[string]any{"a": 1})
	merged := orig.WithDetails(map[string]any{"b": 2})

	if len(orig.Details) != 1 {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if merged.Details["a"] != 1 || merged.Details["b"] != 2 {
		t.Errorf("merged details = %v", merged.Details)
	}
}
