package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeSagaConflict, http.StatusConflict},
		{CodeSagaAlreadyCompleted, http.StatusConflict},
		{CodeSagaNotFound, http.StatusNotFound},
		{CodeWorkflowNotFound, http.StatusNotFound},
		{CodeInvalidPayload, http.StatusBadRequest},
		{CodeRequestTooLarge, http.StatusRequestEntityTooLarge},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeTimeout, http.StatusGatewayTimeout},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("trigger: %w", Newf(CodeSagaConflict, "saga %s active", "s-1"))
	if !stderrors.Is(err, ErrSagaConflict) {
		t.Fatal("expected wrapped conflict to match ErrSagaConflict")
	}
	if stderrors.Is(err, ErrSagaNotFound) {
		t.Fatal("conflict must not match not-found")
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil {
		t.Fatal("From(nil) should be nil")
	}
	wrapped := fmt.Errorf("ctx: %w", ErrSagaNotFound)
	if got := From(wrapped); got.Code != CodeSagaNotFound {
		t.Fatalf("code = %s, want %s", got.Code, CodeSagaNotFound)
	}
	plain := From(stderrors.New("db down"))
	if plain.Code != CodeInternal || !plain.Retryable {
		t.Fatalf("plain = %+v, want retryable INTERNAL", plain)
	}
}

func TestWithRequestIDDoesNotMutateShared(t *testing.T) {
	e := ErrSagaConflict.WithRequestID("req-1")
	if e.RequestID != "req-1" {
		t.Fatalf("request id = %q", e.RequestID)
	}
	if ErrSagaConflict.RequestID != "" {
		t.Fatal("shared error was mutated")
	}
}
