package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsByCode(t *testing.T) {
	err := fmt.Errorf("reserve: %w", New(CodeInsufficientFunds, "balance 10 below stake 20"))

	if !errors.Is(err, ErrInsufficientFunds) {
		t.Error("expected wrapped error to match ErrInsufficientFunds")
	}
	if errors.Is(err, ErrTooLate) {
		t.Error("expected wrapped error not to match ErrTooLate")
	}
	if got := CodeOf(err); got != CodeInsufficientFunds {
		t.Errorf("CodeOf() = %v, want %v", got, CodeInsufficientFunds)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodePersistenceFailure, "append entry", cause)

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "append entry: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPublic_DropsCause(t *testing.T) {
	err := Wrap(CodePersistenceFailure, "round voided", errors.New("pq: relation rounds row 42"))

	code, msg := Public(err)
	if code != CodePersistenceFailure {
		t.Errorf("code = %v", code)
	}
	if msg != "round voided" {
		t.Errorf("message = %q, want cause dropped", msg)
	}

	code, msg = Public(errors.New("boom"))
	if code != CodeUnknown || msg != "internal error" {
		t.Errorf("Public(plain) = %v %q", code, msg)
	}
}

func TestCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInsufficientFunds, http.StatusPaymentRequired},
		{CodeInvalidBetParameters, http.StatusBadRequest},
		{CodeTooLate, http.StatusConflict},
		{CodeReservationClosed, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodePersistenceFailure, http.StatusServiceUnavailable},
		{CodeNonceReuse, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
