package errs_test

import (
	"SettleLedger/internal/errs"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindedErrorMatchesSentinel(t *testing.T) {
	err := errs.E(errs.KindInsufficientBalance, "have=%d need=%d", 5, 10)
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance sentinel match, got %v", err)
	}
	if errors.Is(err, errs.ErrOracleBlock) {
		t.Error("must not match a different kind")
	}

	wrapped := fmt.Errorf("debit chunk: %w", err)
	if errs.KindOf(wrapped) != errs.KindInsufficientBalance {
		t.Errorf("kind through wrap: got %s", errs.KindOf(wrapped))
	}
}

func TestErrorUnwrapsInnerCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := errs.E(errs.KindUnavailable, "oracle: %w", cause)
	if !errors.Is(err, cause) {
		t.Error("inner cause should be reachable through Unwrap")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.E(errs.KindValidation, "bad amount"), http.StatusBadRequest},
		{errs.E(errs.KindInsufficientBalance, "x"), http.StatusUnprocessableEntity},
		{errs.E(errs.KindOracleBlock, "x"), http.StatusConflict},
		{errs.E(errs.KindNotFound, "x"), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := errs.HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
