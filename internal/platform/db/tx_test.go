package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	tx := TxFromContext(ctx)
	if tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when no connection is given")
	}
	if err.Error() != "no database connection" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

type failingBeginner struct{ err error }

func (f failingBeginner) Begin(context.Context) (pgx.Tx, error) { return nil, f.err }

func TestInTx_BeginError(t *testing.T) {
	boom := errors.New("connection refused")
	called := false
	err := InTx(context.Background(), failingBeginner{err: boom}, func(context.Context, pgx.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped begin error, got %v", err)
	}
	if called {
		t.Error("fn must not run when begin fails")
	}
}
