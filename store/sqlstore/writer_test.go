package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hiran-hiran/outbox"
)

type fakeDB struct {
	beginTxErr error
	tx         *fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return nil, nil
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

type fakeTx struct {
	execErr     error
	commitErr   error
	rollbackErr error

	execCalls  int
	lastArgs   []any
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, args ...any) (sql.Result, error) {
	f.execCalls++
	f.lastArgs = args
	return nil, f.execErr
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

func newTestEvent() *outbox.Event {
	return outbox.NewEvent("order", "o-1", "OrderPlaced", []byte(`{}`))
}

func TestWriterSucceed(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	writer := NewWriter(NewStoreWithDB(db, DialectPostgres))

	var callbackCalled bool
	err := writer.WriteOne(context.Background(), newTestEvent(), func(_ context.Context, _ TxQueryer) error {
		callbackCalled = true
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if tx.execCalls != 1 {
		t.Fatalf("expected one insert, got %d", tx.execCalls)
	}
	if tx.rolledBack {
		t.Fatal("expected tx not to be rolled back")
	}
	if !tx.committed {
		t.Fatal("expected tx to be committed")
	}
}

func TestWriterStoresPendingStatusAndNullMetadata(t *testing.T) {
	tx := &fakeTx{}
	writer := NewWriter(NewStoreWithDB(&fakeDB{tx: tx}, DialectPostgres))

	err := writer.Write(context.Background(), func(ctx context.Context, _ TxQueryer, events EventWriter) error {
		return events.Append(ctx, newTestEvent())
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(tx.lastArgs) != 8 {
		t.Fatalf("expected 8 insert args, got %d", len(tx.lastArgs))
	}
	if tx.lastArgs[6] != nil {
		t.Errorf("expected NULL metadata, got %v", tx.lastArgs[6])
	}
	if tx.lastArgs[7] != "pending" {
		t.Errorf("expected pending status, got %v", tx.lastArgs[7])
	}
}

func TestWriterErrorOnTxBegin(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{beginTxErr: errors.New("failed to begin transaction"), tx: tx}
	writer := NewWriter(NewStoreWithDB(db, DialectPostgres))

	err := writer.WriteOne(context.Background(), newTestEvent(), func(_ context.Context, _ TxQueryer) error {
		t.Fatal("should not be called")
		return nil
	})

	if !errors.Is(err, db.beginTxErr) {
		t.Fatalf("expected error to be %v, got: %v", db.beginTxErr, err)
	}
	if tx.execCalls != 0 {
		t.Fatal("expected tx.ExecContext not to be called")
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("expected tx to be left untouched")
	}
}

func TestWriterErrorOnCallback(t *testing.T) {
	tx := &fakeTx{}
	writer := NewWriter(NewStoreWithDB(&fakeDB{tx: tx}, DialectPostgres))
	callbackErr := errors.New("insufficient inventory")

	err := writer.WriteOne(context.Background(), newTestEvent(), func(_ context.Context, _ TxQueryer) error {
		return callbackErr
	})

	if !errors.Is(err, callbackErr) {
		t.Fatalf("expected error to be %v, got: %v", callbackErr, err)
	}
	if tx.execCalls != 0 {
		t.Fatal("expected no event to be stored")
	}
	if tx.committed {
		t.Fatal("expected tx not to be committed")
	}
	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
}

func TestWriterErrorOnInsert(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("duplicate key")}
	writer := NewWriter(NewStoreWithDB(&fakeDB{tx: tx}, DialectPostgres))

	err := writer.WriteOne(context.Background(), newTestEvent(), func(_ context.Context, _ TxQueryer) error {
		return nil
	})

	if !errors.Is(err, tx.execErr) {
		t.Fatalf("expected error to be %v, got: %v", tx.execErr, err)
	}
	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
}

func TestWriterErrorOnTxCommit(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("failed to commit transaction")}
	writer := NewWriter(NewStoreWithDB(&fakeDB{tx: tx}, DialectPostgres))

	err := writer.WriteOne(context.Background(), newTestEvent(), func(_ context.Context, _ TxQueryer) error {
		return nil
	})

	if !errors.Is(err, tx.commitErr) {
		t.Fatalf("expected error to be %v, got: %v", tx.commitErr, err)
	}
	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
}

func TestUnmanagedWriterDoesNotCommit(t *testing.T) {
	tx := &fakeTx{}
	writer := NewWriter(NewStoreWithDB(&fakeDB{tx: tx}, DialectMySQL))

	err := writer.Unmanaged().Append(context.Background(), tx, newTestEvent(), newTestEvent())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if tx.execCalls != 2 {
		t.Fatalf("expected two inserts, got %d", tx.execCalls)
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("expected transaction lifecycle to be left to the caller")
	}
	if _, ok := tx.lastArgs[0].([]byte); !ok {
		t.Errorf("expected binary event id for mysql, got %T", tx.lastArgs[0])
	}
}
