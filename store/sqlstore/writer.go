package sqlstore

import (
	"context"
	"fmt"

	"github.com/hiran-hiran/outbox"
)

// Writer appends events to the outbox table as part of user-defined queries
// within a database transaction.
type Writer struct {
	store     *Store
	unmanaged *UnmanagedWriter
}

// UnmanagedWriter appends events using a transaction owned by the caller.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions. It must be obtained via Writer.Unmanaged.
type UnmanagedWriter struct {
	store *Store
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// OutboxWorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and appends events within the same transaction.
type OutboxWorkFunc func(ctx context.Context, tx TxQueryer, events EventWriter) error

// EventWriter allows appending events within a managed transaction.
type EventWriter interface {
	// Append inserts events into the outbox table.
	// They become visible to the relay when the enclosing transaction commits.
	Append(ctx context.Context, events ...*outbox.Event) error
}

// NewWriter creates a Writer storing events in the table of s.
func NewWriter(s *Store) *Writer {
	return &Writer{
		store:     s,
		unmanaged: &UnmanagedWriter{store: s},
	}
}

// Write executes user defined queries and appends events within the same
// managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Events are committed atomically with your database changes.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx sqlstore.TxQueryer, events sqlstore.EventWriter) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE orders SET status = 'paid' WHERE id = $1", orderID)
//	    if err != nil {
//	        return err
//	    }
//	    return events.Append(ctx, outbox.NewEvent("order", orderID, "OrderPaid", payload))
//	})
func (w *Writer) Write(ctx context.Context, fn OutboxWorkFunc) error {
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	err = fn(ctx, tx, &eventWriter{store: w.store, tx: tx})
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// WriteOne executes the provided callback and appends a single event as part
// of a managed transaction.
//
// For conditional or multiple events use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, event *outbox.Event, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, events EventWriter) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return events.Append(ctx, event)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction lifecycle.
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return w.unmanaged
}

// Append inserts events using a user provided transaction. The events are only
// stored if the transaction commits.
func (w *UnmanagedWriter) Append(ctx context.Context, tx TxQueryer, events ...*outbox.Event) error {
	for _, e := range events {
		if err := insertEvent(ctx, w.store, tx, e); err != nil {
			return err
		}
	}
	return nil
}

type eventWriter struct {
	store *Store
	tx    TxQueryer
}

func (w *eventWriter) Append(ctx context.Context, events ...*outbox.Event) error {
	for _, e := range events {
		if err := insertEvent(ctx, w.store, w.tx, e); err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(ctx context.Context, s *Store, tx TxQueryer, e *outbox.Event) error {
	var metadata any
	if md := e.Metadata(); md != nil {
		metadata = md
	}

	// nolint:gosec
	query := fmt.Sprintf(
		"INSERT INTO %s (event_id, occurred_at, aggregate_type, aggregate_id, event_type, payload, metadata, status) VALUES (%s)",
		s.tableName, placeholders(s.dialect, 1, 8))
	_, err := tx.ExecContext(ctx, query,
		s.dialect.formatID(e.ID()),
		e.OccurredAt(),
		e.AggregateType(),
		e.AggregateID(),
		e.EventType(),
		e.Payload(),
		metadata,
		e.Status().String())
	if err != nil {
		return fmt.Errorf("storing event %s in outbox: %w", e.ID(), err)
	}
	return nil
}
