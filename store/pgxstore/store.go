// Package pgxstore implements outbox.EventStore for PostgreSQL using pgx.
//
// It uses the same table layout as sqlstore with DialectPostgres, so both can
// be mixed, e.g. a service appending with pgx and a relay reading with database/sql.
package pgxstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventStore = (*Store)(nil)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// ErrEventNotFound is returned by MarkAsPublished for an event that is not in the table.
var ErrEventNotFound = errors.New("event not found in outbox table")

// Store reads and updates outbox events with pgx.
type Store struct {
	db    DBTX
	table string
}

// Option configures a Store.
type Option func(*Store)

// WithTableName sets the outbox table, default "outbox_events". The name may be
// schema qualified ("events.outbox") and is quoted before use.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// NewStore creates a Store. db is typically a *pgxpool.Pool.
func NewStore(db DBTX, opts ...Option) *Store {
	s := &Store{db: db, table: "outbox_events"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tableIdent() string {
	return pgx.Identifier(splitQualified(s.table)).Sanitize()
}

// FindPendingEvents returns every pending event ordered by occurred_at, ties
// broken by insertion order.
func (s *Store) FindPendingEvents(ctx context.Context) ([]*outbox.Event, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT event_id, occurred_at, aggregate_type, aggregate_id, event_type, payload, metadata, status
		FROM %s
		WHERE status = $1
		ORDER BY occurred_at ASC, seq ASC
	`, s.tableIdent()), outbox.StatusPending.String())
	if err != nil {
		return nil, outbox.StoreUnavailable("find pending events", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			return nil, err
		}
		return nil, outbox.StoreUnavailable("find pending events", err)
	}
	return events, nil
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func scanEvent(row pgx.CollectableRow) (*outbox.Event, error) {
	var (
		snap   outbox.Snapshot
		status string
	)
	err := row.Scan(&snap.ID, &snap.OccurredAt, &snap.AggregateType, &snap.AggregateID,
		&snap.EventType, &snap.Payload, &snap.Metadata, &status)
	if err != nil {
		return nil, err
	}

	snap.Status, err = outbox.ParseStatus(status)
	if err != nil {
		return nil, &decodeError{fmt.Errorf("decoding event %s: %w", snap.ID, err)}
	}
	event, err := outbox.FromSnapshot(snap)
	if err != nil {
		return nil, &decodeError{err}
	}
	return event, nil
}

// MarkAsPublished records the event as published. Marking an event that is
// already published is a no-op.
func (s *Store) MarkAsPublished(ctx context.Context, event *outbox.Event) error {
	event.MarkPublished()

	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, published_at = now() AT TIME ZONE 'UTC'
		WHERE event_id = $1 AND status = $3
	`, s.tableIdent()), event.ID(), outbox.StatusPublished.String(), outbox.StatusPending.String())
	if err != nil {
		return outbox.StoreUnavailable("mark published", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var id uuid.UUID
	err = s.db.QueryRow(ctx, fmt.Sprintf(`SELECT event_id FROM %s WHERE event_id = $1`, s.tableIdent()), event.ID()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("marking event %s: %w", event.ID(), ErrEventNotFound)
	}
	if err != nil {
		return outbox.StoreUnavailable("mark published", err)
	}
	return nil
}

// Append inserts events using db, usually the pgx.Tx of the business operation
// producing them.
func (s *Store) Append(ctx context.Context, db DBTX, events ...*outbox.Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, occurred_at, aggregate_type, aggregate_id, event_type, payload, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.tableIdent())

	for _, e := range events {
		_, err := db.Exec(ctx, query, e.ID(), e.OccurredAt(), e.AggregateType(), e.AggregateID(),
			e.EventType(), e.Payload(), e.Metadata(), e.Status().String())
		if err != nil {
			return fmt.Errorf("storing event %s in outbox: %w", e.ID(), err)
		}
	}
	return nil
}

// InTx runs fn in a transaction on pool-like db and commits if fn returns nil.
// Events appended through the given pgx.Tx become visible on commit.
func InTx(ctx context.Context, db interface {
	Begin(context.Context) (pgx.Tx, error)
}, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func splitQualified(name string) []string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return []string{schema, table}
	}
	return []string{name}
}
