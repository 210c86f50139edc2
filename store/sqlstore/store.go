// Package sqlstore implements outbox.EventStore on top of database/sql.
//
// Events live in a single table (see CreateTableSQL) and are never deleted by
// the relay: publishing flips their status and records published_at. Postgres,
// MySQL, MariaDB, SQLite, Oracle and SQL Server are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.EventStore = (*Store)(nil)

// Store reads and updates outbox events stored in a SQL table.
type Store struct {
	db        DB
	dialect   Dialect
	tableName string
	pageSize  int
}

// Option is a function that configures a Store instance.
type Option func(*Store)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox_events".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the Store.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// WithPageSize makes FindPendingEvents read the backlog in pages of n rows
// instead of a single query. The full backlog is still returned.
// Values lower than 1 disable paging.
func WithPageSize(n int) Option {
	return func(s *Store) {
		s.pageSize = n
	}
}

// NewStore creates a new Store from a standard *sql.DB.
func NewStore(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	return NewStoreWithDB(NewDB(db), dialect, opts...)
}

// NewStoreWithDB creates a new Store with a custom DB implementation.
func NewStoreWithDB(db DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:        db,
		dialect:   dialect,
		tableName: DefaultTableName,
	}

	for _, opt := range opts {
		opt(s)
	}

	err := validateTableName(s.tableName)
	if err != nil {
		panic(err)
	}

	return s
}

// Dialect returns the dialect queries are written in.
func (s *Store) Dialect() Dialect { return s.dialect }

// TableName returns the outbox table name.
func (s *Store) TableName() string { return s.tableName }

const selectColumns = "seq, event_id, occurred_at, aggregate_type, aggregate_id, event_type, payload, metadata, status"

// FindPendingEvents returns every pending event ordered by occurred_at,
// ties broken by insertion order.
func (s *Store) FindPendingEvents(ctx context.Context) ([]*outbox.Event, error) {
	if s.pageSize < 1 {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE status = %s ORDER BY occurred_at ASC, seq ASC",
			selectColumns, s.tableName, s.dialect.placeholder(1))
		events, _, err := s.query(ctx, query, outbox.StatusPending.String())
		return events, err
	}

	events, cur, err := s.query(ctx, s.firstPageQuery(), outbox.StatusPending.String(), s.pageSize)
	if err != nil {
		return nil, err
	}
	last := len(events)
	for last == s.pageSize {
		occurredAt := events[len(events)-1].OccurredAt()
		page, next, err := s.query(ctx, s.nextPageQuery(),
			outbox.StatusPending.String(), occurredAt, occurredAt, cur, s.pageSize)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		cur, last = next, len(page)
	}
	return events, nil
}

func (s *Store) firstPageQuery() string {
	rest := fmt.Sprintf("FROM %s WHERE status = %s ORDER BY occurred_at ASC, seq ASC",
		s.tableName, s.dialect.placeholder(1))
	return s.dialect.limit(selectColumns, rest, s.dialect.placeholder(2))
}

func (s *Store) nextPageQuery() string {
	rest := fmt.Sprintf(
		"FROM %s WHERE status = %s AND (occurred_at > %s OR (occurred_at = %s AND seq > %s)) ORDER BY occurred_at ASC, seq ASC",
		s.tableName,
		s.dialect.placeholder(1),
		s.dialect.placeholder(2),
		s.dialect.placeholder(3),
		s.dialect.placeholder(4))
	return s.dialect.limit(selectColumns, rest, s.dialect.placeholder(5))
}

// query runs a select over selectColumns and returns the events together with
// the seq of the last row.
func (s *Store) query(ctx context.Context, query string, args ...any) ([]*outbox.Event, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, outbox.StoreUnavailable("find pending events", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var (
		events  []*outbox.Event
		lastSeq int64
	)
	for rows.Next() {
		var (
			seq    int64
			rawID  []byte
			status string
			snap   outbox.Snapshot
		)
		err = rows.Scan(&seq, &rawID, &snap.OccurredAt, &snap.AggregateType, &snap.AggregateID,
			&snap.EventType, &snap.Payload, &snap.Metadata, &status)
		if err != nil {
			return nil, 0, outbox.StoreUnavailable("find pending events", fmt.Errorf("scanning row: %w", err))
		}

		snap.ID, err = parseID(rawID)
		if err != nil {
			return nil, 0, fmt.Errorf("decoding event id %x: %w", rawID, err)
		}
		snap.Status, err = outbox.ParseStatus(status)
		if err != nil {
			return nil, 0, fmt.Errorf("decoding event %s: %w", snap.ID, err)
		}

		event, err := outbox.FromSnapshot(snap)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
		lastSeq = seq
	}

	if err := rows.Err(); err != nil {
		return nil, 0, outbox.StoreUnavailable("find pending events", fmt.Errorf("iterating rows: %w", err))
	}
	return events, lastSeq, nil
}

// ErrEventNotFound is returned by MarkAsPublished for an event that is not in the table.
var ErrEventNotFound = errors.New("event not found in outbox table")

// MarkAsPublished records the event as published. Marking an event that is
// already published is a no-op.
func (s *Store) MarkAsPublished(ctx context.Context, event *outbox.Event) error {
	event.MarkPublished()

	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET status = %s, published_at = %s WHERE event_id = %s AND status = %s",
		s.tableName,
		s.dialect.placeholder(1),
		s.dialect.currentTimestampInUTC(),
		s.dialect.placeholder(2),
		s.dialect.placeholder(3))
	res, err := s.db.ExecContext(ctx, query,
		outbox.StatusPublished.String(), s.dialect.formatID(event.ID()), outbox.StatusPending.String())
	if err != nil {
		return outbox.StoreUnavailable("mark published", err)
	}

	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		// Drivers without RowsAffected support are trusted.
		return nil
	}

	exists, err := s.exists(ctx, event)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("marking event %s: %w", event.ID(), ErrEventNotFound)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, event *outbox.Event) (bool, error) {
	query := fmt.Sprintf("SELECT status FROM %s WHERE event_id = %s", s.tableName, s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, s.dialect.formatID(event.ID()))
	if err != nil {
		return false, outbox.StoreUnavailable("mark published", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, outbox.StoreUnavailable("mark published", err)
	}
	return found, nil
}

// PublishedAt returns when the event was marked as published, or the zero time
// if it is still pending.
func (s *Store) PublishedAt(ctx context.Context, event *outbox.Event) (time.Time, error) {
	query := fmt.Sprintf("SELECT published_at FROM %s WHERE event_id = %s", s.tableName, s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, s.dialect.formatID(event.ID()))
	if err != nil {
		return time.Time{}, outbox.StoreUnavailable("published at", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return time.Time{}, outbox.StoreUnavailable("published at", err)
		}
		return time.Time{}, fmt.Errorf("reading event %s: %w", event.ID(), ErrEventNotFound)
	}
	var publishedAt sql.NullTime
	if err := rows.Scan(&publishedAt); err != nil {
		return time.Time{}, fmt.Errorf("scanning published_at: %w", err)
	}
	return publishedAt.Time, nil
}

func placeholders(d Dialect, from, n int) string {
	ps := make([]string, 0, n)
	for i := range n {
		ps = append(ps, d.placeholder(from+i))
	}
	return strings.Join(ps, ", ")
}
