package sqlstore_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/sijms/go-ora/v2"
	"github.com/stretchr/testify/require"

	"github.com/hiran-hiran/outbox"
	"github.com/hiran-hiran/outbox/sink/memory"
	"github.com/hiran-hiran/outbox/store/sqlstore"
)

const integrationTable = "outbox_it"

// Each dialect runs only when its DSN is exported, e.g.
// OUTBOX_TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/outbox?parseTime=true".
func TestDialectsRelayEndToEnd(t *testing.T) {
	tests := []struct {
		dialect sqlstore.Dialect
		dsnEnv  string
	}{
		{sqlstore.DialectPostgres, "OUTBOX_TEST_POSTGRES_DSN"},
		{sqlstore.DialectMySQL, "OUTBOX_TEST_MYSQL_DSN"},
		{sqlstore.DialectMariaDB, "OUTBOX_TEST_MARIADB_DSN"},
		{sqlstore.DialectOracle, "OUTBOX_TEST_ORACLE_DSN"},
		{sqlstore.DialectSQLServer, "OUTBOX_TEST_SQLSERVER_DSN"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			dsn := os.Getenv(tt.dsnEnv)
			if dsn == "" {
				t.Skipf("%s not set", tt.dsnEnv)
			}
			ctx := context.Background()

			db, err := sql.Open(tt.dialect.DriverName(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			require.NoError(t, db.PingContext(ctx))

			ddl, err := sqlstore.CreateTableSQL(tt.dialect, integrationTable)
			require.NoError(t, err)
			_, _ = db.ExecContext(ctx, "DROP TABLE "+integrationTable)
			_, err = db.ExecContext(ctx, ddl)
			require.NoError(t, err)
			t.Cleanup(func() { _, _ = db.ExecContext(ctx, "DROP TABLE "+integrationTable) })

			store := sqlstore.NewStore(db, tt.dialect,
				sqlstore.WithTableName(integrationTable),
				sqlstore.WithPageSize(2),
			)
			events := []*outbox.Event{
				eventAt(time.Second, outbox.WithMetadataMap(map[string]string{"trace_id": "abc"})),
				eventAt(0),
				eventAt(2 * time.Second),
			}
			appendEvents(t, store, events...)

			pending, err := store.FindPendingEvents(ctx)
			require.NoError(t, err)
			require.Equal(t, ids([]*outbox.Event{events[1], events[0], events[2]}), ids(pending))
			require.Equal(t, events[0].Metadata(), pending[1].Metadata())
			require.Equal(t, events[0].Payload(), pending[1].Payload())

			bus := memory.NewBus(memory.WithRecording())
			relay := outbox.NewRelay(store, bus, outbox.WithInterval(50*time.Millisecond))
			relay.Start()
			t.Cleanup(func() { _ = relay.Close(ctx) })

			require.Eventually(t, func() bool {
				left, err := store.FindPendingEvents(ctx)
				return err == nil && len(left) == 0
			}, 10*time.Second, 50*time.Millisecond)
			require.Equal(t, ids(pending), ids(bus.Published()))

			publishedAt, err := store.PublishedAt(ctx, events[0])
			require.NoError(t, err)
			require.False(t, publishedAt.IsZero())
		})
	}
}
