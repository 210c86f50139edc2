package sqlstore

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithTableName(t *testing.T) {
	t.Run("uses default table name when no option provided", func(t *testing.T) {
		s := NewStoreWithDB(&fakeDB{}, DialectPostgres)

		if s.tableName != DefaultTableName {
			t.Errorf("expected default table name %q, got %q", DefaultTableName, s.tableName)
		}
	})

	t.Run("uses custom table name in queries", func(t *testing.T) {
		customTable := "custom_events"

		s := NewStoreWithDB(&fakeDB{}, DialectPostgres, WithTableName(customTable))

		if s.tableName != customTable {
			t.Errorf("expected table name %q, got %q", customTable, s.tableName)
		}
		if !strings.Contains(s.firstPageQuery(), "FROM custom_events ") {
			t.Errorf("expected query to read from %q, got %q", customTable, s.firstPageQuery())
		}
	})
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		panicMsg  string
	}{
		{name: "valid table name with letters", tableName: "outbox"},
		{name: "valid table name with underscore", tableName: "outbox_events"},
		{name: "valid table name starting with underscore", tableName: "_outbox"},
		{name: "valid table name with numbers", tableName: "outbox123"},
		{name: "valid table name with mixed case", tableName: "OutboxEvents"},
		{name: "empty table name", tableName: "", panicMsg: "table name cannot be empty"},
		{name: "table name starting with number", tableName: "123outbox", panicMsg: "invalid table name"},
		{name: "table name with dash", tableName: "outbox-events", panicMsg: "invalid table name"},
		{name: "table name with space", tableName: "outbox events", panicMsg: "invalid table name"},
		{name: "table name with dot", tableName: "schema.outbox", panicMsg: "invalid table name"},
		{name: "table name with injection", tableName: "outbox;DROP TABLE users", panicMsg: "invalid table name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if tt.panicMsg != "" {
					if r == nil {
						t.Errorf("expected panic for table name %q, but got none", tt.tableName)
						return
					}
					errMsg := r.(error).Error()
					if !strings.Contains(errMsg, tt.panicMsg) {
						t.Errorf("expected panic message to contain %q, got %q", tt.panicMsg, errMsg)
					}
				} else if r != nil {
					t.Errorf("unexpected panic for table name %q: %v", tt.tableName, r)
				}
			}()

			_ = NewStoreWithDB(&fakeDB{}, DialectPostgres, WithTableName(tt.tableName))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{DialectPostgres, "$2, $3, $4"},
		{DialectOracle, ":2, :3, :4"},
		{DialectSQLServer, "@p2, @p3, @p4"},
		{DialectMySQL, "?, ?, ?"},
		{DialectSQLite, "?, ?, ?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			if got := placeholders(tt.dialect, 2, 3); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPageQueryLimitSyntax(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{DialectPostgres, "LIMIT $2"},
		{DialectMySQL, "LIMIT ?"},
		{DialectOracle, "FETCH FIRST :2 ROWS ONLY"},
		{DialectSQLServer, "SELECT TOP (@p2)"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			s := NewStoreWithDB(&fakeDB{}, tt.dialect, WithPageSize(10))
			if q := s.firstPageQuery(); !strings.Contains(q, tt.want) {
				t.Errorf("expected query to contain %q, got %q", tt.want, q)
			}
			if q := s.nextPageQuery(); !strings.Contains(q, "ORDER BY occurred_at ASC, seq ASC") {
				t.Errorf("expected ordered query, got %q", q)
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	for _, name := range []string{"postgres", "mysql", "mariadb", "sqlite", "oracle", "sqlserver"} {
		d, err := ParseDialect(name)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", name, err)
		}
		if d.DriverName() == "" {
			t.Errorf("expected a driver name for %q", name)
		}
	}

	if _, err := ParseDialect("db2"); err == nil {
		t.Fatal("expected an error for an unsupported dialect")
	}
}

func TestIDRoundTrip(t *testing.T) {
	id := uuid.New()

	for _, d := range []Dialect{DialectMySQL, DialectSQLite} {
		var raw []byte
		switch v := d.formatID(id).(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			t.Fatalf("unexpected id representation %T", v)
		}

		got, err := parseID(raw)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", d, err)
		}
		if got != id {
			t.Errorf("%s: expected %s, got %s", d, id, got)
		}
	}
}

func TestCreateTableSQL(t *testing.T) {
	ddl, err := CreateTableSQL(DialectSQLite, "events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(ddl, "CREATE TABLE events (") {
		t.Errorf("unexpected ddl: %s", ddl)
	}

	if _, err := CreateTableSQL(DialectSQLite, "bad name"); err == nil {
		t.Error("expected an error for an invalid table name")
	}
	if _, err := CreateTableSQL(Dialect("db2"), "events"); err == nil {
		t.Error("expected an error for an unsupported dialect")
	}
}
