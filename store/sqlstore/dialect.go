package sqlstore

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Dialect represents a SQL database dialect.
type Dialect string

// Supported database dialects.
const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectMariaDB   Dialect = "mariadb"
	DialectSQLite    Dialect = "sqlite"
	DialectOracle    Dialect = "oracle"
	DialectSQLServer Dialect = "sqlserver"
)

// DefaultTableName is the table used when WithTableName is not given.
const DefaultTableName = "outbox_events"

// ParseDialect validates a dialect name, e.g. from configuration.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(s); d {
	case DialectPostgres, DialectMySQL, DialectMariaDB, DialectSQLite, DialectOracle, DialectSQLServer:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

// DriverName returns the database/sql driver registered for the dialect by the
// drivers this module depends on.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL, DialectMariaDB:
		return "mysql"
	case DialectSQLite:
		return "sqlite3"
	case DialectOracle:
		return "oracle"
	case DialectSQLServer:
		return "sqlserver"
	default:
		return string(d)
	}
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// formatID converts the event ID to the column representation of the dialect.
func (d Dialect) formatID(id uuid.UUID) any {
	switch d {
	case DialectMySQL, DialectOracle, DialectSQLServer:
		b, _ := id.MarshalBinary()
		return b
	case DialectPostgres, DialectMariaDB:
		return id
	default:
		return id.String()
	}
}

// parseID accepts both the binary and the textual column representation.
func parseID(raw []byte) (uuid.UUID, error) {
	if len(raw) == 16 {
		return uuid.FromBytes(raw)
	}
	return uuid.ParseBytes(raw)
}

// placeholder returns the bind parameter for the given 1-based index.
func (d Dialect) placeholder(index int) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf("$%d", index)
	case DialectOracle:
		return fmt.Sprintf(":%d", index)
	case DialectSQLServer:
		return fmt.Sprintf("@p%d", index)
	default:
		return "?"
	}
}

func (d Dialect) currentTimestampInUTC() string {
	switch d {
	case DialectPostgres:
		return "CURRENT_TIMESTAMP AT TIME ZONE 'UTC'"
	case DialectMySQL, DialectMariaDB:
		return "UTC_TIMESTAMP()"
	case DialectOracle:
		return "SYS_EXTRACT_UTC(SYSTIMESTAMP)"
	case DialectSQLServer:
		return "SYSUTCDATETIME()"
	default:
		return "CURRENT_TIMESTAMP"
	}
}

// limit wraps a select so that at most limitPlaceholder rows are returned.
// The select must start with "SELECT " and end with its ORDER BY clause.
func (d Dialect) limit(selectCols, rest, limitPlaceholder string) string {
	switch d {
	case DialectOracle:
		return fmt.Sprintf("SELECT %s %s FETCH FIRST %s ROWS ONLY", selectCols, rest, limitPlaceholder)
	case DialectSQLServer:
		return fmt.Sprintf("SELECT TOP (%s) %s %s", limitPlaceholder, selectCols, rest)
	default:
		return fmt.Sprintf("SELECT %s %s LIMIT %s", selectCols, rest, limitPlaceholder)
	}
}

// CreateTableSQL returns a DDL statement creating an outbox table for the dialect.
// seq records insertion order and breaks ties between equal occurred_at values.
func CreateTableSQL(d Dialect, table string) (string, error) {
	if err := validateTableName(table); err != nil {
		return "", err
	}

	var seq, id, ts, text, blob string
	switch d {
	case DialectPostgres:
		seq, id, ts, text, blob = "BIGSERIAL PRIMARY KEY", "UUID", "TIMESTAMP", "TEXT", "BYTEA"
	case DialectMySQL:
		seq, id, ts, text, blob = "BIGINT AUTO_INCREMENT PRIMARY KEY", "BINARY(16)", "DATETIME(6)", "VARCHAR(255)", "LONGBLOB"
	case DialectMariaDB:
		seq, id, ts, text, blob = "BIGINT AUTO_INCREMENT PRIMARY KEY", "UUID", "DATETIME(6)", "VARCHAR(255)", "LONGBLOB"
	case DialectSQLite:
		seq, id, ts, text, blob = "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT", "TIMESTAMP", "TEXT", "BLOB"
	case DialectOracle:
		seq, id, ts, text, blob = "NUMBER GENERATED ALWAYS AS IDENTITY PRIMARY KEY", "RAW(16)", "TIMESTAMP", "VARCHAR2(255)", "BLOB"
	case DialectSQLServer:
		seq, id, ts, text, blob = "BIGINT IDENTITY(1,1) PRIMARY KEY", "BINARY(16)", "DATETIME2", "NVARCHAR(255)", "VARBINARY(MAX)"
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", d)
	}

	return fmt.Sprintf(`CREATE TABLE %[1]s (
	seq %[2]s,
	event_id %[3]s NOT NULL UNIQUE,
	occurred_at %[4]s NOT NULL,
	aggregate_type %[5]s NOT NULL,
	aggregate_id %[5]s NOT NULL,
	event_type %[5]s NOT NULL,
	payload %[6]s,
	metadata %[6]s,
	status %[5]s NOT NULL,
	published_at %[4]s
)`, table, seq, id, ts, text, blob), nil
}
