package stores

import (
	"regexp"
)

// DriverType identifies the SQL backend of a store.
type DriverType string

const (
	DriverSQLite   DriverType = "sqlite"
	DriverPostgres DriverType = "postgres"
)

// dialect hides the SQL differences between backends. Queries are written
// with PostgreSQL placeholders ($1, $2, ...) and rebound per backend.
type dialect interface {
	DriverType() DriverType

	// Rebind converts $N placeholders to the backend's placeholder format.
	Rebind(query string) string

	// ClaimLock is appended to the claim candidate query.
	ClaimLock() string

	// RowLock is appended to single-row reads inside a guarded transition.
	RowLock() string
}

var pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)

type sqliteDialect struct{}

func (sqliteDialect) DriverType() DriverType { return DriverSQLite }

// SQLite serializes writers through BEGIN IMMEDIATE, so no row locks are needed.
func (sqliteDialect) Rebind(query string) string { return pgPlaceholderRe.ReplaceAllString(query, "?") }
func (sqliteDialect) ClaimLock() string          { return "" }
func (sqliteDialect) RowLock() string            { return "" }

type postgresDialect struct{}

func (postgresDialect) DriverType() DriverType     { return DriverPostgres }
func (postgresDialect) Rebind(query string) string { return query }
func (postgresDialect) ClaimLock() string          { return " FOR UPDATE SKIP LOCKED" }
func (postgresDialect) RowLock() string            { return " FOR UPDATE" }
