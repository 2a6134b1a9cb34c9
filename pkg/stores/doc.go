// Package stores provides the durable run store of NetIntent.
// SQLiteStore (WAL mode, single writer connection) is the default backend and
// PostgresStore serves deployments with several schedulers. Both share one
// database/sql implementation and differ only in their SQL dialect, and both
// index the artifacts written by pkg/artifacts.
package stores
