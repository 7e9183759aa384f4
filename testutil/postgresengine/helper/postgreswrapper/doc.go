// Package postgreswrapper provides database adapter abstraction for lending store testing.
//
// This package wraps the different PostgreSQL adapter types (pgx.Pool, sql.DB, sqlx.DB)
// behind a common interface so the same test suite can run against each adapter,
// selected with the ADAPTER_TYPE environment variable.
package postgreswrapper
