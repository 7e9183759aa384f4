// Package adapters provides database driver adapters for the Postgres
// lending store.
//
// The store speaks to the database only through the DBAdapter interface, so
// it works unchanged on top of a pgxpool.Pool, a standard library *sql.DB,
// or a *sqlx.DB. Each adapter wraps its driver's rows and result types
// behind the DBRows and DBResult interfaces.
package adapters
