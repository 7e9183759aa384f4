// Package postgresengine provides a PostgreSQL implementation of the
// lendingcore storage contracts.
//
// The LendingStore implements lendingcore.CopyRegistry, lendingcore.LoanLedger
// and lendingcore.AvailabilityIndex on top of PostgreSQL, supporting multiple
// database adapters (pgx, sql.DB, sqlx) with atomic operations and
// concurrency control.
//
// Key features:
//   - Multiple database adapter support (PGX, SQL, SQLX)
//   - Claims are single compare-and-swap UPDATE statements validated by
//     rows-affected checks; a lost race surfaces as ErrClaimConflict
//   - The loans table carries a partial unique index on open loans, so the
//     duplicate-open-loan backstop holds even across processes
//   - Configurable table names and optional logging/metrics
//
// Expected schema:
//
//	CREATE TABLE copies (
//	    copy_id   uuid PRIMARY KEY,
//	    title_id  uuid NOT NULL,
//	    status    text NOT NULL,
//	    condition text NOT NULL DEFAULT '',
//	    location  text NOT NULL DEFAULT ''
//	);
//	CREATE INDEX idx_copies_title_status ON copies (title_id, status);
//
//	CREATE TABLE loans (
//	    loan_id        uuid PRIMARY KEY,
//	    copy_id        uuid NOT NULL REFERENCES copies (copy_id),
//	    patron_id      uuid NOT NULL,
//	    checked_out_at timestamp with time zone NOT NULL,
//	    due_at         date NOT NULL,
//	    returned_at    timestamp with time zone,
//	    fine_amount    bigint NOT NULL DEFAULT 0,
//	    metadata       jsonb NOT NULL DEFAULT '{}'
//	);
//	CREATE UNIQUE INDEX idx_loans_one_open_per_copy ON loans (copy_id) WHERE returned_at IS NULL;
//	CREATE INDEX idx_loans_patron ON loans (patron_id, checked_out_at DESC);
//	CREATE INDEX idx_loans_overdue ON loans (due_at) WHERE returned_at IS NULL;
//
//	CREATE TABLE availability (
//	    title_id        uuid PRIMARY KEY,
//	    available_count integer NOT NULL DEFAULT 0
//	);
//
// Usage example:
//
//	db, _ := pgxpool.New(context.Background(), dsn)
//	store, _ := postgresengine.NewLendingStoreFromPGXPool(db)
//
//	engine, _ := lendingcore.NewLendingEngine(store, store, store)
//	result, err := engine.Checkout(ctx, titleID, patronID)
package postgresengine
