package postgreswrapper

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/lending-core-go/lendingcore/postgresengine"
	"github.com/bookhaven/lending-core-go/testutil/postgresengine/config"
)

// Adapter type constants
const (
	typePGXPool = "pgx.pool"
	typeSQLDB   = "sql.db"
	typeSQLXDB  = "sqlx.db"
)

// Wrapper interface to abstract over different adapter types
type Wrapper interface {
	GetLendingStore() postgresengine.LendingStore
	Close()
}

// PGXPoolWrapper wraps pgxpool-based testing
type PGXPoolWrapper struct {
	pool  *pgxpool.Pool
	store postgresengine.LendingStore
}

func (w *PGXPoolWrapper) GetLendingStore() postgresengine.LendingStore {
	return w.store
}

func (w *PGXPoolWrapper) Close() {
	w.pool.Close()
}

// SQLDBWrapper wraps sql.DB-based testing
type SQLDBWrapper struct {
	db    *sql.DB
	store postgresengine.LendingStore
}

func (w *SQLDBWrapper) GetLendingStore() postgresengine.LendingStore {
	return w.store
}

func (w *SQLDBWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// SQLXWrapper wraps sqlx.DB-based testing
type SQLXWrapper struct {
	db    *sqlx.DB
	store postgresengine.LendingStore
}

func (w *SQLXWrapper) GetLendingStore() postgresengine.LendingStore {
	return w.store
}

func (w *SQLXWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// CreateWrapperWithTestConfig creates the appropriate wrapper based on the ADAPTER_TYPE environment variable.
func CreateWrapperWithTestConfig(t testing.TB, options ...postgresengine.Option) Wrapper {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")

		store, err := postgresengine.NewLendingStoreFromPGXPool(connPool, options...)
		assert.NoError(t, err, "error creating lending store")

		return &PGXPoolWrapper{pool: connPool, store: store}

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()

		store, err := postgresengine.NewLendingStoreFromSQLDB(db, options...)
		assert.NoError(t, err, "error creating lending store")

		return &SQLDBWrapper{db: db, store: store}

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()

		store, err := postgresengine.NewLendingStoreFromSQLX(db, options...)
		assert.NoError(t, err, "error creating lending store")

		return &SQLXWrapper{db: db, store: store}

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// TryCreateLendingStoreWithTableName tries to create a lending store with the given copies table
// name and returns the error (for testing error cases).
func TryCreateLendingStoreWithTableName(t testing.TB, tableName string) error {
	engineTypeFromEnv := strings.ToLower(os.Getenv("ADAPTER_TYPE"))

	options := []postgresengine.Option{postgresengine.WithCopiesTableName(tableName)}

	switch engineTypeFromEnv {
	case typePGXPool, "":
		connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
		assert.NoError(t, err, "error connecting to DB pool in test setup")
		defer connPool.Close()

		_, err = postgresengine.NewLendingStoreFromPGXPool(connPool, options...)
		return err

	case typeSQLDB:
		db := config.PostgresSQLDBSingleConfig()
		defer func(db *sql.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewLendingStoreFromSQLDB(db, options...)
		return err

	case typeSQLXDB:
		db := config.PostgresSQLXSingleConfig()
		defer func(db *sqlx.DB) {
			_ = db.Close() // makes no sense to handle this
		}(db)

		_, err := postgresengine.NewLendingStoreFromSQLX(db, options...)
		return err

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", engineTypeFromEnv))
	}
}

// CleanUp truncates the lending tables for the given wrapper.
func CleanUp(t testing.TB, wrapper Wrapper) {
	const truncateStmt = "TRUNCATE TABLE loans, availability, copies"

	switch w := wrapper.(type) {
	case *PGXPoolWrapper:
		_, err := w.pool.Exec(context.Background(), truncateStmt)
		assert.NoError(t, err, "error cleaning up the lending tables")

	case *SQLDBWrapper:
		_, err := w.db.Exec(truncateStmt)
		assert.NoError(t, err, "error cleaning up the lending tables")

	case *SQLXWrapper:
		_, err := w.db.Exec(truncateStmt)
		assert.NoError(t, err, "error cleaning up the lending tables")

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", w))
	}
}

// CountOpenLoansForCopy counts open loan rows for a copy directly in the database.
// Used to verify the one-open-loan-per-copy guarantee independently of the store API.
func CountOpenLoansForCopy(t testing.TB, wrapper Wrapper, copyID string) int {
	query := fmt.Sprintf("SELECT count(*) FROM loans WHERE copy_id = '%s' AND returned_at IS NULL", copyID)

	var cnt int
	var err error

	switch w := wrapper.(type) {
	case *PGXPoolWrapper:
		row := w.pool.QueryRow(context.Background(), query)
		err = row.Scan(&cnt)

	case *SQLDBWrapper:
		row := w.db.QueryRow(query)
		err = row.Scan(&cnt)

	case *SQLXWrapper:
		row := w.db.QueryRow(query)
		err = row.Scan(&cnt)

	default:
		panic(fmt.Sprintf("unsupported wrapper type: %T", w))
	}

	assert.NoError(t, err, "error in verifying test data")
	return cnt
}
