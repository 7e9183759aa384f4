package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/bookhaven/lending-core-go/lendingcore"
	"github.com/bookhaven/lending-core-go/lendingcore/postgresengine/internal/adapters"
)

const (
	defaultCopiesTableName       = "copies"
	defaultLoansTableName        = "loans"
	defaultAvailabilityTableName = "availability"

	logMsgBuildQueryFailed     = "failed to build sql query"
	logMsgDBQueryFailed        = "database query execution failed"
	logMsgDBExecFailed         = "database execution failed"
	logMsgCloseRowsFailed      = "failed to close database rows"
	logMsgScanRowFailed        = "failed to scan database row"
	logMsgRowsAffectedFailed   = "failed to get rows affected count"
	logMsgClaimConflict        = "claim conflict detected"
	logMsgDuplicateOpenLoan    = "duplicate open loan rejected"
	logMsgSQLExecuted          = "executed sql for: "
	logMsgOperation            = "lending store operation: "
	logAttrError               = "error"
	logAttrQuery               = "query"
	logAttrCopyID              = "copy_id"
	logAttrTitleID             = "title_id"
	logAttrDurationMS          = "duration_ms"
	logAttrRowsAffected        = "rows_affected"
	metricClaimConflicts       = "lending_store_claim_conflicts_total"
	metricDuplicateOpenLoans   = "lending_store_duplicate_open_loans_total"
	labelTable                 = "table"
	colCopyID                  = "copy_id"
	colTitleID                 = "title_id"
	colStatus                  = "status"
	colCondition               = "condition"
	colLocation                = "location"
	colLoanID                  = "loan_id"
	colPatronID                = "patron_id"
	colCheckedOutAt            = "checked_out_at"
	colDueAt                   = "due_at"
	colReturnedAt              = "returned_at"
	colFineAmount              = "fine_amount"
	colMetadata                = "metadata"
	colAvailableCount          = "available_count"
	dialectPostgres            = "postgres"
	castUUID                   = "?::uuid"
	castTimestamp              = "?::timestamp with time zone"
	castDate                   = "?::date"
	castJsonb                  = "?::jsonb"
	dateOnlyFormat             = time.DateOnly
	actionClaim                = "claim"
	actionRelease              = "release"
	actionWithdraw             = "withdraw"
	actionCorrectStatus        = "correct_status"
	actionAddCopy              = "add_copy"
	actionOpenLoan             = "open_loan"
	actionCloseLoan            = "close_loan"
	actionFindOpenLoan         = "find_open_loan"
	actionLoanQuery            = "loan_query"
	actionCopyQuery            = "copy_query"
	actionCounterAdjust        = "counter_adjust"
	actionCounterRebuild       = "counter_rebuild"
	actionCounterQuery         = "counter_query"
	logMsgCopyClaimed          = "copy claimed"
	logMsgCounterRebuilt       = "availability counter rebuilt"
)

type sqlQueryString = string

// LendingStore implements the lendingcore storage contracts on PostgreSQL.
// It leverages a database adapter and supports customizable logging, metrics
// and table configuration.
type LendingStore struct {
	db                    adapters.DBAdapter
	copiesTableName       string
	loansTableName        string
	availabilityTableName string
	logger                lendingcore.Logger
	metricsCollector      lendingcore.MetricsCollector
}

// Option defines a functional option for configuring a LendingStore.
type Option func(*LendingStore) error

// WithCopiesTableName sets the table name for the copy registry.
func WithCopiesTableName(tableName string) Option {
	return func(ls *LendingStore) error {
		if tableName == "" {
			return lendingcore.ErrEmptyTableName
		}

		ls.copiesTableName = tableName

		return nil
	}
}

// WithLoansTableName sets the table name for the loan ledger.
func WithLoansTableName(tableName string) Option {
	return func(ls *LendingStore) error {
		if tableName == "" {
			return lendingcore.ErrEmptyTableName
		}

		ls.loansTableName = tableName

		return nil
	}
}

// WithAvailabilityTableName sets the table name for the availability index.
func WithAvailabilityTableName(tableName string) Option {
	return func(ls *LendingStore) error {
		if tableName == "" {
			return lendingcore.ErrEmptyTableName
		}

		ls.availabilityTableName = tableName

		return nil
	}
}

// WithLogger sets the logger for the LendingStore.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: operation outcomes, durations, claim conflicts (production-safe)
// Warn level: non-critical issues like cleanup failures
// Error level: critical failures that cause operation failures.
func WithLogger(logger lendingcore.Logger) Option {
	return func(ls *LendingStore) error {
		ls.logger = logger
		return nil
	}
}

// WithMetricsCollector sets the metrics collector for the LendingStore.
func WithMetricsCollector(collector lendingcore.MetricsCollector) Option {
	return func(ls *LendingStore) error {
		ls.metricsCollector = collector
		return nil
	}
}

// NewLendingStoreFromPGXPool creates a new LendingStore using a pgx Pool with optional configuration.
func NewLendingStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (LendingStore, error) {
	if db == nil {
		return LendingStore{}, lendingcore.ErrNilDatabaseConnection
	}

	return newLendingStore(adapters.NewPGXAdapter(db), options...)
}

// NewLendingStoreFromSQLDB creates a new LendingStore using a sql.DB with optional configuration.
func NewLendingStoreFromSQLDB(db *sql.DB, options ...Option) (LendingStore, error) {
	if db == nil {
		return LendingStore{}, lendingcore.ErrNilDatabaseConnection
	}

	return newLendingStore(adapters.NewSQLAdapter(db), options...)
}

// NewLendingStoreFromSQLX creates a new LendingStore using a sqlx.DB with optional configuration.
func NewLendingStoreFromSQLX(db *sqlx.DB, options ...Option) (LendingStore, error) {
	if db == nil {
		return LendingStore{}, lendingcore.ErrNilDatabaseConnection
	}

	return newLendingStore(adapters.NewSQLXAdapter(db), options...)
}

func newLendingStore(db adapters.DBAdapter, options ...Option) (LendingStore, error) {
	ls := LendingStore{
		db:                    db,
		copiesTableName:       defaultCopiesTableName,
		loansTableName:        defaultLoansTableName,
		availabilityTableName: defaultAvailabilityTableName,
	}

	for _, option := range options {
		if err := option(&ls); err != nil {
			return LendingStore{}, err
		}
	}

	return ls, nil
}

// builder returns the goqu dialect builder used for all queries.
func (ls LendingStore) builder() goqu.DialectWrapper {
	return goqu.Dialect(dialectPostgres)
}

// executeQuery executes a SELECT (or RETURNING) statement and returns rows with timing.
func (ls LendingStore) executeQuery(ctx context.Context, sqlQuery string, action string) (
	adapters.DBRows,
	error,
) {

	start := time.Now()
	rows, queryErr := ls.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	ls.logQueryWithDuration(sqlQuery, action, duration)

	if queryErr != nil {
		ls.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(lendingcore.ErrQueryingStoreFailed, queryErr)
	}

	return rows, nil
}

// executeStatement executes a mutating statement and returns rows affected with timing.
func (ls LendingStore) executeStatement(ctx context.Context, sqlQuery string, action string) (
	int64,
	error,
) {

	start := time.Now()
	result, execErr := ls.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	ls.logQueryWithDuration(sqlQuery, action, duration)

	if execErr != nil {
		ls.logError(logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(lendingcore.ErrExecutingStoreFailed, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		ls.logError(logMsgRowsAffectedFailed, rowsAffectedErr)
		return 0, errors.Join(lendingcore.ErrGettingRowsAffectedFailed, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// closeRows safely closes database rows and logs any errors.
func (ls LendingStore) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if ls.logger != nil {
			ls.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}

// logQueryWithDuration logs SQL queries with execution time at debug level if the logger is configured.
func (ls LendingStore) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if ls.logger != nil {
		ls.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, ls.toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if the logger is configured.
func (ls LendingStore) logOperation(action string, args ...any) {
	if ls.logger != nil {
		ls.logger.Info(logMsgOperation+action, args...)
	}
}

// logError logs error information at the error level if the logger is configured.
func (ls LendingStore) logError(message string, err error, args ...any) {
	if ls.logger != nil {
		allArgs := []any{logAttrError, err.Error()}
		allArgs = append(allArgs, args...)
		ls.logger.Error(message, allArgs...)
	}
}

// incrementCounterMetric increments a counter metric if the collector is configured.
func (ls LendingStore) incrementCounterMetric(ctx context.Context, metric string, labels map[string]string) {
	if ls.metricsCollector == nil {
		return
	}

	if contextualCollector, ok := ls.metricsCollector.(lendingcore.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metric, labels)
	} else {
		ls.metricsCollector.IncrementCounter(metric, labels)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func (ls LendingStore) toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// Interface guards.
var _ lendingcore.CopyRegistry = LendingStore{}
var _ lendingcore.LoanLedger = LendingStore{}
var _ lendingcore.AvailabilityIndex = LendingStore{}
