package lendingcore

import (
	"errors"
)

// Expected lending outcomes - callers decide user-facing messaging.
var (
	// ErrNoCopyAvailable is returned when a checkout finds no available copy for the title.
	ErrNoCopyAvailable = errors.New("no copy of this title is available")

	// ErrInvalidTransition is returned when an illegal copy status change is attempted.
	ErrInvalidTransition = errors.New("invalid copy status transition")

	// ErrNoOpenLoan is returned when a return finds no open loan for the copy.
	ErrNoOpenLoan = errors.New("no open loan exists for this copy")

	// ErrAlreadyClosed is returned when closing a loan that was already closed.
	ErrAlreadyClosed = errors.New("loan is already closed")
)

// Consistency faults - these signal bugs or diverged state and warrant alerting.
var (
	// ErrDuplicateOpenLoan is returned when the ledger refuses a second open loan
	// for one copy. The registry should make this unreachable; the ledger enforces
	// it independently as a consistency backstop.
	ErrDuplicateOpenLoan = errors.New("an open loan already exists for this copy")

	// ErrPartialReturnFailure is returned when the ledger and registry updates of
	// a return diverged mid-operation. The affected title must be reconciled.
	ErrPartialReturnFailure = errors.New("return partially applied, ledger and registry diverged")
)

// ErrClaimConflict is returned by registry implementations when an optimistic
// claim lost a race with a concurrent transition on the same copy. It is the
// only retryable error in this package.
var ErrClaimConflict = errors.New("claim conflict, copy was transitioned concurrently")

// Lookup failures.
var (
	ErrCopyNotFound  = errors.New("copy not found")
	ErrLoanNotFound  = errors.New("loan not found")
	ErrUnknownTitle  = errors.New("title does not exist in the catalog")
	ErrCopyExists    = errors.New("copy is already registered")
	ErrNilDependency = errors.New("nil dependency supplied")
)

// Storage infrastructure failures.
var (
	ErrNilDatabaseConnection     = errors.New("nil database connection supplied")
	ErrEmptyTableName            = errors.New("empty table name supplied")
	ErrBuildingQueryFailed       = errors.New("building sql query failed")
	ErrQueryingStoreFailed       = errors.New("querying the lending store failed")
	ErrExecutingStoreFailed      = errors.New("executing statement on the lending store failed")
	ErrScanningDBRowFailed       = errors.New("scanning database row failed")
	ErrGettingRowsAffectedFailed = errors.New("getting rows affected count failed")
)
