package lendingcore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CopyRegistry owns the canonical state of every physical copy.
//
// Implementations must serialize all status transitions per copy id:
// ClaimAnyAvailable, Release and Withdraw on the same copy are mutually
// exclusive, while transitions on different copies proceed independently.
type CopyRegistry interface {
	// AddCopy registers a new copy at intake.
	// Returns ErrCopyExists if the copy id is already registered.
	AddCopy(ctx context.Context, copy Copy) error

	// ClaimAnyAvailable atomically selects one available copy of the title,
	// transitions it to StatusOnLoan and returns its id. Selection is
	// lowest copy id first, which is stable and auditable.
	// Returns ErrNoCopyAvailable if the title has no available copy, or
	// ErrClaimConflict if an optimistic claim lost a race and may be retried.
	ClaimAnyAvailable(ctx context.Context, titleID uuid.UUID) (uuid.UUID, error)

	// Release transitions a copy from StatusOnLoan back to StatusAvailable.
	// Returns ErrInvalidTransition if the copy is not currently on loan.
	Release(ctx context.Context, copyID uuid.UUID) error

	// Withdraw transitions a copy from StatusAvailable to StatusWithdrawn.
	// Returns ErrInvalidTransition if the copy is on loan or already withdrawn.
	Withdraw(ctx context.Context, copyID uuid.UUID) error

	// CopyByID is a pure read of one copy.
	// Returns ErrCopyNotFound if the copy id is unknown.
	CopyByID(ctx context.Context, copyID uuid.UUID) (Copy, error)

	// CopiesForTitle is a pure read of all copies of a title, ordered by copy id.
	CopiesForTitle(ctx context.Context, titleID uuid.UUID) ([]Copy, error)

	// CorrectStatus forces a copy into the given status, bypassing the legal
	// transitions. It exists only for reconciliation passes that re-derive
	// copy status from the ledger's open-loan set.
	CorrectStatus(ctx context.Context, copyID uuid.UUID, status CopyStatus) error
}

// LoanLedger is the append-style record of loan transactions and the source
// of truth for "who has what, since when".
type LoanLedger interface {
	// OpenLoan appends an open loan row and returns the built loan.
	// Returns ErrDuplicateOpenLoan if an open loan already exists for the copy.
	OpenLoan(
		ctx context.Context,
		copyID uuid.UUID,
		patronID uuid.UUID,
		checkedOutAt time.Time,
		dueAt time.Time,
		metadataJSON []byte,
	) (Loan, error)

	// CloseLoan records the return and the fine on an open loan.
	// Returns ErrAlreadyClosed if the loan is closed, ErrLoanNotFound if unknown.
	CloseLoan(ctx context.Context, loanID uuid.UUID, returnedAt time.Time, fineAmount int64) error

	// FindOpenLoan returns the open loan for a copy.
	// Returns ErrNoOpenLoan if none exists.
	FindOpenLoan(ctx context.Context, copyID uuid.UUID) (Loan, error)

	// HistoryForPatron returns all loans of a patron, most recent first.
	// The result is a finite, materialized slice and safe to re-iterate.
	HistoryForPatron(ctx context.Context, patronID uuid.UUID) (Loans, error)

	// OpenLoansForPatron returns the patron's open loans, most recent first.
	OpenLoansForPatron(ctx context.Context, patronID uuid.UUID) (Loans, error)

	// OverdueLoans returns all open loans whose due date lies before asOf,
	// ordered by due date ascending.
	OverdueLoans(ctx context.Context, asOf time.Time) (Loans, error)
}

// AvailabilityIndex is the derived per-title count of available copies.
//
// It is a cache, never authoritative for claim decisions: claims always
// consult the CopyRegistry directly. A rebuild may race with an in-flight
// checkout and transiently miscount by one until the checkout's own adjust
// lands - acceptable because counters are advisory for listing.
type AvailabilityIndex interface {
	// Count returns the cached count of available copies for the title.
	Count(ctx context.Context, titleID uuid.UUID) (int, error)

	// Adjust shifts the cached count by delta. Called only by the LendingEngine.
	Adjust(ctx context.Context, titleID uuid.UUID, delta int) error

	// Rebuild recomputes the count from the CopyRegistry and returns it.
	// Safe to call at any time.
	Rebuild(ctx context.Context, titleID uuid.UUID) (int, error)
}

// TitleExistsFunc is the catalog collaborator's title existence check,
// consulted before allowing new-copy intake.
type TitleExistsFunc func(ctx context.Context, titleID uuid.UUID) (bool, error)
