package helper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

// GivenUniqueID generates a unique UUID for testing.
func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

// FixtureCopy creates a copy for a title with fixed condition and location.
func FixtureCopy(t testing.TB, titleID uuid.UUID) lendingcore.Copy {
	copyID := GivenUniqueID(t)

	c, err := lendingcore.BuildCopy(copyID, titleID, "good", "main-stacks")
	assert.NoError(t, err, "error in arranging test data")

	return c
}

// GivenCopyWasAdded registers a new copy for the title and adjusts the availability counter.
func GivenCopyWasAdded(
	t testing.TB,
	ctx context.Context, //nolint:revive
	registry lendingcore.CopyRegistry,
	index lendingcore.AvailabilityIndex,
	titleID uuid.UUID,
) lendingcore.Copy {

	c := FixtureCopy(t, titleID)

	err := registry.AddCopy(ctx, c)
	assert.NoError(t, err, "error in arranging test data")

	err = index.Adjust(ctx, titleID, 1)
	assert.NoError(t, err, "error in arranging test data")

	return c
}

// GivenCopyOnLoan claims a copy of the title and opens a loan for the patron.
func GivenCopyOnLoan(
	t testing.TB,
	ctx context.Context, //nolint:revive
	registry lendingcore.CopyRegistry,
	ledger lendingcore.LoanLedger,
	index lendingcore.AvailabilityIndex,
	titleID uuid.UUID,
	patronID uuid.UUID,
	fakeClock time.Time,
) lendingcore.Loan {

	copyID, err := registry.ClaimAnyAvailable(ctx, titleID)
	assert.NoError(t, err, "error in arranging test data")

	dueAt := lendingcore.DefaultLendingPolicy().DueDateFor(fakeClock, lendingcore.DefaultLoanPeriodDays)

	loan, err := ledger.OpenLoan(ctx, copyID, patronID, fakeClock, dueAt, nil)
	assert.NoError(t, err, "error in arranging test data")

	err = index.Adjust(ctx, titleID, -1)
	assert.NoError(t, err, "error in arranging test data")

	return loan
}

// GivenLoanWasReturned closes the loan and releases the copy back to the shelf.
func GivenLoanWasReturned(
	t testing.TB,
	ctx context.Context, //nolint:revive
	registry lendingcore.CopyRegistry,
	ledger lendingcore.LoanLedger,
	index lendingcore.AvailabilityIndex,
	loan lendingcore.Loan,
	titleID uuid.UUID,
	returnedAt time.Time,
	fine int64,
) {

	err := ledger.CloseLoan(ctx, loan.LoanID, returnedAt, fine)
	assert.NoError(t, err, "error in arranging test data")

	err = registry.Release(ctx, loan.CopyID)
	assert.NoError(t, err, "error in arranging test data")

	err = index.Adjust(ctx, titleID, 1)
	assert.NoError(t, err, "error in arranging test data")
}
