package postgresengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookhaven/lending-core-go/lendingcore"
	. "github.com/bookhaven/lending-core-go/testutil/postgresengine/helper"                 //nolint:revive
	. "github.com/bookhaven/lending-core-go/testutil/postgresengine/helper/postgreswrapper" //nolint:revive
)

func Test_AddCopy_When_CopyIsNew(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	newCopy := FixtureCopy(t, titleID)

	// act
	err := store.AddCopy(ctxWithTimeout, newCopy)

	// assert
	assert.NoError(t, err)

	stored, err := store.CopyByID(ctxWithTimeout, newCopy.CopyID)
	assert.NoError(t, err)
	assert.Equal(t, newCopy, stored)
}

func Test_AddCopy_When_CopyIDAlreadyRegistered(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act
	err := store.AddCopy(ctxWithTimeout, added)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrCopyExists)
}

func Test_ClaimAnyAvailable_When_MultipleCopiesAvailable_ClaimsLowestCopyID(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	first := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	second := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act + assert - copy ids are time-ordered, so intake order is claim order
	claimed, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)
	assert.NoError(t, err)
	assert.Equal(t, first.CopyID, claimed)

	claimed, err = store.ClaimAnyAvailable(ctxWithTimeout, titleID)
	assert.NoError(t, err)
	assert.Equal(t, second.CopyID, claimed)

	_, err = store.ClaimAnyAvailable(ctxWithTimeout, titleID)
	assert.ErrorIs(t, err, lendingcore.ErrNoCopyAvailable)
}

func Test_ClaimAnyAvailable_When_NoCopyExistsForTitle(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)

	// act
	_, err := store.ClaimAnyAvailable(ctxWithTimeout, GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrNoCopyAvailable)
}

func Test_ClaimAnyAvailable_When_OnlyWithdrawnCopiesRemain(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	require.NoError(t, store.Withdraw(ctxWithTimeout, added.CopyID))

	// act
	_, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrNoCopyAvailable)
}

func Test_ClaimAnyAvailable_When_ClaimsRaceForTheSameCopies(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)

	const copyCount = 4
	const contenders = 12

	for i := 0; i < copyCount; i++ {
		GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	}

	// act
	var mu sync.Mutex
	var wg sync.WaitGroup
	claimed := make(map[uuid.UUID]int)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			copyID, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)
			if err != nil {
				// A loser either lost the race on a specific copy or found none left.
				assert.True(t,
					errors.Is(err, lendingcore.ErrNoCopyAvailable) || errors.Is(err, lendingcore.ErrClaimConflict),
					"unexpected claim error: %v", err)

				return
			}

			mu.Lock()
			claimed[copyID]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	// assert - no copy may be claimed twice
	for copyID, times := range claimed {
		assert.Equal(t, 1, times, "copy %s claimed more than once", copyID)
	}
	assert.LessOrEqual(t, len(claimed), copyCount)
}

func Test_Release_When_CopyIsOnLoan(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	_, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)
	require.NoError(t, err)

	// act
	err = store.Release(ctxWithTimeout, added.CopyID)

	// assert
	assert.NoError(t, err)

	stored, err := store.CopyByID(ctxWithTimeout, added.CopyID)
	assert.NoError(t, err)
	assert.Equal(t, lendingcore.StatusAvailable, stored.Status)
}

func Test_Release_When_CopyIsNotOnLoan(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act
	err := store.Release(ctxWithTimeout, added.CopyID)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrInvalidTransition)
}

func Test_Release_When_CopyIsUnknown(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)

	// act
	err := store.Release(ctxWithTimeout, GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrCopyNotFound)
}

func Test_Withdraw_When_CopyIsOnLoan(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	_, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)
	require.NoError(t, err)

	// act
	err = store.Withdraw(ctxWithTimeout, added.CopyID)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrInvalidTransition)
}

func Test_OpenLoan_When_NoOpenLoanExistsForCopy(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	patronID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act
	loan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, patronID, fakeClock)

	// assert
	assert.Equal(t, 1, CountOpenLoansForCopy(t, wrapper, loan.CopyID.String()))

	found, err := store.FindOpenLoan(ctxWithTimeout, loan.CopyID)
	assert.NoError(t, err)
	assert.Equal(t, loan.LoanID, found.LoanID)
	assert.Equal(t, patronID, found.PatronID)
	assert.Equal(t, []byte("{}"), []byte(found.MetadataJSON))
}

func Test_OpenLoan_When_AnOpenLoanAlreadyExistsForCopy(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	loan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, GivenUniqueID(t), fakeClock)

	// act
	_, err := store.OpenLoan(
		ctxWithTimeout,
		loan.CopyID,
		GivenUniqueID(t),
		fakeClock.Add(time.Hour),
		fakeClock.AddDate(0, 0, 14),
		nil,
	)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrDuplicateOpenLoan)
	assert.Equal(t, 1, CountOpenLoansForCopy(t, wrapper, loan.CopyID.String()))
}

func Test_CloseLoan_When_LoanIsOpen(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	patronID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	loan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, patronID, fakeClock)

	// act
	err := store.CloseLoan(ctxWithTimeout, loan.LoanID, fakeClock.AddDate(0, 0, 20), 6000)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 0, CountOpenLoansForCopy(t, wrapper, loan.CopyID.String()))

	_, err = store.FindOpenLoan(ctxWithTimeout, loan.CopyID)
	assert.ErrorIs(t, err, lendingcore.ErrNoOpenLoan)

	history, err := store.HistoryForPatron(ctxWithTimeout, patronID)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.False(t, history[0].IsOpen())
	assert.Equal(t, int64(6000), history[0].FineAmount)
}

func Test_CloseLoan_When_LoanIsAlreadyClosed(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	loan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, GivenUniqueID(t), fakeClock)
	require.NoError(t, store.CloseLoan(ctxWithTimeout, loan.LoanID, fakeClock.AddDate(0, 0, 5), 0))

	// act
	err := store.CloseLoan(ctxWithTimeout, loan.LoanID, fakeClock.AddDate(0, 0, 6), 0)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrAlreadyClosed)
}

func Test_CloseLoan_When_LoanIsUnknown(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)

	// act
	err := store.CloseLoan(ctxWithTimeout, GivenUniqueID(t), time.Unix(0, 0).UTC(), 0)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrLoanNotFound)
}

func Test_HistoryForPatron_ReturnsLoans_MostRecentFirst(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	patronID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	var loanIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		loan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, patronID, fakeClock)
		loanIDs = append(loanIDs, loan.LoanID)

		fakeClock = fakeClock.AddDate(0, 0, 1)
		GivenLoanWasReturned(t, ctxWithTimeout, store, store, store, loan, titleID, fakeClock, 0)
	}

	// act
	history, err := store.HistoryForPatron(ctxWithTimeout, patronID)

	// assert
	assert.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, loanIDs[2], history[0].LoanID)
	assert.Equal(t, loanIDs[1], history[1].LoanID)
	assert.Equal(t, loanIDs[0], history[2].LoanID)
}

func Test_OpenLoansForPatron_ExcludesClosedLoans(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	patronID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	closedLoan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, patronID, fakeClock)
	GivenLoanWasReturned(t, ctxWithTimeout, store, store, store, closedLoan, titleID, fakeClock.AddDate(0, 0, 2), 0)

	openLoan := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, patronID, fakeClock.AddDate(0, 0, 3))

	// act
	active, err := store.OpenLoansForPatron(ctxWithTimeout, patronID)

	// assert
	assert.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, openLoan.LoanID, active[0].LoanID)
}

func Test_OverdueLoans_ReturnsOpenLoansPastDue_OrderedByDueDate(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	fakeClock := time.Unix(0, 0).UTC()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	earlyDue := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, GivenUniqueID(t), fakeClock)
	lateDue := GivenCopyOnLoan(t, ctxWithTimeout, store, store, store, titleID, GivenUniqueID(t), fakeClock.AddDate(0, 0, 7))

	// act - probe far past both due dates
	overdue, err := store.OverdueLoans(ctxWithTimeout, fakeClock.AddDate(0, 0, 60))

	// assert
	assert.NoError(t, err)
	assert.Len(t, overdue, 2)
	assert.Equal(t, earlyDue.LoanID, overdue[0].LoanID)
	assert.Equal(t, lateDue.LoanID, overdue[1].LoanID)

	// a loan is not overdue on its own due date
	overdue, err = store.OverdueLoans(ctxWithTimeout, earlyDue.DueAt)
	assert.NoError(t, err)
	assert.Len(t, overdue, 0)
}

func Test_AvailabilityCounter_AdjustAndCount(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)

	// act + assert - a title without a counter row counts as zero
	count, err := store.Count(ctxWithTimeout, titleID)
	assert.NoError(t, err)
	assert.Equal(t, 0, count)

	// the first adjust creates the row, later ones shift it
	require.NoError(t, store.Adjust(ctxWithTimeout, titleID, 3))
	require.NoError(t, store.Adjust(ctxWithTimeout, titleID, -1))

	count, err = store.Count(ctxWithTimeout, titleID)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func Test_AvailabilityCounter_Rebuild_RecomputesFromCopies(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	withdrawn := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	require.NoError(t, store.Withdraw(ctxWithTimeout, withdrawn.CopyID))

	// drift the counter away from the truth
	require.NoError(t, store.Adjust(ctxWithTimeout, titleID, 17))

	// act
	rebuilt, err := store.Rebuild(ctxWithTimeout, titleID)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, 2, rebuilt)

	count, err := store.Count(ctxWithTimeout, titleID)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func Test_CorrectStatus_ForcesStatus_WithoutTransitionGuard(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act - force a transition the guard would reject
	err := store.CorrectStatus(ctxWithTimeout, added.CopyID, lendingcore.StatusOnLoan)

	// assert
	assert.NoError(t, err)

	stored, err := store.CopyByID(ctxWithTimeout, added.CopyID)
	assert.NoError(t, err)
	assert.Equal(t, lendingcore.StatusOnLoan, stored.Status)
}

func Test_CorrectStatus_When_CopyIsUnknown(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)

	// act
	err := store.CorrectStatus(ctxWithTimeout, GivenUniqueID(t), lendingcore.StatusAvailable)

	// assert
	assert.ErrorIs(t, err, lendingcore.ErrCopyNotFound)
}

func Test_CopiesForTitle_ReturnsCopies_OrderedByCopyID(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	first := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)
	second := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// copies of other titles must not leak in
	GivenCopyWasAdded(t, ctxWithTimeout, store, store, GivenUniqueID(t))

	// act
	copies, err := store.CopiesForTitle(ctxWithTimeout, titleID)

	// assert
	assert.NoError(t, err)
	assert.Len(t, copies, 2)
	assert.Equal(t, first.CopyID, copies[0].CopyID)
	assert.Equal(t, second.CopyID, copies[1].CopyID)
}
