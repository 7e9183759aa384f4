package memoryengine

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

// copySlot pairs one copy with the mutex that serializes its transitions.
type copySlot struct {
	mu   sync.Mutex
	copy lendingcore.Copy
}

// Store is an in-process lending store.
//
// The outer RWMutex guards the maps themselves; each copy carries its own
// mutex for status transitions, which keeps the locking granularity per copy
// rather than per title.
type Store struct {
	mu          sync.RWMutex
	copies      map[uuid.UUID]*copySlot
	titleCopies map[uuid.UUID][]uuid.UUID
	loans       map[uuid.UUID]lendingcore.Loan
	openByCopy  map[uuid.UUID]uuid.UUID
	counters    map[uuid.UUID]int
	logger      lendingcore.Logger
}

// Option defines a functional option for configuring a Store.
type Option func(*Store) error

// WithLogger sets the logger for the Store.
func WithLogger(logger lendingcore.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// NewStore creates a new in-process lending store with optional configuration.
func NewStore(options ...Option) (*Store, error) {
	store := &Store{
		copies:      make(map[uuid.UUID]*copySlot),
		titleCopies: make(map[uuid.UUID][]uuid.UUID),
		loans:       make(map[uuid.UUID]lendingcore.Loan),
		openByCopy:  make(map[uuid.UUID]uuid.UUID),
		counters:    make(map[uuid.UUID]int),
	}

	for _, option := range options {
		if err := option(store); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// AddCopy registers a new copy at intake.
func (s *Store) AddCopy(_ context.Context, copy lendingcore.Copy) error {
	if !copy.Status.IsValid() {
		return lendingcore.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.copies[copy.CopyID]; exists {
		return lendingcore.ErrCopyExists
	}

	s.copies[copy.CopyID] = &copySlot{copy: copy}
	s.titleCopies[copy.TitleID] = insertSorted(s.titleCopies[copy.TitleID], copy.CopyID)

	return nil
}

// ClaimAnyAvailable atomically claims the lowest-id available copy of the
// title. Candidates are probed in ascending copy id order; a copy that lost
// its availability between the snapshot and the probe is simply skipped, so
// concurrent claims for different copies never block each other.
func (s *Store) ClaimAnyAvailable(_ context.Context, titleID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	candidates := make([]*copySlot, 0, len(s.titleCopies[titleID]))
	for _, copyID := range s.titleCopies[titleID] {
		candidates = append(candidates, s.copies[copyID])
	}
	s.mu.RUnlock()

	for _, slot := range candidates {
		slot.mu.Lock()

		if slot.copy.Status == lendingcore.StatusAvailable {
			slot.copy.Status = lendingcore.StatusOnLoan
			claimed := slot.copy.CopyID
			slot.mu.Unlock()

			return claimed, nil
		}

		slot.mu.Unlock()
	}

	return uuid.Nil, lendingcore.ErrNoCopyAvailable
}

// Release transitions a copy from on loan back to available.
func (s *Store) Release(_ context.Context, copyID uuid.UUID) error {
	return s.transition(copyID, lendingcore.StatusOnLoan, lendingcore.StatusAvailable)
}

// Withdraw transitions an available copy to withdrawn.
func (s *Store) Withdraw(_ context.Context, copyID uuid.UUID) error {
	return s.transition(copyID, lendingcore.StatusAvailable, lendingcore.StatusWithdrawn)
}

// transition applies from -> to on one copy, serialized by the copy's mutex.
func (s *Store) transition(copyID uuid.UUID, from lendingcore.CopyStatus, to lendingcore.CopyStatus) error {
	slot, err := s.slotFor(copyID)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.copy.Status != from {
		return lendingcore.ErrInvalidTransition
	}

	slot.copy.Status = to

	return nil
}

// CopyByID is a pure read of one copy.
func (s *Store) CopyByID(_ context.Context, copyID uuid.UUID) (lendingcore.Copy, error) {
	slot, err := s.slotFor(copyID)
	if err != nil {
		return lendingcore.Copy{}, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	return slot.copy, nil
}

// CopiesForTitle returns all copies of a title ordered by copy id.
func (s *Store) CopiesForTitle(_ context.Context, titleID uuid.UUID) ([]lendingcore.Copy, error) {
	s.mu.RLock()
	slots := make([]*copySlot, 0, len(s.titleCopies[titleID]))
	for _, copyID := range s.titleCopies[titleID] {
		slots = append(slots, s.copies[copyID])
	}
	s.mu.RUnlock()

	copies := make([]lendingcore.Copy, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		copies = append(copies, slot.copy)
		slot.mu.Unlock()
	}

	return copies, nil
}

// CorrectStatus forces a copy into the given status; reconciliation only.
func (s *Store) CorrectStatus(_ context.Context, copyID uuid.UUID, status lendingcore.CopyStatus) error {
	if !status.IsValid() {
		return lendingcore.ErrInvalidTransition
	}

	slot, err := s.slotFor(copyID)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.copy.Status = status

	return nil
}

func (s *Store) slotFor(copyID uuid.UUID) (*copySlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, exists := s.copies[copyID]
	if !exists {
		return nil, lendingcore.ErrCopyNotFound
	}

	return slot, nil
}

// OpenLoan appends an open loan row. The duplicate check is enforced here
// independently of the registry's status column, as a consistency backstop.
func (s *Store) OpenLoan(
	_ context.Context,
	copyID uuid.UUID,
	patronID uuid.UUID,
	checkedOutAt time.Time,
	dueAt time.Time,
	metadataJSON []byte,
) (lendingcore.Loan, error) {

	loanID, idErr := uuid.NewV7()
	if idErr != nil {
		return lendingcore.Loan{}, idErr
	}

	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}

	loan, buildErr := lendingcore.BuildOpenLoan(loanID, copyID, patronID, checkedOutAt, dueAt, metadataJSON)
	if buildErr != nil {
		return lendingcore.Loan{}, buildErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.openByCopy[copyID]; open {
		if s.logger != nil {
			s.logger.Error("open loan rejected, one already exists for this copy", "copy_id", copyID.String())
		}

		return lendingcore.Loan{}, lendingcore.ErrDuplicateOpenLoan
	}

	s.loans[loan.LoanID] = loan
	s.openByCopy[copyID] = loan.LoanID

	return loan, nil
}

// CloseLoan records the return and the fine on an open loan.
func (s *Store) CloseLoan(_ context.Context, loanID uuid.UUID, returnedAt time.Time, fineAmount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, exists := s.loans[loanID]
	if !exists {
		return lendingcore.ErrLoanNotFound
	}

	closed, closeErr := loan.Closed(returnedAt, fineAmount)
	if closeErr != nil {
		return closeErr
	}

	s.loans[loanID] = closed
	delete(s.openByCopy, loan.CopyID)

	return nil
}

// FindOpenLoan returns the open loan for a copy.
func (s *Store) FindOpenLoan(_ context.Context, copyID uuid.UUID) (lendingcore.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loanID, open := s.openByCopy[copyID]
	if !open {
		return lendingcore.Loan{}, lendingcore.ErrNoOpenLoan
	}

	return s.loans[loanID], nil
}

// HistoryForPatron returns all loans of a patron, most recent first.
func (s *Store) HistoryForPatron(_ context.Context, patronID uuid.UUID) (lendingcore.Loans, error) {
	return s.collectLoans(func(loan lendingcore.Loan) bool {
		return loan.PatronID == patronID
	}, mostRecentFirst), nil
}

// OpenLoansForPatron returns the patron's open loans, most recent first.
func (s *Store) OpenLoansForPatron(_ context.Context, patronID uuid.UUID) (lendingcore.Loans, error) {
	return s.collectLoans(func(loan lendingcore.Loan) bool {
		return loan.PatronID == patronID && loan.IsOpen()
	}, mostRecentFirst), nil
}

// OverdueLoans returns all open loans past due at asOf, ordered by due date.
func (s *Store) OverdueLoans(_ context.Context, asOf time.Time) (lendingcore.Loans, error) {
	return s.collectLoans(func(loan lendingcore.Loan) bool {
		return loan.IsOverdue(asOf)
	}, byDueDate), nil
}

type loanOrdering func(a lendingcore.Loan, b lendingcore.Loan) bool

func mostRecentFirst(a lendingcore.Loan, b lendingcore.Loan) bool {
	if !a.CheckedOutAt.Equal(b.CheckedOutAt) {
		return a.CheckedOutAt.After(b.CheckedOutAt)
	}

	// Loan ids are time-ordered (UUIDv7), a stable tie-break.
	return bytes.Compare(a.LoanID[:], b.LoanID[:]) > 0
}

func byDueDate(a lendingcore.Loan, b lendingcore.Loan) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}

	return bytes.Compare(a.LoanID[:], b.LoanID[:]) < 0
}

func (s *Store) collectLoans(matches func(lendingcore.Loan) bool, ordering loanOrdering) lendingcore.Loans {
	s.mu.RLock()

	collected := make(lendingcore.Loans, 0)
	for _, loan := range s.loans {
		if matches(loan) {
			collected = append(collected, loan)
		}
	}

	s.mu.RUnlock()

	sort.Slice(collected, func(i, j int) bool {
		return ordering(collected[i], collected[j])
	})

	return collected
}

// Count returns the cached availability count for a title.
func (s *Store) Count(_ context.Context, titleID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counters[titleID], nil
}

// Adjust shifts the cached availability count by delta.
func (s *Store) Adjust(_ context.Context, titleID uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[titleID] += delta

	return nil
}

// Rebuild recomputes the availability count from the copies of the title.
func (s *Store) Rebuild(ctx context.Context, titleID uuid.UUID) (int, error) {
	copies, err := s.CopiesForTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}

	available := 0
	for _, registeredCopy := range copies {
		if registeredCopy.Status == lendingcore.StatusAvailable {
			available++
		}
	}

	s.mu.Lock()
	s.counters[titleID] = available
	s.mu.Unlock()

	return available, nil
}

// insertSorted keeps a title's copy ids sorted ascending, so claims probe
// the lowest copy id first.
func insertSorted(copyIDs []uuid.UUID, copyID uuid.UUID) []uuid.UUID {
	idx := sort.Search(len(copyIDs), func(i int) bool {
		return bytes.Compare(copyIDs[i][:], copyID[:]) >= 0
	})

	copyIDs = append(copyIDs, uuid.UUID{})
	copy(copyIDs[idx+1:], copyIDs[idx:])
	copyIDs[idx] = copyID

	return copyIDs
}

// Interface guards.
var _ lendingcore.CopyRegistry = (*Store)(nil)
var _ lendingcore.LoanLedger = (*Store)(nil)
var _ lendingcore.AvailabilityIndex = (*Store)(nil)
