package lendingcore

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var ErrNilLoanID = errors.New("loan id must not be nil")
var ErrNilPatronID = errors.New("patron id must not be nil")
var ErrInvalidLoanMetadataJSON = errors.New("loan metadata json is not valid")
var ErrNegativeFineAmount = errors.New("fine amount must not be negative")

// Loans is an alias type for a slice of Loan.
type Loans = []Loan

// Loan is a DTO for one checkout-to-return cycle of one copy and one patron.
//
// A loan is open while ReturnedAt is the zero time. The ledger appends a loan
// at checkout and mutates it exactly once at return (setting ReturnedAt and
// FineAmount); corrections afterwards are new compensating rows, never edits.
//
// While its properties are exported, it should only be constructed with the
// supplied factory methods:
//   - BuildOpenLoan
//   - BuildOpenLoanWithEmptyMetadata
type Loan struct {
	LoanID       uuid.UUID
	CopyID       uuid.UUID
	PatronID     uuid.UUID
	CheckedOutAt time.Time
	DueAt        time.Time
	ReturnedAt   time.Time
	FineAmount   int64
	MetadataJSON []byte
}

// BuildOpenLoan is a factory method for Loan.
//
// It populates an open loan (zero ReturnedAt, zero fine) with the given
// scalar input. Returns an error if any id is the nil uuid or if
// metadataJSON is not valid JSON.
func BuildOpenLoan(
	loanID uuid.UUID,
	copyID uuid.UUID,
	patronID uuid.UUID,
	checkedOutAt time.Time,
	dueAt time.Time,
	metadataJSON []byte,
) (Loan, error) {

	if loanID == uuid.Nil {
		return Loan{}, ErrNilLoanID
	}

	if copyID == uuid.Nil {
		return Loan{}, ErrNilCopyID
	}

	if patronID == uuid.Nil {
		return Loan{}, ErrNilPatronID
	}

	if !jsoniter.ConfigFastest.Valid(metadataJSON) {
		return Loan{}, ErrInvalidLoanMetadataJSON
	}

	return Loan{
		LoanID:       loanID,
		CopyID:       copyID,
		PatronID:     patronID,
		CheckedOutAt: checkedOutAt,
		DueAt:        dueAt,
		MetadataJSON: metadataJSON,
	}, nil
}

// BuildOpenLoanWithEmptyMetadata is a factory method for Loan.
//
// It populates an open loan with the given scalar input and valid empty JSON
// for MetadataJSON.
func BuildOpenLoanWithEmptyMetadata(
	loanID uuid.UUID,
	copyID uuid.UUID,
	patronID uuid.UUID,
	checkedOutAt time.Time,
	dueAt time.Time,
) (Loan, error) {
	return BuildOpenLoan(loanID, copyID, patronID, checkedOutAt, dueAt, []byte("{}"))
}

// IsOpen reports whether the loan has no recorded return.
func (l Loan) IsOpen() bool {
	return l.ReturnedAt.IsZero()
}

// IsOverdue reports whether the loan is open and past due at the given time.
func (l Loan) IsOverdue(asOf time.Time) bool {
	if !l.IsOpen() {
		return false
	}

	return CalendarDate(asOf).After(CalendarDate(l.DueAt))
}

// Closed returns a copy of the loan with the return recorded.
// Returns an error if the loan is already closed or the fine is negative.
func (l Loan) Closed(returnedAt time.Time, fineAmount int64) (Loan, error) {
	if !l.IsOpen() {
		return Loan{}, ErrAlreadyClosed
	}

	if fineAmount < 0 {
		return Loan{}, ErrNegativeFineAmount
	}

	closed := l
	closed.ReturnedAt = returnedAt
	closed.FineAmount = fineAmount

	return closed, nil
}
