package lendingcore

import (
	"errors"

	"github.com/google/uuid"
)

var ErrNilCopyID = errors.New("copy id must not be nil")
var ErrNilTitleID = errors.New("title id must not be nil")

// CopyStatus is the lifecycle state of one physical copy.
type CopyStatus string

const (
	StatusAvailable CopyStatus = "available"
	StatusOnLoan    CopyStatus = "on_loan"
	StatusWithdrawn CopyStatus = "withdrawn"
)

// IsValid reports whether the status is one of the three known states.
func (s CopyStatus) IsValid() bool {
	switch s {
	case StatusAvailable, StatusOnLoan, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// Copy is a DTO for one physical, barcoded instance of a catalog title.
//
// The status is always consistent with the open-loan set of the ledger:
// StatusOnLoan if and only if an open loan references the copy. Only the
// CopyRegistry mutates the status, and only through the legal transitions
// Available -> OnLoan -> Available and Available -> Withdrawn.
//
// While its properties are exported, it should only be constructed with the
// supplied factory method BuildCopy.
type Copy struct {
	CopyID    uuid.UUID
	TitleID   uuid.UUID
	Status    CopyStatus
	Condition string
	Location  string
}

// BuildCopy is a factory method for Copy.
//
// New copies enter the registry as StatusAvailable. Returns an error if
// either id is the nil uuid.
func BuildCopy(copyID uuid.UUID, titleID uuid.UUID, condition string, location string) (Copy, error) {
	if copyID == uuid.Nil {
		return Copy{}, ErrNilCopyID
	}

	if titleID == uuid.Nil {
		return Copy{}, ErrNilTitleID
	}

	return Copy{
		CopyID:    copyID,
		TitleID:   titleID,
		Status:    StatusAvailable,
		Condition: condition,
		Location:  location,
	}, nil
}
