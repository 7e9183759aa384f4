package lendingcore

import (
	"errors"
	"time"
)

const (
	// DefaultLoanPeriodDays is the policy default loan period.
	DefaultLoanPeriodDays = 14

	// DefaultFineRatePerDay is the policy default fine rate in minor units
	// per overdue calendar day.
	DefaultFineRatePerDay = int64(1000)

	hoursPerDay = 24
)

var ErrInvalidLoanPeriod = errors.New("loan period must be positive")
var ErrInvalidFineRate = errors.New("fine rate must not be negative")

// LendingPolicy holds the configurable lending parameters.
type LendingPolicy struct {
	LoanPeriodDays int
	FineRatePerDay int64
}

// DefaultLendingPolicy returns the policy defaults: 14 days loan period,
// 1000 minor-units fine per overdue day.
func DefaultLendingPolicy() LendingPolicy {
	return LendingPolicy{
		LoanPeriodDays: DefaultLoanPeriodDays,
		FineRatePerDay: DefaultFineRatePerDay,
	}
}

// Validate ensures the policy parameters are usable.
func (p LendingPolicy) Validate() error {
	if p.LoanPeriodDays <= 0 {
		return ErrInvalidLoanPeriod
	}

	if p.FineRatePerDay < 0 {
		return ErrInvalidFineRate
	}

	return nil
}

// DueDateFor computes the due date for a checkout at the given time with the
// given loan period, as a calendar date.
func (p LendingPolicy) DueDateFor(checkedOutAt time.Time, loanPeriodDays int) time.Time {
	return CalendarDate(checkedOutAt).AddDate(0, 0, loanPeriodDays)
}

// FineFor computes the fine for a loan due at dueAt and returned at
// returnedAt: max(0, overdue calendar days) * FineRatePerDay.
func (p LendingPolicy) FineFor(dueAt time.Time, returnedAt time.Time) int64 {
	overdueDays := daysBetween(CalendarDate(dueAt), CalendarDate(returnedAt))
	if overdueDays <= 0 {
		return 0
	}

	return int64(overdueDays) * p.FineRatePerDay
}

// CalendarDate truncates a timestamp to its calendar date (midnight) in the
// timestamp's own location. Due dates and fines use timezone-naive calendar
// dates, consistent with how the catalog applications compute them.
func CalendarDate(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// daysBetween returns the whole calendar days from one date to another.
// Both arguments must already be calendar dates. The dates are re-anchored
// in UTC so that DST shifts cannot skew the day count.
func daysBetween(from time.Time, to time.Time) int {
	fromUTC := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toUTC := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)

	return int(toUTC.Sub(fromUTC).Hours() / hoursPerDay)
}
