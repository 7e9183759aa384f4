// Package lendingcore provides the core abstractions and the state machine
// for a lending-inventory engine that tracks physical copies of catalog
// titles.
//
// The package defines the domain types (Copy, Loan), the storage contracts
// (CopyRegistry, LoanLedger, AvailabilityIndex), the lending policy with its
// calendar-date due-date and fine arithmetic, and the LendingEngine that
// orchestrates atomic checkout/return/withdraw transitions across them.
//
// The engine guarantees at-most-one-active-loan-per-copy: a claim of a copy
// is a single atomic transition against the registry, and the ledger refuses
// to record a second open loan for the same copy as an independent backstop.
//
// Key types:
//   - Copy: one physical, barcoded instance of a title
//   - Loan: one checkout-to-return cycle (append-only ledger semantics)
//   - LendingEngine: the only component callers should mutate state through
//
// Common usage pattern:
//
//	engine, err := lendingcore.NewLendingEngine(registry, ledger, index)
//	if err != nil {
//		// handle error
//	}
//
//	result, err := engine.Checkout(ctx, titleID, patronID)
//	if errors.Is(err, lendingcore.ErrNoCopyAvailable) {
//		// all copies of the title are on loan - an ordinary outcome
//	}
//
//	returned, err := engine.Return(ctx, result.CopyID)
//	// returned.Fine holds the computed fine in minor units
package lendingcore
