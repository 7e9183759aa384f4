// Package memoryengine provides an in-process implementation of the
// lendingcore storage contracts.
//
// The Store keeps copies, loans and availability counters in maps and
// serializes status transitions per copy with one mutex per copy, so claims
// of different copies of the same title proceed in parallel while two claims
// of the same copy are mutually exclusive.
//
// It implements lendingcore.CopyRegistry, lendingcore.LoanLedger and
// lendingcore.AvailabilityIndex, and is the storage used by the concurrency
// property tests. It is also suitable for embedding the lending core into a
// single-process service without an external database.
package memoryengine
