package lendingcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	logMsgCheckoutCompleted       = "checkout completed"
	logMsgReturnCompleted         = "return completed"
	logMsgCopyWithdrawn           = "copy withdrawn"
	logMsgCopyAddedAtIntake       = "copy added at intake"
	logMsgDuplicateOpenLoan       = "duplicate open loan detected, registry and ledger disagree"
	logMsgPartialReturn           = "return diverged between ledger and registry"
	logMsgCheckoutCompensated     = "checkout compensated, copy released after ledger failure"
	logMsgCompensationFailed      = "compensating release failed, copy left on loan without open loan"
	logMsgCounterAdjustFailed     = "availability counter adjust failed"
	logMsgReconciliationCompleted = "reconciliation completed"
	logMsgStatusCorrected         = "copy status corrected from ledger"
	logAttrError                  = "error"
	logAttrCopyID                 = "copy_id"
	logAttrLoanID                 = "loan_id"
	logAttrTitleID                = "title_id"
	logAttrPatronID               = "patron_id"
	logAttrDueAt                  = "due_at"
	logAttrFineAmount             = "fine_amount"
	logAttrAvailable              = "available"
	logAttrClaimAttempts          = "claim_attempts"
	logAttrStatus                 = "status"
	claimOperationName            = "checkout_claim"
)

// CheckoutResult carries the outcome of a successful checkout.
type CheckoutResult struct {
	CopyID uuid.UUID
	LoanID uuid.UUID
	DueAt  time.Time
}

// ReturnResult carries the outcome of a successful return.
type ReturnResult struct {
	LoanID uuid.UUID
	Fine   int64
}

// LendingEngine is the state machine that atomically pairs checkout/return
// requests with a CopyRegistry transition and a LoanLedger entry, computing
// due dates and fines.
//
// The engine owns no data itself - it orchestrates atomic cross-entity
// transitions and compensates if it fails partway, so that a copy is never
// left on loan without a corresponding open loan.
type LendingEngine struct {
	registry          CopyRegistry
	ledger            LoanLedger
	index             AvailabilityIndex
	policy            LendingPolicy
	clock             Clock
	logger            Logger
	metricsCollector  MetricsCollector
	titleExists       TitleExistsFunc
	claimRetryOptions []RetryOption
}

// EngineOption defines a functional option for configuring a LendingEngine.
type EngineOption func(*LendingEngine) error

// WithPolicy sets the lending policy for the engine.
func WithPolicy(policy LendingPolicy) EngineOption {
	return func(e *LendingEngine) error {
		if err := policy.Validate(); err != nil {
			return err
		}

		e.policy = policy

		return nil
	}
}

// WithClock sets the clock for the engine. Defaults to SystemClock.
func WithClock(clock Clock) EngineOption {
	return func(e *LendingEngine) error {
		if clock == nil {
			return ErrNilDependency
		}

		e.clock = clock

		return nil
	}
}

// WithLogger sets the logger for the engine.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Info level: completed operations with their outcomes (production-safe)
// Warn level: non-critical issues like counter adjust failures
// Error level: consistency faults (duplicate open loans, partial returns).
func WithLogger(logger Logger) EngineOption {
	return func(e *LendingEngine) error {
		e.logger = logger
		return nil
	}
}

// WithMetricsCollector sets the metrics collector used for claim retry metrics.
func WithMetricsCollector(collector MetricsCollector) EngineOption {
	return func(e *LendingEngine) error {
		e.metricsCollector = collector
		return nil
	}
}

// WithTitleExistsCheck sets the catalog collaborator's title existence check,
// consulted by AddCopy before registering a new copy.
func WithTitleExistsCheck(check TitleExistsFunc) EngineOption {
	return func(e *LendingEngine) error {
		if check == nil {
			return ErrNilDependency
		}

		e.titleExists = check

		return nil
	}
}

// WithClaimRetryOptions sets a custom retry configuration for optimistic claims.
func WithClaimRetryOptions(opts ...RetryOption) EngineOption {
	return func(e *LendingEngine) error {
		e.claimRetryOptions = opts
		return nil
	}
}

// NewLendingEngine creates a new LendingEngine on top of the given registry,
// ledger and availability index, with optional configuration.
func NewLendingEngine(
	registry CopyRegistry,
	ledger LoanLedger,
	index AvailabilityIndex,
	options ...EngineOption,
) (LendingEngine, error) {

	if registry == nil || ledger == nil || index == nil {
		return LendingEngine{}, ErrNilDependency
	}

	engine := LendingEngine{
		registry: registry,
		ledger:   ledger,
		index:    index,
		policy:   DefaultLendingPolicy(),
		clock:    SystemClock{},
	}

	for _, option := range options {
		if err := option(&engine); err != nil {
			return LendingEngine{}, err
		}
	}

	return engine, nil
}

// CheckoutOption configures a single Checkout call.
type CheckoutOption func(*checkoutParams) error

type checkoutParams struct {
	loanPeriodDays int
	metadataJSON   []byte
}

// WithLoanPeriodDays overrides the policy loan period for one checkout.
func WithLoanPeriodDays(days int) CheckoutOption {
	return func(p *checkoutParams) error {
		if days <= 0 {
			return ErrInvalidLoanPeriod
		}

		p.loanPeriodDays = days

		return nil
	}
}

// WithLoanMetadata attaches caller-supplied audit context to the loan row.
func WithLoanMetadata(metadataJSON []byte) CheckoutOption {
	return func(p *checkoutParams) error {
		p.metadataJSON = metadataJSON
		return nil
	}
}

// Checkout claims one available copy of the title for the patron, opens a
// loan with the computed due date, and adjusts the availability counter.
//
// If no copy is available the operation fails with ErrNoCopyAvailable and
// performs no mutation. If the ledger or counter update fails after the claim
// succeeded, the engine compensates by releasing the copy back to available
// and surfaces the underlying failure.
func (e LendingEngine) Checkout(
	ctx context.Context,
	titleID uuid.UUID,
	patronID uuid.UUID,
	options ...CheckoutOption,
) (CheckoutResult, error) {

	var empty CheckoutResult

	params := checkoutParams{
		loanPeriodDays: e.policy.LoanPeriodDays,
		metadataJSON:   []byte("{}"),
	}

	for _, option := range options {
		if err := option(&params); err != nil {
			return empty, err
		}
	}

	copyID, claimMetrics, claimErr := e.claimWithRetry(ctx, titleID)
	if claimErr != nil {
		return empty, claimErr
	}

	now := e.clock.Now()
	dueAt := e.policy.DueDateFor(now, params.loanPeriodDays)

	loan, openErr := e.ledger.OpenLoan(ctx, copyID, patronID, now, dueAt, params.metadataJSON)
	if openErr != nil {
		return empty, e.compensateClaim(ctx, titleID, copyID, openErr)
	}

	if adjustErr := e.index.Adjust(ctx, titleID, -1); adjustErr != nil {
		// The checkout is undone as a whole: the loan is closed again with a
		// compensating write and the copy released. Corrections are new rows,
		// never edits, so the ledger stays auditable.
		if closeErr := e.ledger.CloseLoan(ctx, loan.LoanID, now, 0); closeErr != nil {
			e.logError(logMsgCompensationFailed, closeErr,
				logAttrCopyID, copyID.String(),
				logAttrLoanID, loan.LoanID.String())

			return empty, errors.Join(ErrPartialReturnFailure, adjustErr, closeErr)
		}

		return empty, e.compensateClaim(ctx, titleID, copyID, adjustErr)
	}

	e.logInfo(logMsgCheckoutCompleted,
		logAttrTitleID, titleID.String(),
		logAttrPatronID, patronID.String(),
		logAttrCopyID, copyID.String(),
		logAttrLoanID, loan.LoanID.String(),
		logAttrDueAt, dueAt.Format(time.DateOnly),
		logAttrClaimAttempts, claimMetrics.Attempts)

	return CheckoutResult{CopyID: copyID, LoanID: loan.LoanID, DueAt: dueAt}, nil
}

// claimWithRetry runs the optimistic claim with exponential backoff on
// claim conflicts. ErrNoCopyAvailable is terminal and never retried.
func (e LendingEngine) claimWithRetry(ctx context.Context, titleID uuid.UUID) (
	uuid.UUID,
	RetryMetrics,
	error,
) {

	var copyID uuid.UUID

	retryOptions := e.claimRetryOptions
	if retryOptions == nil && e.metricsCollector != nil {
		retryOptions = []RetryOption{WithRetryMetrics(e.metricsCollector, claimOperationName)}
	}

	claimMetrics, claimErr := RetryWithExponentialBackoff(ctx, func(retryCtx context.Context) error {
		claimed, err := e.registry.ClaimAnyAvailable(retryCtx, titleID)
		if err != nil {
			return err
		}

		copyID = claimed

		return nil
	}, retryOptions...)

	if claimErr != nil {
		return uuid.Nil, claimMetrics, claimErr
	}

	return copyID, claimMetrics, nil
}

// compensateClaim rolls a claimed copy back to available after a ledger
// failure and surfaces the underlying error.
func (e LendingEngine) compensateClaim(ctx context.Context, titleID uuid.UUID, copyID uuid.UUID, cause error) error {
	if errors.Is(cause, ErrDuplicateOpenLoan) {
		// Consistency-backstop violation: the ledger already holds an open
		// loan for a copy the registry considered available. This is a bug
		// signal, never silently ignored.
		e.logError(logMsgDuplicateOpenLoan, cause,
			logAttrCopyID, copyID.String(),
			logAttrTitleID, titleID.String())
	}

	if releaseErr := e.registry.Release(ctx, copyID); releaseErr != nil {
		e.logError(logMsgCompensationFailed, releaseErr,
			logAttrCopyID, copyID.String(),
			logAttrTitleID, titleID.String())

		return errors.Join(ErrPartialReturnFailure, cause, releaseErr)
	}

	e.logInfo(logMsgCheckoutCompensated,
		logAttrCopyID, copyID.String(),
		logAttrTitleID, titleID.String())

	return cause
}

// ReturnOption configures a single Return call.
type ReturnOption func(*returnParams) error

type returnParams struct {
	returnedAt time.Time
}

// WithReturnedAt overrides the return timestamp, which defaults to the
// engine clock's current time.
func WithReturnedAt(returnedAt time.Time) ReturnOption {
	return func(p *returnParams) error {
		p.returnedAt = returnedAt
		return nil
	}
}

// Return closes the open loan for the copy, computes the fine from elapsed
// overdue days, releases the copy back to the registry and adjusts the
// availability counter.
//
// Calling Return twice for the same copy yields success then ErrNoOpenLoan;
// the second call changes nothing. If the ledger closed but the registry
// release failed, the error wraps ErrPartialReturnFailure and the caller
// must reconcile the affected title.
func (e LendingEngine) Return(
	ctx context.Context,
	copyID uuid.UUID,
	options ...ReturnOption,
) (ReturnResult, error) {

	var empty ReturnResult

	params := returnParams{}
	for _, option := range options {
		if err := option(&params); err != nil {
			return empty, err
		}
	}

	if params.returnedAt.IsZero() {
		params.returnedAt = e.clock.Now()
	}

	registeredCopy, copyErr := e.registry.CopyByID(ctx, copyID)
	if copyErr != nil {
		return empty, copyErr
	}

	loan, findErr := e.ledger.FindOpenLoan(ctx, copyID)
	if findErr != nil {
		return empty, findErr
	}

	fine := e.policy.FineFor(loan.DueAt, params.returnedAt)

	if closeErr := e.ledger.CloseLoan(ctx, loan.LoanID, params.returnedAt, fine); closeErr != nil {
		return empty, closeErr
	}

	if releaseErr := e.registry.Release(ctx, copyID); releaseErr != nil {
		// Ledger closed but the copy is still marked on loan. Surface this
		// loudly so a reconciliation pass can repair the title.
		e.logError(logMsgPartialReturn, releaseErr,
			logAttrCopyID, copyID.String(),
			logAttrLoanID, loan.LoanID.String(),
			logAttrTitleID, registeredCopy.TitleID.String())

		return empty, errors.Join(ErrPartialReturnFailure, releaseErr)
	}

	if adjustErr := e.index.Adjust(ctx, registeredCopy.TitleID, 1); adjustErr != nil {
		e.logWarn(logMsgCounterAdjustFailed, adjustErr,
			logAttrTitleID, registeredCopy.TitleID.String())
	}

	e.logInfo(logMsgReturnCompleted,
		logAttrCopyID, copyID.String(),
		logAttrLoanID, loan.LoanID.String(),
		logAttrFineAmount, fine)

	return ReturnResult{LoanID: loan.LoanID, Fine: fine}, nil
}

// WithdrawCopy takes an available copy out of circulation. It delegates to
// the registry's withdraw guard; a copy on loan cannot be withdrawn without
// a return first. No ledger interaction is needed since a withdrawn copy,
// by invariant, has no open loan.
func (e LendingEngine) WithdrawCopy(ctx context.Context, copyID uuid.UUID) error {
	registeredCopy, copyErr := e.registry.CopyByID(ctx, copyID)
	if copyErr != nil {
		return copyErr
	}

	if withdrawErr := e.registry.Withdraw(ctx, copyID); withdrawErr != nil {
		return withdrawErr
	}

	if adjustErr := e.index.Adjust(ctx, registeredCopy.TitleID, -1); adjustErr != nil {
		e.logWarn(logMsgCounterAdjustFailed, adjustErr,
			logAttrTitleID, registeredCopy.TitleID.String())
	}

	e.logInfo(logMsgCopyWithdrawn, logAttrCopyID, copyID.String())

	return nil
}

// AddCopy registers a new copy at intake and adjusts the availability
// counter. If a title existence check is configured, unknown titles are
// rejected with ErrUnknownTitle.
func (e LendingEngine) AddCopy(ctx context.Context, copy Copy) error {
	if e.titleExists != nil {
		exists, checkErr := e.titleExists(ctx, copy.TitleID)
		if checkErr != nil {
			return checkErr
		}

		if !exists {
			return ErrUnknownTitle
		}
	}

	if addErr := e.registry.AddCopy(ctx, copy); addErr != nil {
		return addErr
	}

	if adjustErr := e.index.Adjust(ctx, copy.TitleID, 1); adjustErr != nil {
		e.logWarn(logMsgCounterAdjustFailed, adjustErr,
			logAttrTitleID, copy.TitleID.String())
	}

	e.logInfo(logMsgCopyAddedAtIntake,
		logAttrCopyID, copy.CopyID.String(),
		logAttrTitleID, copy.TitleID.String())

	return nil
}

// Status is a pure read of a copy's current status.
func (e LendingEngine) Status(ctx context.Context, copyID uuid.UUID) (CopyStatus, error) {
	registeredCopy, err := e.registry.CopyByID(ctx, copyID)
	if err != nil {
		return "", err
	}

	return registeredCopy.Status, nil
}

// Count returns the cached availability count for a title.
func (e LendingEngine) Count(ctx context.Context, titleID uuid.UUID) (int, error) {
	return e.index.Count(ctx, titleID)
}

// HistoryForPatron returns all loans of a patron, most recent first.
func (e LendingEngine) HistoryForPatron(ctx context.Context, patronID uuid.UUID) (Loans, error) {
	return e.ledger.HistoryForPatron(ctx, patronID)
}

// ActiveLoansForPatron returns the patron's open loans, most recent first.
func (e LendingEngine) ActiveLoansForPatron(ctx context.Context, patronID uuid.UUID) (Loans, error) {
	return e.ledger.OpenLoansForPatron(ctx, patronID)
}

// OverdueLoans returns all open loans past due at asOf, ordered by due date.
func (e LendingEngine) OverdueLoans(ctx context.Context, asOf time.Time) (Loans, error) {
	return e.ledger.OverdueLoans(ctx, asOf)
}

// Reconcile repairs a title after a consistency fault: it re-derives each
// copy's status from the ledger's open-loan set, treating the append-only
// ledger as more authoritative than the registry's raw status column, and
// rebuilds the availability counter.
func (e LendingEngine) Reconcile(ctx context.Context, titleID uuid.UUID) error {
	copies, listErr := e.registry.CopiesForTitle(ctx, titleID)
	if listErr != nil {
		return listErr
	}

	for _, registeredCopy := range copies {
		_, findErr := e.ledger.FindOpenLoan(ctx, registeredCopy.CopyID)

		hasOpenLoan := findErr == nil
		if findErr != nil && !errors.Is(findErr, ErrNoOpenLoan) {
			return findErr
		}

		derived := e.deriveStatus(registeredCopy.Status, hasOpenLoan)
		if derived == registeredCopy.Status {
			continue
		}

		if correctErr := e.registry.CorrectStatus(ctx, registeredCopy.CopyID, derived); correctErr != nil {
			return correctErr
		}

		e.logWarn(logMsgStatusCorrected, nil,
			logAttrCopyID, registeredCopy.CopyID.String(),
			logAttrStatus, string(derived))
	}

	available, rebuildErr := e.index.Rebuild(ctx, titleID)
	if rebuildErr != nil {
		return rebuildErr
	}

	e.logInfo(logMsgReconciliationCompleted,
		logAttrTitleID, titleID.String(),
		logAttrAvailable, available)

	return nil
}

// deriveStatus maps a copy's recorded status and the ledger's open-loan fact
// to the status the copy must have. Withdrawn copies without an open loan
// stay withdrawn.
func (e LendingEngine) deriveStatus(recorded CopyStatus, hasOpenLoan bool) CopyStatus {
	if hasOpenLoan {
		return StatusOnLoan
	}

	if recorded == StatusWithdrawn {
		return StatusWithdrawn
	}

	return StatusAvailable
}

// logInfo logs operational information at info level if the logger is configured.
func (e LendingEngine) logInfo(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}

// logWarn logs non-critical issues at warn level if the logger is configured.
func (e LendingEngine) logWarn(msg string, err error, args ...any) {
	if e.logger == nil {
		return
	}

	if err != nil {
		args = append([]any{logAttrError, err.Error()}, args...)
	}

	e.logger.Warn(msg, args...)
}

// logError logs consistency faults at error level if the logger is configured.
func (e LendingEngine) logError(msg string, err error, args ...any) {
	if e.logger == nil {
		return
	}

	if err != nil {
		args = append([]any{logAttrError, err.Error()}, args...)
	}

	e.logger.Error(msg, args...)
}
