package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

// OpenLoan appends an open loan row. The insert is conditional on no open
// loan existing for the copy, validated by the rows-affected check; the
// partial unique index on open loans backstops the same invariant at the
// schema level.
func (ls LendingStore) OpenLoan(
	ctx context.Context,
	copyID uuid.UUID,
	patronID uuid.UUID,
	checkedOutAt time.Time,
	dueAt time.Time,
	metadataJSON []byte,
) (lendingcore.Loan, error) {

	var empty lendingcore.Loan

	loanID, idErr := uuid.NewV7()
	if idErr != nil {
		return empty, idErr
	}

	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}

	loan, buildErr := lendingcore.BuildOpenLoan(loanID, copyID, patronID, checkedOutAt, dueAt, metadataJSON)
	if buildErr != nil {
		return empty, buildErr
	}

	openLoanForCopy := ls.builder().
		From(ls.loansTableName).
		Select(goqu.L("1")).
		Where(
			goqu.C(colCopyID).Eq(copyID.String()),
			goqu.C(colReturnedAt).IsNull(),
		)

	insertStmt := ls.builder().
		Insert(ls.loansTableName).
		Cols(colLoanID, colCopyID, colPatronID, colCheckedOutAt, colDueAt, colMetadata).
		FromQuery(ls.builder().
			Select(
				goqu.L(castUUID, loan.LoanID.String()),
				goqu.L(castUUID, loan.CopyID.String()),
				goqu.L(castUUID, loan.PatronID.String()),
				goqu.L(castTimestamp, loan.CheckedOutAt),
				goqu.L(castDate, loan.DueAt.Format(dateOnlyFormat)),
				goqu.L(castJsonb, string(loan.MetadataJSON)),
			).
			Where(goqu.L("NOT EXISTS ?", openLoanForCopy)))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return empty, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := ls.executeStatement(ctx, sqlQuery, actionOpenLoan)
	if execErr != nil {
		return empty, execErr
	}

	if rowsAffected == 0 {
		ls.logError(logMsgDuplicateOpenLoan, lendingcore.ErrDuplicateOpenLoan, logAttrCopyID, copyID.String())
		ls.incrementCounterMetric(ctx, metricDuplicateOpenLoans, map[string]string{labelTable: ls.loansTableName})

		return empty, lendingcore.ErrDuplicateOpenLoan
	}

	ls.logOperation(actionOpenLoan, logAttrCopyID, copyID.String())

	return loan, nil
}

// CloseLoan records the return and the fine on an open loan. The update is
// conditional on the loan still being open; zero rows affected means the
// loan is closed already, or unknown.
func (ls LendingStore) CloseLoan(ctx context.Context, loanID uuid.UUID, returnedAt time.Time, fineAmount int64) error {
	closeStmt := ls.builder().
		Update(ls.loansTableName).
		Set(goqu.Record{
			colReturnedAt: goqu.L(castTimestamp, returnedAt),
			colFineAmount: fineAmount,
		}).
		Where(
			goqu.C(colLoanID).Eq(loanID.String()),
			goqu.C(colReturnedAt).IsNull(),
		)

	sqlQuery, _, toSQLErr := closeStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := ls.executeStatement(ctx, sqlQuery, actionCloseLoan)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return ls.classifyFailedClose(ctx, loanID)
	}

	ls.logOperation(actionCloseLoan, "loan_id", loanID.String())

	return nil
}

// classifyFailedClose distinguishes an already-closed loan from an unknown one.
func (ls LendingStore) classifyFailedClose(ctx context.Context, loanID uuid.UUID) error {
	selectStmt := ls.builder().
		From(ls.loansTableName).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C(colLoanID).Eq(loanID.String()))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionLoanQuery)
	if queryErr != nil {
		return queryErr
	}
	defer ls.closeRows(rows)

	var count int64
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			ls.logError(logMsgScanRowFailed, scanErr)
			return errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
		}
	}

	if count == 0 {
		return lendingcore.ErrLoanNotFound
	}

	return lendingcore.ErrAlreadyClosed
}

// FindOpenLoan returns the open loan for a copy.
func (ls LendingStore) FindOpenLoan(ctx context.Context, copyID uuid.UUID) (lendingcore.Loan, error) {
	var empty lendingcore.Loan

	selectStmt := ls.loanSelect().
		Where(
			goqu.C(colCopyID).Eq(copyID.String()),
			goqu.C(colReturnedAt).IsNull(),
		)

	loans, queryErr := ls.queryLoans(ctx, selectStmt, actionFindOpenLoan)
	if queryErr != nil {
		return empty, queryErr
	}

	if len(loans) == 0 {
		return empty, lendingcore.ErrNoOpenLoan
	}

	return loans[0], nil
}

// HistoryForPatron returns all loans of a patron, most recent first.
// The result is a materialized slice and safe to re-iterate.
func (ls LendingStore) HistoryForPatron(ctx context.Context, patronID uuid.UUID) (lendingcore.Loans, error) {
	selectStmt := ls.loanSelect().
		Where(goqu.C(colPatronID).Eq(patronID.String())).
		Order(goqu.I(colCheckedOutAt).Desc(), goqu.I(colLoanID).Desc())

	return ls.queryLoans(ctx, selectStmt, actionLoanQuery)
}

// OpenLoansForPatron returns the patron's open loans, most recent first.
func (ls LendingStore) OpenLoansForPatron(ctx context.Context, patronID uuid.UUID) (lendingcore.Loans, error) {
	selectStmt := ls.loanSelect().
		Where(
			goqu.C(colPatronID).Eq(patronID.String()),
			goqu.C(colReturnedAt).IsNull(),
		).
		Order(goqu.I(colCheckedOutAt).Desc(), goqu.I(colLoanID).Desc())

	return ls.queryLoans(ctx, selectStmt, actionLoanQuery)
}

// OverdueLoans returns all open loans past due at asOf, ordered by due date.
func (ls LendingStore) OverdueLoans(ctx context.Context, asOf time.Time) (lendingcore.Loans, error) {
	asOfDate := lendingcore.CalendarDate(asOf).Format(dateOnlyFormat)

	selectStmt := ls.loanSelect().
		Where(
			goqu.C(colReturnedAt).IsNull(),
			goqu.C(colDueAt).Lt(goqu.L(castDate, asOfDate)),
		).
		Order(goqu.I(colDueAt).Asc(), goqu.I(colLoanID).Asc())

	return ls.queryLoans(ctx, selectStmt, actionLoanQuery)
}

// loanSelect is the shared projection of loan rows.
func (ls LendingStore) loanSelect() *goqu.SelectDataset {
	return ls.builder().
		From(ls.loansTableName).
		Select(colLoanID, colCopyID, colPatronID, colCheckedOutAt, colDueAt, colReturnedAt, colFineAmount, colMetadata)
}

// queryLoans executes a loan select and scans the rows into loans.
func (ls LendingStore) queryLoans(ctx context.Context, selectStmt *goqu.SelectDataset, action string) (lendingcore.Loans, error) {
	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return nil, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, action)
	if queryErr != nil {
		return nil, queryErr
	}
	defer ls.closeRows(rows)

	loans := make(lendingcore.Loans, 0)

	for rows.Next() {
		var scanned lendingcore.Loan
		var returnedAt sql.NullTime

		if scanErr := rows.Scan(
			&scanned.LoanID,
			&scanned.CopyID,
			&scanned.PatronID,
			&scanned.CheckedOutAt,
			&scanned.DueAt,
			&returnedAt,
			&scanned.FineAmount,
			&scanned.MetadataJSON,
		); scanErr != nil {
			ls.logError(logMsgScanRowFailed, scanErr)
			return nil, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
		}

		if returnedAt.Valid {
			scanned.ReturnedAt = returnedAt.Time
		}

		loans = append(loans, scanned)
	}

	return loans, nil
}
