package postgresengine

import (
	"context"
	"errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

// AddCopy registers a new copy. The insert is conditional on the copy id not
// being present yet, validated by the rows-affected check.
func (ls LendingStore) AddCopy(ctx context.Context, copy lendingcore.Copy) error {
	insertStmt := ls.builder().
		Insert(ls.copiesTableName).
		Cols(colCopyID, colTitleID, colStatus, colCondition, colLocation).
		FromQuery(ls.builder().
			Select(
				goqu.L(castUUID, copy.CopyID.String()),
				goqu.L(castUUID, copy.TitleID.String()),
				goqu.V(string(copy.Status)),
				goqu.V(copy.Condition),
				goqu.V(copy.Location),
			).
			Where(goqu.L("NOT EXISTS ?", ls.builder().
				From(ls.copiesTableName).
				Select(goqu.L("1")).
				Where(goqu.C(colCopyID).Eq(copy.CopyID.String())))))

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := ls.executeStatement(ctx, sqlQuery, actionAddCopy)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return lendingcore.ErrCopyExists
	}

	ls.logOperation(actionAddCopy, logAttrCopyID, copy.CopyID.String(), logAttrTitleID, copy.TitleID.String())

	return nil
}

// ClaimAnyAvailable atomically claims the lowest-id available copy of the
// title with a single compare-and-swap UPDATE. Two concurrent claims can
// never both win the same copy: the loser's UPDATE matches zero rows after
// the row qualifier is rechecked, which surfaces as ErrClaimConflict and is
// retried by the engine.
func (ls LendingStore) ClaimAnyAvailable(ctx context.Context, titleID uuid.UUID) (uuid.UUID, error) {
	lowestAvailable := ls.builder().
		From(ls.copiesTableName).
		Select(colCopyID).
		Where(
			goqu.C(colTitleID).Eq(titleID.String()),
			goqu.C(colStatus).Eq(string(lendingcore.StatusAvailable)),
		).
		Order(goqu.I(colCopyID).Asc()).
		Limit(1)

	claimStmt := ls.builder().
		Update(ls.copiesTableName).
		Set(goqu.Record{colStatus: string(lendingcore.StatusOnLoan)}).
		Where(
			goqu.C(colCopyID).Eq(lowestAvailable),
			goqu.C(colStatus).Eq(string(lendingcore.StatusAvailable)),
		).
		Returning(colCopyID)

	sqlQuery, _, toSQLErr := claimStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return uuid.Nil, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionClaim)
	if queryErr != nil {
		return uuid.Nil, queryErr
	}
	defer ls.closeRows(rows)

	if !rows.Next() {
		return uuid.Nil, ls.classifyFailedClaim(ctx, titleID)
	}

	var claimedCopyID uuid.UUID
	if scanErr := rows.Scan(&claimedCopyID); scanErr != nil {
		ls.logError(logMsgScanRowFailed, scanErr)
		return uuid.Nil, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
	}

	ls.logOperation(logMsgCopyClaimed, logAttrCopyID, claimedCopyID.String(), logAttrTitleID, titleID.String())

	return claimedCopyID, nil
}

// classifyFailedClaim distinguishes "no copy exists" from "lost the race".
// A claim that matched zero rows while the title still has available copies
// was beaten by a concurrent transition and may be retried.
func (ls LendingStore) classifyFailedClaim(ctx context.Context, titleID uuid.UUID) error {
	availableCount, countErr := ls.scanAvailableCount(ctx, titleID)
	if countErr != nil {
		return countErr
	}

	if availableCount == 0 {
		return lendingcore.ErrNoCopyAvailable
	}

	ls.logOperation(logMsgClaimConflict, logAttrTitleID, titleID.String())
	ls.incrementCounterMetric(ctx, metricClaimConflicts, map[string]string{labelTable: ls.copiesTableName})

	return lendingcore.ErrClaimConflict
}

// Release transitions a copy from on loan back to available.
func (ls LendingStore) Release(ctx context.Context, copyID uuid.UUID) error {
	return ls.transition(ctx, copyID, lendingcore.StatusOnLoan, lendingcore.StatusAvailable, actionRelease)
}

// Withdraw transitions an available copy to withdrawn.
func (ls LendingStore) Withdraw(ctx context.Context, copyID uuid.UUID) error {
	return ls.transition(ctx, copyID, lendingcore.StatusAvailable, lendingcore.StatusWithdrawn, actionWithdraw)
}

// transition applies from -> to on one copy as a compare-and-swap UPDATE.
// Zero rows affected means the copy was not in the expected state; the copy
// is then looked up to distinguish ErrCopyNotFound from ErrInvalidTransition.
func (ls LendingStore) transition(
	ctx context.Context,
	copyID uuid.UUID,
	from lendingcore.CopyStatus,
	to lendingcore.CopyStatus,
	action string,
) error {

	transitionStmt := ls.builder().
		Update(ls.copiesTableName).
		Set(goqu.Record{colStatus: string(to)}).
		Where(
			goqu.C(colCopyID).Eq(copyID.String()),
			goqu.C(colStatus).Eq(string(from)),
		)

	sqlQuery, _, toSQLErr := transitionStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := ls.executeStatement(ctx, sqlQuery, action)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		if _, lookupErr := ls.CopyByID(ctx, copyID); lookupErr != nil {
			return lookupErr
		}

		return lendingcore.ErrInvalidTransition
	}

	ls.logOperation(action, logAttrCopyID, copyID.String())

	return nil
}

// CorrectStatus forces a copy into the given status; reconciliation only.
func (ls LendingStore) CorrectStatus(ctx context.Context, copyID uuid.UUID, status lendingcore.CopyStatus) error {
	if !status.IsValid() {
		return lendingcore.ErrInvalidTransition
	}

	correctStmt := ls.builder().
		Update(ls.copiesTableName).
		Set(goqu.Record{colStatus: string(status)}).
		Where(goqu.C(colCopyID).Eq(copyID.String()))

	sqlQuery, _, toSQLErr := correctStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rowsAffected, execErr := ls.executeStatement(ctx, sqlQuery, actionCorrectStatus)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return lendingcore.ErrCopyNotFound
	}

	ls.logOperation(actionCorrectStatus, logAttrCopyID, copyID.String())

	return nil
}

// CopyByID is a pure read of one copy.
func (ls LendingStore) CopyByID(ctx context.Context, copyID uuid.UUID) (lendingcore.Copy, error) {
	var empty lendingcore.Copy

	selectStmt := ls.builder().
		From(ls.copiesTableName).
		Select(colCopyID, colTitleID, colStatus, colCondition, colLocation).
		Where(goqu.C(colCopyID).Eq(copyID.String()))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return empty, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionCopyQuery)
	if queryErr != nil {
		return empty, queryErr
	}
	defer ls.closeRows(rows)

	if !rows.Next() {
		return empty, lendingcore.ErrCopyNotFound
	}

	return ls.scanCopy(rows)
}

// CopiesForTitle returns all copies of a title ordered by copy id.
func (ls LendingStore) CopiesForTitle(ctx context.Context, titleID uuid.UUID) ([]lendingcore.Copy, error) {
	selectStmt := ls.builder().
		From(ls.copiesTableName).
		Select(colCopyID, colTitleID, colStatus, colCondition, colLocation).
		Where(goqu.C(colTitleID).Eq(titleID.String())).
		Order(goqu.I(colCopyID).Asc())

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return nil, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionCopyQuery)
	if queryErr != nil {
		return nil, queryErr
	}
	defer ls.closeRows(rows)

	copies := make([]lendingcore.Copy, 0)

	for rows.Next() {
		registeredCopy, scanErr := ls.scanCopy(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		copies = append(copies, registeredCopy)
	}

	return copies, nil
}

type copyScanner interface {
	Scan(dest ...any) error
}

func (ls LendingStore) scanCopy(rows copyScanner) (lendingcore.Copy, error) {
	var scanned lendingcore.Copy
	var status string

	if scanErr := rows.Scan(
		&scanned.CopyID,
		&scanned.TitleID,
		&status,
		&scanned.Condition,
		&scanned.Location,
	); scanErr != nil {
		ls.logError(logMsgScanRowFailed, scanErr)
		return lendingcore.Copy{}, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
	}

	scanned.Status = lendingcore.CopyStatus(status)

	return scanned, nil
}
