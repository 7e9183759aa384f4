package postgresengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

// Count returns the cached availability count for a title. A title without a
// counter row counts as zero.
func (ls LendingStore) Count(ctx context.Context, titleID uuid.UUID) (int, error) {
	selectStmt := ls.builder().
		From(ls.availabilityTableName).
		Select(colAvailableCount).
		Where(goqu.C(colTitleID).Eq(titleID.String()))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionCounterQuery)
	if queryErr != nil {
		return 0, queryErr
	}
	defer ls.closeRows(rows)

	if !rows.Next() {
		return 0, nil
	}

	var count int
	if scanErr := rows.Scan(&count); scanErr != nil {
		ls.logError(logMsgScanRowFailed, scanErr)
		return 0, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
	}

	return count, nil
}

// Adjust shifts the cached availability count by delta with a single upsert.
func (ls LendingStore) Adjust(ctx context.Context, titleID uuid.UUID, delta int) error {
	adjustStmt := ls.builder().
		Insert(ls.availabilityTableName).
		Cols(colTitleID, colAvailableCount).
		FromQuery(ls.builder().
			Select(
				goqu.L(castUUID, titleID.String()),
				goqu.V(delta),
			)).
		OnConflict(goqu.DoUpdate(
			colTitleID,
			goqu.Record{colAvailableCount: goqu.L(fmt.Sprintf(
				"%s.%s + EXCLUDED.%s",
				ls.availabilityTableName, colAvailableCount, colAvailableCount,
			))},
		))

	sqlQuery, _, toSQLErr := adjustStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	if _, execErr := ls.executeStatement(ctx, sqlQuery, actionCounterAdjust); execErr != nil {
		return execErr
	}

	return nil
}

// Rebuild recomputes the availability count from the copies table and upserts
// it, returning the fresh value. Safe to call at any time; a rebuild racing
// an in-flight checkout may transiently miscount by one until the checkout's
// own adjust lands.
func (ls LendingStore) Rebuild(ctx context.Context, titleID uuid.UUID) (int, error) {
	freshCount := ls.builder().
		From(ls.copiesTableName).
		Select(
			goqu.L(castUUID, titleID.String()),
			goqu.COUNT(goqu.Star()),
		).
		Where(
			goqu.C(colTitleID).Eq(titleID.String()),
			goqu.C(colStatus).Eq(string(lendingcore.StatusAvailable)),
		)

	rebuildStmt := ls.builder().
		Insert(ls.availabilityTableName).
		Cols(colTitleID, colAvailableCount).
		FromQuery(freshCount).
		OnConflict(goqu.DoUpdate(
			colTitleID,
			goqu.Record{colAvailableCount: goqu.L(fmt.Sprintf("EXCLUDED.%s", colAvailableCount))},
		)).
		Returning(colAvailableCount)

	sqlQuery, _, toSQLErr := rebuildStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionCounterRebuild)
	if queryErr != nil {
		return 0, queryErr
	}
	defer ls.closeRows(rows)

	var rebuilt int
	if rows.Next() {
		if scanErr := rows.Scan(&rebuilt); scanErr != nil {
			ls.logError(logMsgScanRowFailed, scanErr)
			return 0, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
		}
	}

	ls.logOperation(logMsgCounterRebuilt, logAttrTitleID, titleID.String(), "available", rebuilt)

	return rebuilt, nil
}

// scanAvailableCount counts available copies directly from the copies table.
// Used to classify failed claims; never consulted for the claim decision.
func (ls LendingStore) scanAvailableCount(ctx context.Context, titleID uuid.UUID) (int, error) {
	selectStmt := ls.builder().
		From(ls.copiesTableName).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C(colTitleID).Eq(titleID.String()),
			goqu.C(colStatus).Eq(string(lendingcore.StatusAvailable)),
		)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(lendingcore.ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := ls.executeQuery(ctx, sqlQuery, actionCopyQuery)
	if queryErr != nil {
		return 0, queryErr
	}
	defer ls.closeRows(rows)

	var count int
	if rows.Next() {
		if scanErr := rows.Scan(&count); scanErr != nil {
			ls.logError(logMsgScanRowFailed, scanErr)
			return 0, errors.Join(lendingcore.ErrScanningDBRowFailed, scanErr)
		}
	}

	return count, nil
}
