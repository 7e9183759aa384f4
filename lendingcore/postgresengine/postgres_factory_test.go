package postgresengine_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // postgres driver
	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/lending-core-go/lendingcore"
	"github.com/bookhaven/lending-core-go/lendingcore/postgresengine"
	"github.com/bookhaven/lending-core-go/testutil/postgresengine/config"
	. "github.com/bookhaven/lending-core-go/testutil/postgresengine/helper"                 //nolint:revive
	. "github.com/bookhaven/lending-core-go/testutil/postgresengine/helper/postgreswrapper" //nolint:revive
)

func Test_FactoryFunctions_ShouldPanic_WithUnsupportedAdapterType(t *testing.T) {
	// Save the original env var
	originalAdapterType := os.Getenv("ADAPTER_TYPE")
	defer func() {
		if originalAdapterType == "" {
			err := os.Unsetenv("ADAPTER_TYPE")
			assert.NoError(t, err)
		} else {
			err := os.Setenv("ADAPTER_TYPE", originalAdapterType)
			assert.NoError(t, err)
		}
	}()

	// Set an unsupported adapter type
	err := os.Setenv("ADAPTER_TYPE", "unsupported")
	assert.NoError(t, err)

	assert.Panics(t, func() {
		createErr := TryCreateLendingStoreWithTableName(t, "copies")
		assert.NoError(t, createErr)
	})
}

func Test_FactoryFunctions_ShouldFail_WithNilDatabaseConnection(t *testing.T) {
	testCases := []struct {
		name        string
		factoryFunc func() (postgresengine.LendingStore, error)
	}{
		{
			name: "NewLendingStoreFromPGXPool with nil",
			factoryFunc: func() (postgresengine.LendingStore, error) {
				return postgresengine.NewLendingStoreFromPGXPool(nil)
			},
		},
		{
			name: "NewLendingStoreFromSQLDB with nil",
			factoryFunc: func() (postgresengine.LendingStore, error) {
				return postgresengine.NewLendingStoreFromSQLDB(nil)
			},
		},
		{
			name: "NewLendingStoreFromSQLX with nil",
			factoryFunc: func() (postgresengine.LendingStore, error) {
				return postgresengine.NewLendingStoreFromSQLX(nil)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// act
			_, err := tc.factoryFunc()

			// assert
			assert.ErrorContains(t, err, lendingcore.ErrNilDatabaseConnection.Error())
		})
	}
}

func Test_FactoryFunctions_ShouldFail_WithEmptyTableName(t *testing.T) {
	emptyTableNameOptions := []struct {
		name   string
		option postgresengine.Option
	}{
		{name: "empty copies table name", option: postgresengine.WithCopiesTableName("")},
		{name: "empty loans table name", option: postgresengine.WithLoansTableName("")},
		{name: "empty availability table name", option: postgresengine.WithAvailabilityTableName("")},
	}

	for _, tc := range emptyTableNameOptions {
		t.Run(tc.name, func(t *testing.T) {
			connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolSingleConfig())
			assert.NoError(t, err, "error connecting to DB pool in test setup")
			defer connPool.Close()

			// act
			_, err = postgresengine.NewLendingStoreFromPGXPool(connPool, tc.option)

			// assert
			assert.ErrorContains(t, err, lendingcore.ErrEmptyTableName.Error())
		})
	}
}

func Test_FactoryFunctions_WithCustomTableNames_ShouldWorkCorrectly(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t,
		postgresengine.WithCopiesTableName("copies"),
		postgresengine.WithLoansTableName("loans"),
		postgresengine.WithAvailabilityTableName("availability"),
	)
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// arrange
	CleanUp(t, wrapper)
	titleID := GivenUniqueID(t)
	added := GivenCopyWasAdded(t, ctxWithTimeout, store, store, titleID)

	// act
	claimedCopyID, err := store.ClaimAnyAvailable(ctxWithTimeout, titleID)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, added.CopyID, claimedCopyID)
}

func Test_FactoryFunctions_WithNonExistentTable_ShouldFail(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapper := CreateWrapperWithTestConfig(t, postgresengine.WithCopiesTableName("non_existent_table_1"))
	defer wrapper.Close()
	store := wrapper.GetLendingStore()

	// act
	_, err := store.CopyByID(ctxWithTimeout, GivenUniqueID(t))

	// assert
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
