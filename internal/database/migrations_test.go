package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, testDB *TestDB) {
		t.Run("all tables exist", func(t *testing.T) {
			for _, table := range []string{"market_history", "portfolio_snapshot", "tracked_symbol"} {
				var exists bool
				query := `
					SELECT EXISTS (
						SELECT FROM information_schema.tables
						WHERE table_schema = 'public' AND table_name = $1
					)
				`
				if testDB.dialect == SQLite {
					query = `SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?1`
				}
				err := testDB.GetRawConn().QueryRow(query, table).Scan(&exists)
				require.NoError(t, err, "failed to check table existence for %s", table)
				assert.True(t, exists, "table %s should exist", table)
			}
		})

		t.Run("migrating twice is a no-op", func(t *testing.T) {
			require.NoError(t, testDB.Migrate())
		})
	})
}

func TestMigrationsPostgresSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)

	t.Run("market_history table has correct columns", func(t *testing.T) {
		expectedColumns := map[string]string{
			"id":         "bigint",
			"ticker":     "character varying",
			"date":       "date",
			"open":       "numeric",
			"high":       "numeric",
			"low":        "numeric",
			"close":      "numeric",
			"volume":     "bigint",
			"created_at": "timestamp with time zone",
			"updated_at": "timestamp with time zone",
		}

		for colName, expectedType := range expectedColumns {
			var actualType string
			err := testDB.GetRawConn().QueryRow(`
				SELECT data_type
				FROM information_schema.columns
				WHERE table_name = 'market_history' AND column_name = $1
			`, colName).Scan(&actualType)

			require.NoError(t, err, "column %s should exist in market_history table", colName)
			assert.Equal(t, expectedType, actualType, "column %s should have type %s", colName, expectedType)
		}
	})

	t.Run("portfolio_snapshot table has correct columns", func(t *testing.T) {
		expectedColumns := []string{
			"id", "portfolio_id", "as_of", "total_value", "cash_balance",
			"holdings_json", "stale_count", "created_at",
		}

		for _, colName := range expectedColumns {
			var exists bool
			err := testDB.GetRawConn().QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.columns
					WHERE table_name = 'portfolio_snapshot' AND column_name = $1
				)
			`, colName).Scan(&exists)

			require.NoError(t, err)
			assert.True(t, exists, "column %s should exist in portfolio_snapshot table", colName)
		}
	})

	t.Run("unique constraints exist", func(t *testing.T) {
		for _, name := range []string{"market_history_ticker_date_key", "portfolio_snapshot_portfolio_as_of_key"} {
			var exists bool
			err := testDB.GetRawConn().QueryRow(`
				SELECT EXISTS (
					SELECT FROM pg_constraint WHERE contype = 'u' AND conname = $1
				)
			`, name).Scan(&exists)
			require.NoError(t, err)
			assert.True(t, exists, "constraint %s should exist", name)
		}
	})

	t.Run("bar invariants are enforced by the schema", func(t *testing.T) {
		_, err := testDB.GetRawConn().Exec(`
			INSERT INTO market_history (ticker, date, open, high, low, close, volume)
			VALUES ('AAPL', '2025-09-29', 150, 140, 149, 154, 1)
		`)
		assert.Error(t, err)
	})
}
