package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestSchemaCoversEveryStore(t *testing.T) {
	for _, table := range []string{"account_links", "dial_sessions", "access_codes", "agent_daily_stats"} {
		require.True(t, strings.Contains(schemaSQL, "dialbridge."+table), table)
	}
}

func TestMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS dialbridge`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))

	mock.ExpectExec(`CREATE SCHEMA`).WillReturnError(errors.New("permission denied"))
	err = Migrate(context.Background(), mock)
	require.ErrorContains(t, err, "apply schema")

	require.NoError(t, mock.ExpectationsWereMet())
}
