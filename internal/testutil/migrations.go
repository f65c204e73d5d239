package testutil

import (
	"database/sql"
	"testing"

	"github.com/qryvanta/workflow-runtime/internal/db"
	"github.com/stretchr/testify/require"
)

// ApplyMigrations applies all migrations using the app's built-in migration
// system, so test databases exercise the exact same migration logic as
// production.
func ApplyMigrations(t *testing.T, conn *sql.DB) {
	t.Helper()
	require.NoError(t, db.ApplyMigrations(conn), "failed to apply migrations")
}
