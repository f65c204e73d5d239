// Package migrations embeds the SQL migration files applied at startup by
// internal/db's checksum-tracked runner.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
