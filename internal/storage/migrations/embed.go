package migrations

import "embed"

// PostgresFS embeds the PostgreSQL migration files.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS
