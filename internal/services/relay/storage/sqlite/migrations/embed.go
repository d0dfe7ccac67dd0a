package migrations

import "embed"

// FS contains embedded SQLite migrations for relay state.
//
//go:embed *.sql
var FS embed.FS
