package migrations

import "embed"

// FS contains embedded SQLite migrations for the audit record store.
//
//go:embed *.sql
var FS embed.FS
