package migrations

import "embed"

// FS contains the embedded SQLite migrations for the iteration ledger.
//
//go:embed *.sql
var FS embed.FS
