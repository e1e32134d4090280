package migrations

import "embed"

// FS contains embedded SQLite migrations for relay message storage.
//
//go:embed *.sql
var FS embed.FS
