// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// FS holds the golang-migrate formatted SQL files.
//
//go:embed *.sql
var FS embed.FS
