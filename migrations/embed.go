// Package migrations embeds the schema migration files so deployed binaries
// carry their own schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
