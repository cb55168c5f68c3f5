// Package migrations embeds the goose SQL migrations.
package migrations

import "embed"

// Dir is the migrations directory within FS.
const Dir = "."

//go:embed *.sql
var FS embed.FS
