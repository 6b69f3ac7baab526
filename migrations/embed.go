// Package migrations embeds the hub's SQL migration files into the binary.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory inside FS passed to database.Migrate.
const Dir = "."
