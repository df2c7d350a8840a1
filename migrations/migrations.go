// Package migrations embeds the schema files applied by cmd/migrate and
// at daemon startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
