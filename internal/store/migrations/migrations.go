// Package migrations embeds the SQL schema for heroes.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
