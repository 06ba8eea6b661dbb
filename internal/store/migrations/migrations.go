// Package migrations embeds the SQL migration files for the chatkit store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
