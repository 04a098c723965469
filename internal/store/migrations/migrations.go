// Package migrations embeds the SQL schema migrations for the app-owned store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
