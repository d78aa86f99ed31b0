// Package migrations holds the SQL schema of the local queue database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
