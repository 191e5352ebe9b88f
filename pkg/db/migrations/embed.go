package migrations

import "embed"

// FS holds the schema for runs, step results and monitor samples.
//
//go:embed *.sql
var FS embed.FS
