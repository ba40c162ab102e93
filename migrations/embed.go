package migrations

import "embed"

// Files holds the schema scripts, applied in lexicographic order.
//
//go:embed *.sql
var Files embed.FS
