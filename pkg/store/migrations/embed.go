// Package migrations embeds the Review Store's SQL migrations so the
// binary carries its own schema and never depends on a file on disk at
// deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
