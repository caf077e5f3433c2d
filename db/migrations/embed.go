// Package dbmigrations exposes embedded SQL migrations for driftline binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into driftline binaries.
//
//go:embed *.sql
var Files embed.FS
