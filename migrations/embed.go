package migrations

import "embed"

// Files exposes embedded SQL migration files, one directory per driver,
// ordered lexicographically within each directory.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
