// Package migrations embeds the schema so the migrator binary works without
// a migrations directory on disk.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
