// Package migrations embeds the Postgres schema for the conversation log and
// run tables so it is available regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
