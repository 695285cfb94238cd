// Package migrations embeds the SQL migrations owned by the worker.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
