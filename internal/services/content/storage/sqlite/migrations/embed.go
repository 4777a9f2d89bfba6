// Package migrations embeds SQL migration scripts for the content read model.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
