// Package migrations embeds the outbox, checkpoint and dead-letter schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
