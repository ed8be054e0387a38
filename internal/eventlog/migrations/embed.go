// Package migrations embeds the event log schemas for each SQL driver.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
