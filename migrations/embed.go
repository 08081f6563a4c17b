// Package migrations embeds the schema migrations. Files are text/template
// sources rendered with the configured, quoted object names before being
// applied.
package migrations

import "embed"

//go:embed *.sql.tmpl
var Files embed.FS
