// Package appfs holds the files embedded in the server binaries.
package appfs

import "embed"

//go:embed migrations/*.sql
var FS embed.FS
