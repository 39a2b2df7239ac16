// Package migrations embeds the gateway's SQL schema and seed files.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Files holds the numbered up/down migration pairs.
func Files() fs.FS { return files }

// Seeds holds the idempotent development seed files.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFiles, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
