package store

import (
	_ "github.com/mattn/go-sqlite3" // CGO SQLite driver
)

// NewSQLite3Store opens a store on the cgo github.com/mattn/go-sqlite3
// driver. FTS5 is only available when the driver is built with the
// sqlite_fts5 tag; without it the store runs with keyword search disabled.
func NewSQLite3Store(opts SQLiteOptions) (*SQLiteStore, error) {
	return openSQLite(DriverMattn, opts)
}
