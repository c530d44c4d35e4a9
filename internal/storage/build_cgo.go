//go:build sqlite_vec
// +build sqlite_vec

package storage

// This file is compiled when building with CGO and the sqlite_vec tag.
// FTS5 must be enabled through the sqlite_fts5 tag:
//
//   CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// NativeDriver reports whether the C SQLite library is linked in
	NativeDriver = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
