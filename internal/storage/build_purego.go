//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package storage

// This file is compiled by default. It uses the pure Go SQLite translation,
// which ships with FTS5, so no C compiler is required.
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// NativeDriver reports whether the C SQLite library is linked in
	NativeDriver = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
