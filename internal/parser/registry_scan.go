//go:build purego || !treesitter || !cgo
// +build purego !treesitter !cgo

package parser

// This file is compiled by default. Every language is parsed by the pure Go
// scanners, so no C compiler is required.

// Backend names the parser implementation compiled in
const Backend = "scanner"

var byExtension = scanners
