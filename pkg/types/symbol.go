package types

import "errors"

// Position represents a location in source code
type Position struct {
	Line   int // 1-based
	Column int // 1-based, in bytes
	Offset int // 0-based byte offset
}

// Declaration is a language construct extracted by a parser.
// Byte offsets are half-open: [Start.Offset, End.Offset).
type Declaration struct {
	Kind      ChunkKind
	Name      string
	Signature string
	Doc       string

	Start Position
	End   Position

	// DocStart is the offset of the attached documentation, or Start.Offset
	DocStart int

	Children []Declaration
}

// Size returns the byte length of the declaration body
func (d *Declaration) Size() int {
	return d.End.Offset - d.Start.Offset
}

// Validate checks the declaration's positions are usable
func (d *Declaration) Validate() error {
	if d.Name == "" {
		return errors.New("declaration name is required")
	}
	if d.Start.Line <= 0 || d.End.Line < d.Start.Line {
		return errors.New("invalid line range")
	}
	if d.End.Offset <= d.Start.Offset {
		return errors.New("invalid byte range")
	}
	return nil
}
