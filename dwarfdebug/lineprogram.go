package dwarfdebug

import (
	"debug/dwarf"
	"io"

	"github.com/brask/covtrace"
)

// LineRow is one row of a compilation unit's line-number program: a
// candidate (file, line, address, is_statement) tuple (§4.1 step 3).
type LineRow struct {
	File        string
	Line        uint
	Address     uintptr
	IsStmt      bool
	PrologueEnd bool
	EndSequence bool
}

// WalkLineProgram returns every row of cu's line-number program, in the
// order the program emits them (monotonically increasing address within
// a sequence, but sequences themselves are not globally ordered).
func (d *DebugData) WalkLineProgram(cu DebugEntry) ([]LineRow, error) {
	lr, err := d.LineReader(cu)
	if err != nil {
		return nil, covtrace.Error(err)
	}

	var rows []LineRow
	var entry dwarf.LineEntry

	for {
		err := lr.Next(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, covtrace.WithKind(err, covtrace.ErrBuildInput)
		}

		file := ""
		if entry.File != nil {
			file = entry.File.Name
		}

		rows = append(rows, LineRow{
			File:        file,
			Line:        uint(entry.Line),
			Address:     uintptr(entry.Address),
			IsStmt:      entry.IsStmt,
			PrologueEnd: entry.PrologueEnd,
			EndSequence: entry.EndSequence,
		})
	}

	return rows, nil
}
