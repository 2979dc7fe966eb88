// Package resolve implements the Address Resolver (§4.1): it turns a test
// binary's DWARF line-number programs into a TraceMap, one Trace per
// coverable (file, line) pair, each Trace's address fixed to the first
// statement address the line program emits for that line (preferring a
// prologue-end address when one exists).
package resolve

import (
	"debug/elf"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/brask/covtrace"
	"github.com/brask/covtrace/dwarfdebug"
	"github.com/brask/covtrace/trace"
)

// Resolve builds a TraceMap for binaryPath, containing one Trace for every
// (file, line) in coverable that the line-number program could map to at
// least one statement address. relocationBase is added to every address
// read from debug info (0 for a non-PIE binary).
func Resolve(binaryPath string, coverable map[trace.SourceLocation]struct{}, relocationBase uintptr) (*trace.TraceMap, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return nil, covtrace.WithKind(err, covtrace.ErrBuildInput)
	}
	defer file.Close()

	debugData, err := dwarfdebug.NewDebugData(file, relocationBase)
	if err != nil {
		return nil, covtrace.Error(err)
	}

	textLow, textHigh, err := executableSegmentRange(binaryPath)
	if err != nil {
		return nil, covtrace.Error(err)
	}

	cus, err := debugData.CompilationUnits()
	if err != nil {
		return nil, covtrace.WithKind(err, covtrace.ErrBuildInput)
	}
	if len(cus) == 0 {
		return nil, covtrace.WithKind(covtrace.Errorf("%s has no compilation units", binaryPath), covtrace.ErrBuildInput)
	}

	type candidate struct {
		addr        uintptr
		prologueEnd bool
		fnName      string
	}
	best := make(map[trace.SourceLocation]candidate)
	var order []trace.SourceLocation

	for _, cu := range cus {
		rows, err := debugData.WalkLineProgram(cu)
		if err != nil {
			logrus.WithError(err).Warn("skipping compilation unit with malformed line program")
			continue
		}

		for _, row := range rows {
			if row.EndSequence || !row.IsStmt {
				continue
			}

			loc := trace.SourceLocation{File: row.File, Line: row.Line}
			if _, ok := coverable[loc]; !ok {
				continue
			}

			// outside the executable's executable segments (§4.1 edge case);
			// the section bounds are link-time addresses, so compare before relocating
			if row.Address < textLow || row.Address >= textHigh {
				continue
			}
			addr := row.Address + relocationBase

			cur, seen := best[loc]
			switch {
			case !seen:
				order = append(order, loc)
				best[loc] = candidate{addr: addr, prologueEnd: row.PrologueEnd}
			case row.PrologueEnd && !cur.prologueEnd:
				// prefer the prologue-end address over an earlier, lower one
				best[loc] = candidate{addr: addr, prologueEnd: true}
			case !cur.prologueEnd && !row.PrologueEnd && addr < cur.addr:
				best[loc] = candidate{addr: addr, prologueEnd: false}
			}
		}
	}

	tm := trace.NewTraceMap()
	for _, loc := range order {
		c := best[loc]
		addr := trace.Address(c.addr)

		fnName := ""
		if fn, err := debugData.FunctionAt(c.addr - relocationBase); err == nil {
			fnName = fn.Name
		}

		tm.Insert(&trace.Trace{
			Location: loc,
			Address:  &addr,
			FnName:   fnName,
		})
	}

	// coverable locations the line program never emitted an address for:
	// "coverable but never mapped to code" (§3)
	for loc := range coverable {
		if _, ok := best[loc]; !ok {
			tm.Insert(&trace.Trace{Location: loc})
		}
	}

	return tm, nil
}

// executableSegmentRange returns the lowest start and highest end (link-time
// addresses) across every SHF_EXECINSTR section in the ELF file, used to
// discard addresses the line program emits that fall outside that span
// (§4.1). Program headers are not read, and gaps between executable
// sections inside the span are not excluded.
func executableSegmentRange(binaryPath string) (low, high uintptr, err error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return 0, 0, covtrace.WithKind(err, covtrace.ErrBuildInput)
	}
	defer f.Close()

	found := false
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		start := uintptr(sec.Addr)
		end := start + uintptr(sec.Size)
		if !found {
			low, high, found = start, end, true
			continue
		}
		if start < low {
			low = start
		}
		if end > high {
			high = end
		}
	}

	if !found {
		return 0, 0, covtrace.WithKind(covtrace.Errorf("%s has no executable sections", binaryPath), covtrace.ErrBuildInput)
	}

	return low, high, nil
}
