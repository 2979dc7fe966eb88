// Package trace implements the coverage Data Model (§3) and the Coverage
// Aggregator operations (§4.5): Trace, TraceMap, dedup and merge.
package trace

import "fmt"

// Address is a virtual address in the tracee
type Address uint64

// SourceLocation identifies one line of source
type SourceLocation struct {
	File string
	Line uint
}

func (l SourceLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// CoverageStat is a tagged variant over coverage statistics. Only the Line
// variant is used by this engine; it is kept as a variant (rather than a
// bare counter) so future branch/condition coverage can be added without
// changing Trace's shape (§3).
type CoverageStat struct {
	Line uint64
}

// Hits returns the line hit count
func (s CoverageStat) Hits() uint64 {
	return s.Line
}

// Trace maps one source line to (at most) one machine address and its
// accumulated hit count. A Trace with no Address is "coverable but never
// mapped to code": its count stays 0 for its entire lifetime (§3).
type Trace struct {
	Location SourceLocation
	Address  *Address
	Stats    CoverageStat
	FnName   string
}

// HasAddress reports whether this trace was mapped to an instruction
func (t *Trace) HasAddress() bool {
	return t.Address != nil
}

// key identifies a Trace for dedup/merge: (file, line, address). Traces
// with no address use the zero Address as their key component, which is
// safe because a mapped Trace's address is never the Go zero value (no
// executable is mapped at virtual address 0).
type key struct {
	loc  SourceLocation
	addr Address
}

func (t *Trace) key() key {
	var addr Address
	if t.Address != nil {
		addr = *t.Address
	}
	return key{loc: t.Location, addr: addr}
}
