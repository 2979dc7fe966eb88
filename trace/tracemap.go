package trace

import "sort"

// TraceMap is an ordered collection of Traces for one test binary. It
// supports insertion, lookup by address, iteration, dedup, and merge
// (§3, §4.5). The zero value is not usable; use NewTraceMap.
type TraceMap struct {
	traces []*Trace
	byAddr map[Address]*Trace
}

// NewTraceMap returns an empty TraceMap
func NewTraceMap() *TraceMap {
	return &TraceMap{
		byAddr: make(map[Address]*Trace),
	}
}

// Insert adds a Trace to the map. If t has an address already present in
// the map's address index, the new Trace is still appended (ordered
// insertion is preserved so dedup can later collapse exact matches; see
// §4.1's "multiple compilation units yielding identical (file, line)"
// edge case, where distinct addresses for the same line must all survive
// until dedup).
func (tm *TraceMap) Insert(t *Trace) {
	tm.traces = append(tm.traces, t)
	if t.Address != nil {
		if _, exists := tm.byAddr[*t.Address]; !exists {
			tm.byAddr[*t.Address] = t
		}
	}
}

// TraceForAddress returns the Trace whose address is addr, if any. This is
// the primary index used by the state machine to classify a trap (§3: "An
// address present in the breakpoint index is present as some Trace's
// address").
func (tm *TraceMap) TraceForAddress(addr Address) (*Trace, bool) {
	t, ok := tm.byAddr[addr]
	return t, ok
}

// All returns every Trace in insertion order
func (tm *TraceMap) All() []*Trace {
	return tm.traces
}

// Len returns the number of Traces currently held (pre-dedup may count
// duplicates separately)
func (tm *TraceMap) Len() int {
	return len(tm.traces)
}

// Files returns the set of distinct files with at least one Trace
func (tm *TraceMap) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, t := range tm.traces {
		if _, ok := seen[t.Location.File]; !ok {
			seen[t.Location.File] = struct{}{}
			files = append(files, t.Location.File)
		}
	}
	sort.Strings(files)
	return files
}

// ChildTraces returns the Traces belonging to file, in ascending line order
func (tm *TraceMap) ChildTraces(file string) []*Trace {
	var out []*Trace
	for _, t := range tm.traces {
		if t.Location.File == file {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location.Line != out[j].Location.Line {
			return out[i].Location.Line < out[j].Location.Line
		}
		addrI, addrJ := Address(0), Address(0)
		if out[i].Address != nil {
			addrI = *out[i].Address
		}
		if out[j].Address != nil {
			addrJ = *out[j].Address
		}
		return addrI < addrJ
	})
	return out
}

// Dedup collapses entries sharing the same (file, line, address),
// summing their hit counts (§4.5, testable property 1: "for any TraceMap
// T, after T.dedup(), no two entries share (file, line, address)").
func (tm *TraceMap) Dedup() {
	merged := make(map[key]*Trace)
	var order []key

	for _, t := range tm.traces {
		k := t.key()
		if existing, ok := merged[k]; ok {
			existing.Stats.Line += t.Stats.Line
			if existing.FnName == "" {
				existing.FnName = t.FnName
			}
			continue
		}
		cp := *t
		merged[k] = &cp
		order = append(order, k)
	}

	tm.traces = make([]*Trace, 0, len(order))
	tm.byAddr = make(map[Address]*Trace)
	for _, k := range order {
		t := merged[k]
		tm.Insert(t)
	}
}

// Merge folds other into tm, summing hit counts for entries sharing the
// same (file, line, address) key. Used when multiple test binaries
// contribute to one report (§4.5). Merge is commutative and associative
// on hit sums (testable property 2).
func (tm *TraceMap) Merge(other *TraceMap) {
	if other == nil {
		return
	}
	for _, t := range other.traces {
		cp := *t
		tm.insertOrAccumulate(&cp)
	}
}

func (tm *TraceMap) insertOrAccumulate(t *Trace) {
	k := t.key()
	for _, existing := range tm.traces {
		if existing.key() == k {
			existing.Stats.Line += t.Stats.Line
			if existing.FnName == "" {
				existing.FnName = t.FnName
			}
			return
		}
	}
	tm.Insert(t)
}

// TotalCoverable returns the number of Traces in the map, mapped or not
func (tm *TraceMap) TotalCoverable() int {
	return len(tm.traces)
}
