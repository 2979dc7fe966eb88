package trace

import "testing"

func addr(a uint64) *Address {
	v := Address(a)
	return &v
}

func TestDedupCollapsesSharedKey(t *testing.T) {
	tm := NewTraceMap()
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1000), Stats: CoverageStat{Line: 1}})
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1000), Stats: CoverageStat{Line: 2}})
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 11}, Address: addr(0x1008), Stats: CoverageStat{Line: 1}})

	tm.Dedup()

	if tm.Len() != 2 {
		t.Fatalf("expected 2 traces after dedup, got %d", tm.Len())
	}

	seen := make(map[key]bool)
	for _, tr := range tm.All() {
		k := tr.key()
		if seen[k] {
			t.Fatalf("(file, line, address) %v duplicated after dedup", k)
		}
		seen[k] = true
	}

	tr, ok := tm.TraceForAddress(0x1000)
	if !ok || tr.Stats.Hits() != 3 {
		t.Fatalf("expected summed hits 3 at 0x1000, got %+v", tr)
	}
}

func TestDedupPreservesDistinctAddressesForSameLine(t *testing.T) {
	// §4.1: multiple compilation units may emit identical (file, line)
	// pairs with distinct addresses. dedup must not collapse those.
	tm := NewTraceMap()
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1000)})
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x2000)})

	tm.Dedup()

	if tm.Len() != 2 {
		t.Fatalf("expected 2 distinct addresses preserved, got %d", tm.Len())
	}
}

func TestMergeSumsHitsAndIsCommutative(t *testing.T) {
	newMap := func(hitsA, hitsB uint64) *TraceMap {
		tm := NewTraceMap()
		tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1000), Stats: CoverageStat{Line: hitsA}})
		tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 11}, Address: addr(0x1008), Stats: CoverageStat{Line: hitsB}})
		return tm
	}

	a1, b1 := newMap(3, 0), newMap(2, 5)
	a1.Merge(b1)

	a2, b2 := newMap(3, 0), newMap(2, 5)
	b2.Merge(a2)

	tr1, _ := a1.TraceForAddress(0x1000)
	tr2, _ := b2.TraceForAddress(0x1000)
	if tr1.Stats.Hits() != 5 || tr2.Stats.Hits() != 5 {
		t.Fatalf("merge not commutative on hit sums: %d vs %d", tr1.Stats.Hits(), tr2.Stats.Hits())
	}

	tr1b, _ := a1.TraceForAddress(0x1008)
	tr2b, _ := b2.TraceForAddress(0x1008)
	if tr1b.Stats.Hits() != 5 || tr2b.Stats.Hits() != 5 {
		t.Fatalf("merge not commutative on hit sums: %d vs %d", tr1b.Stats.Hits(), tr2b.Stats.Hits())
	}
}

func TestNeverHitTraceStaysZero(t *testing.T) {
	tm := NewTraceMap()
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 20}})

	traces := tm.ChildTraces("f.rs")
	if len(traces) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(traces))
	}
	if traces[0].HasAddress() {
		t.Fatalf("expected no address for an unmapped coverable line")
	}
	if traces[0].Stats.Hits() != 0 {
		t.Fatalf("expected hits == 0 for a Trace with no address, got %d", traces[0].Stats.Hits())
	}
}

func TestChildTracesOrderedByLineThenAddress(t *testing.T) {
	tm := NewTraceMap()
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 11}, Address: addr(0x2000)})
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1010)})
	tm.Insert(&Trace{Location: SourceLocation{File: "f.rs", Line: 10}, Address: addr(0x1000)})

	traces := tm.ChildTraces("f.rs")
	if len(traces) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(traces))
	}
	if traces[0].Location.Line != 10 || *traces[0].Address != 0x1000 {
		t.Fatalf("expected lowest address first within line 10, got %+v", traces[0])
	}
	if traces[2].Location.Line != 11 {
		t.Fatalf("expected line 11 last, got %+v", traces[2])
	}
}

func TestFilesReturnsSortedUniqueSet(t *testing.T) {
	tm := NewTraceMap()
	tm.Insert(&Trace{Location: SourceLocation{File: "b.rs", Line: 1}})
	tm.Insert(&Trace{Location: SourceLocation{File: "a.rs", Line: 1}})
	tm.Insert(&Trace{Location: SourceLocation{File: "a.rs", Line: 2}})

	files := tm.Files()
	if len(files) != 2 || files[0] != "a.rs" || files[1] != "b.rs" {
		t.Fatalf("expected sorted [a.rs b.rs], got %v", files)
	}
}
