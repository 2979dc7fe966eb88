package dwarfdebug

import (
	"debug/dwarf"

	"github.com/brask/covtrace"
)

// DebugEntry wraps dwarf.Entry for easier data access
type DebugEntry struct {
	data  *DebugData
	entry *dwarf.Entry
}

// Val returns the value for the given DWARF attribute
func (de *DebugEntry) Val(attr dwarf.Attr) interface{} {
	return de.entry.Val(attr)
}

// Name returns the entry's name, or "" if it has none
func (de *DebugEntry) Name() string {
	name, _ := de.Val(dwarf.AttrName).(string)
	return name
}

// LowPC returns the entry's low program counter
func (de *DebugEntry) LowPC() uintptr {
	lowpc, _ := de.Val(dwarf.AttrLowpc).(uint64)
	return uintptr(lowpc)
}

// HighPC returns the entry's high program counter. DWARF allows AttrHighpc
// to be either an absolute address or an offset from AttrLowpc; both forms
// show up across toolchains, so both are resolved here.
func (de *DebugEntry) HighPC() uintptr {
	switch highpc := de.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if highpc < uint64(de.LowPC()) {
			return de.LowPC() + uintptr(highpc)
		}
		return uintptr(highpc)
	case int64:
		return de.LowPC() + uintptr(highpc)
	default:
		return 0
	}
}

// Children returns the entry's descendant entries up to maxDepth levels
// deep (maxDepth < 0 means unlimited)
func (de *DebugEntry) Children(maxDepth int) ([]DebugEntry, error) {
	reader := de.data.dwarfData.Reader()
	reader.Seek(de.entry.Offset)

	var entries []DebugEntry
	depth := 0

	// skip the entry itself; Reader.Next from a Seek position returns it first
	if _, err := reader.Next(); err != nil {
		return nil, covtrace.Error(err)
	}

	for entry, err := reader.Next(); entry != nil; entry, err = reader.Next() {
		if err != nil {
			return nil, covtrace.Error(err)
		}

		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				return entries, nil
			}
			continue
		}

		if depth <= maxDepth || maxDepth < 0 {
			entries = append(entries, DebugEntry{de.data, entry})
		}

		if entry.Children {
			depth++
		}
	}

	return entries, nil
}

// Ranges returns the entry's PC ranges
func (de *DebugEntry) Ranges() ([][2]uintptr, error) {
	rng, err := de.data.dwarfData.Ranges(de.entry)
	if err != nil {
		return nil, covtrace.Error(err)
	}

	ranges := make([][2]uintptr, 0, len(rng))
	for _, lowhigh := range rng {
		ranges = append(ranges, [2]uintptr{uintptr(lowhigh[0]), uintptr(lowhigh[1])})
	}

	return ranges, nil
}
