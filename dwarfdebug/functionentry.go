package dwarfdebug

import (
	"debug/dwarf"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/brask/covtrace"
)

// FunctionEntry is a subprogram's name and PC range, used to attribute a
// Trace to its enclosing function (§4.1 step 4: "Record fn_name by
// resolving the enclosing subprogram and demangling its symbol").
type FunctionEntry struct {
	Name   string
	LowPC  uintptr
	HighPC uintptr
}

// Functions returns every subprogram in the compilation unit, with names
// already demangled.
func (d *DebugData) Functions(cu DebugEntry) ([]*FunctionEntry, error) {
	children, err := cu.Children(-1)
	if err != nil {
		return nil, covtrace.Error(err)
	}

	var funcs []*FunctionEntry
	for _, de := range children {
		if de.entry.Tag != dwarf.TagSubprogram {
			continue
		}

		name := de.Name()
		if name == "" {
			continue
		}

		lowpc := de.LowPC()
		highpc := de.HighPC()
		if highpc <= lowpc {
			// declaration-only entry (e.g. extern prototype), not a definition
			continue
		}

		funcs = append(funcs, &FunctionEntry{
			Name:   demangleName(name),
			LowPC:  lowpc,
			HighPC: highpc,
		})
	}

	return funcs, nil
}

// demangleName demangles a C++ (Itanium) or Rust (legacy/v0) mangled
// symbol, returning the original string unchanged if it isn't mangled.
func demangleName(name string) string {
	return demangle.Filter(name, demangle.NoParams)
}

// ensureFunctionIndex lazily builds and caches a LowPC-sorted index of
// every function across all compilation units, for FunctionAt lookups.
func (d *DebugData) ensureFunctionIndex() error {
	if d.functions != nil {
		return nil
	}

	cus, err := d.CompilationUnits()
	if err != nil {
		return covtrace.Error(err)
	}

	var all []*FunctionEntry
	for _, cu := range cus {
		funcs, err := d.Functions(cu)
		if err != nil {
			return covtrace.Error(err)
		}
		all = append(all, funcs...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LowPC < all[j].LowPC })
	d.functions = all
	return nil
}

// FunctionAt returns the function containing pc (relative to this
// DebugData's own static base, i.e. already un-relocated), if any.
func (d *DebugData) FunctionAt(pc uintptr) (*FunctionEntry, error) {
	if err := d.ensureFunctionIndex(); err != nil {
		return nil, covtrace.Error(err)
	}

	i := sort.Search(len(d.functions), func(i int) bool {
		return d.functions[i].LowPC > pc
	})
	if i == 0 {
		return nil, covtrace.Errorf("no function found for pc %#x", pc)
	}

	fn := d.functions[i-1]
	if pc >= fn.LowPC && pc < fn.HighPC {
		return fn, nil
	}

	return nil, covtrace.Errorf("no function found for pc %#x", pc)
}
