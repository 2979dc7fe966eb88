// Package dwarfdebug reads a binary's ELF and DWARF debug information and
// exposes the pieces the Address Resolver needs: compilation units, their
// line-number programs, and the subprogram ranges used to attribute a
// source line to an enclosing function (§4.1).
package dwarfdebug

import (
	"bytes"
	"compress/zlib"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path"

	"github.com/brask/covtrace"
)

// DebugData holds the parsed debug information of one executable or
// shared library.
type DebugData struct {
	elfData    *elf.File
	dwarfData  *dwarf.Data
	staticBase uintptr

	functions []*FunctionEntry
	libs      map[string]*DebugData
}

// NewDebugData opens and parses the ELF/DWARF data in file. staticBase is
// the relocation base to apply to every address read from this binary's
// debug info (0 for a non-PIE executable; see §4.1).
func NewDebugData(file *os.File, staticBase uintptr) (*DebugData, error) {
	elfData, err := elf.NewFile(file)
	if err != nil {
		return nil, covtrace.WithKind(err, covtrace.ErrBuildInput)
	}

	dwarfData, err := elfData.DWARF()
	if err != nil {
		return nil, covtrace.WithKind(covtrace.Errorf("missing debug info: %v", err), covtrace.ErrBuildInput)
	}

	d := &DebugData{
		elfData:    elfData,
		dwarfData:  dwarfData,
		staticBase: staticBase,
		libs:       make(map[string]*DebugData),
	}

	return d, nil
}

// StaticBase returns the relocation base applied to this binary's addresses
func (d *DebugData) StaticBase() uintptr {
	return d.staticBase
}

// IsPIE reports whether the ELF file is a position-independent executable
// (ET_DYN), which requires a non-zero relocation base to resolve runtime
// addresses (§4.1).
func (d *DebugData) IsPIE() bool {
	return d.elfData.Type == elf.ET_DYN
}

// ElfSection returns the named section's content, decompressing it first
// if it is a zlib-compressed DWARF section (".zdebug_*").
func (d *DebugData) ElfSection(name string) ([]byte, error) {
	sec := d.elfData.Section("." + name)
	if sec != nil {
		data, err := sec.Data()
		return data, covtrace.Error(err)
	}

	sec = d.elfData.Section(".z" + name)
	if sec == nil {
		return nil, covtrace.Errorf("could not find .%s or .z%s section", name, name)
	}

	raw, err := sec.Data()
	if err != nil {
		return nil, covtrace.Error(err)
	}

	return decompressZlibSection(raw)
}

func decompressZlibSection(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		return b, nil
	}

	dlen := binary.BigEndian.Uint64(b[4:12])
	dbuf := make([]byte, dlen)

	r, err := zlib.NewReader(bytes.NewReader(b[12:]))
	if err != nil {
		return nil, covtrace.Error(err)
	}
	defer r.Close()

	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, covtrace.Error(err)
	}

	return dbuf, nil
}

// AddSharedLib loads debug data for a shared library already mapped into
// the tracee, recorded against its load address (staticBase). See §D of
// SPEC_FULL.md: narrow PIE-relocation support inherited from the teacher,
// not full dynamically-loaded-library coverage (out of scope per
// spec.md's Non-goals).
func (d *DebugData) AddSharedLib(name string, staticBase uintptr) error {
	file, err := os.Open(name)
	if err != nil {
		return covtrace.Error(err)
	}
	defer file.Close()

	lib, err := NewDebugData(file, staticBase)
	if err != nil {
		return covtrace.Error(err)
	}

	d.libs[path.Clean(name)] = lib
	return nil
}

// SharedLib returns the debug data registered for a shared library whose
// load address is at or below pc, if any.
func (d *DebugData) SharedLib(pc uintptr) *DebugData {
	var best *DebugData
	for _, lib := range d.libs {
		if pc >= lib.staticBase && (best == nil || lib.staticBase > best.staticBase) {
			best = lib
		}
	}
	return best
}

// CompilationUnits returns every compilation unit's root DebugEntry
func (d *DebugData) CompilationUnits() ([]DebugEntry, error) {
	var cus []DebugEntry

	reader := d.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, covtrace.Error(err)
		}
		if entry == nil {
			break
		}
		reader.SkipChildren()

		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		cus = append(cus, DebugEntry{d, entry})
	}

	return cus, nil
}

// LineReader returns a DWARF line-number program reader for the given
// compilation unit
func (d *DebugData) LineReader(cu DebugEntry) (*dwarf.LineReader, error) {
	lr, err := d.dwarfData.LineReader(cu.entry)
	if err != nil {
		return nil, covtrace.Error(err)
	}
	if lr == nil {
		return nil, covtrace.Errorf("compilation unit %s has no line program", cu.Name())
	}
	return lr, nil
}
