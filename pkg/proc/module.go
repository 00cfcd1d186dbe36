package proc

import (
	"debug/elf"

	"github.com/go-pstack/pstack/pkg/dwarf/info"
	"github.com/go-pstack/pstack/pkg/elffile"
)

// Module is one loaded ELF object: the executable, a shared library
// or the vdso. Reloc is the difference between the addresses in the
// file and where the object actually sits in the target's address
// space.
type Module struct {
	Path  string
	File  *elffile.File
	Reloc uint64

	dwarf        *info.Data
	dwarfForSyms *info.Data
}

// Cover reports whether the module's PT_LOAD segments contain the
// process address addr.
func (m *Module) Cover(addr uint64) bool {
	objAddr := addr - m.Reloc
	for _, seg := range m.File.Segments(elf.PT_LOAD) {
		if seg.Vaddr <= objAddr && objAddr < seg.Vaddr+seg.Memsz {
			return true
		}
	}
	return false
}

// ObjAddr translates a process address into the module's own address
// space.
func (m *Module) ObjAddr(addr uint64) uint64 {
	return addr - m.Reloc
}

// dwarfData returns the DWARF decoder for the module's own image.
// Frame tables are read from the binary itself (.eh_frame lives
// there even when the image is stripped).
func (m *Module) dwarfData(logf func(string, ...interface{})) *info.Data {
	if m.dwarf == nil {
		m.dwarf = info.New(m.File, logf)
	}
	return m.dwarf
}

// debugData returns the DWARF decoder used for symbolication,
// preferring the separate debug companion when one can be found.
func (m *Module) debugData(debugDirs []string, logf func(string, ...interface{})) *info.Data {
	if m.dwarfForSyms != nil {
		return m.dwarfForSyms
	}
	d := m.dwarfData(logf)
	if !d.HasDebugInfo() {
		if companion := m.File.DebugCompanion(debugDirs); companion != nil {
			d = info.New(companion, logf)
		}
	}
	m.dwarfForSyms = d
	return m.dwarfForSyms
}
