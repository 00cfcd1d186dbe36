// Package info owns the DWARF debug sections of an ELF image and
// decodes the structures inside them: compilation units with their
// DIE trees, address range tables, pubnames and the frame tables.
//
// All of the expensive structures materialize lazily, on first use,
// and are cached for the life of the Data. The caches are single
// writer: a Data must not be shared between concurrently unwinding
// sessions without external locking.
package info

import (
	"debug/dwarf"
	"encoding/binary"

	"github.com/go-pstack/pstack/pkg/dwarf/frame"
	"github.com/go-pstack/pstack/pkg/dwarf/line"
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/go-pstack/pstack/pkg/elffile"
)

// Data gives access to the DWARF debug information of one ELF image.
type Data struct {
	elf *elffile.File

	info     *elffile.Section
	abbrev   *elffile.Section
	str      *elffile.Section
	lineSec  *elffile.Section
	aranges  *elffile.Section
	pubnames *elffile.Section

	logf func(string, ...interface{})

	// lazily materialized caches
	units        map[uint64]*Unit
	unitsErr     error
	unitsDone    bool
	rangeSets    []*ARangeSet
	rangesDone   bool
	pubnameUnits []*PubnameUnit
	pubnamesDone bool

	strData  []byte
	lineBuf  []byte
	lineDone bool

	debugFrame     frame.FrameDescriptionEntries
	debugFrameDone bool
	ehFrame        frame.FrameDescriptionEntries
	ehFrameDone    bool
}

// New wraps the DWARF sections of f. logf receives recoverable decode
// problems; it may be nil.
func New(f *elffile.File, logf func(string, ...interface{})) *Data {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Data{
		elf:      f,
		info:     f.Section(".debug_info"),
		abbrev:   f.Section(".debug_abbrev"),
		str:      f.Section(".debug_str"),
		lineSec:  f.Section(".debug_line"),
		aranges:  f.Section(".debug_aranges"),
		pubnames: f.Section(".debug_pubnames"),
		logf:     logf,
	}
}

// Elf returns the image the debug info belongs to.
func (d *Data) Elf() *elffile.File { return d.elf }

// HasDebugInfo reports whether the image carries a .debug_info
// section at all.
func (d *Data) HasDebugInfo() bool { return d.info != nil }

// debugString reads a string out of .debug_str. The section is read
// once and kept; attribute values borrow from this buffer.
func (d *Data) debugString(off uint64) (string, error) {
	if d.strData == nil {
		if d.str == nil {
			return "", nil
		}
		data, err := d.elf.SectionData(d.str)
		if err != nil {
			return "", err
		}
		d.strData = data
	}
	if off >= uint64(len(d.strData)) {
		return "", nil
	}
	end := off
	for end < uint64(len(d.strData)) && d.strData[end] != 0 {
		end++
	}
	return string(d.strData[off:end]), nil
}

func (d *Data) lineData() []byte {
	if !d.lineDone {
		d.lineDone = true
		if d.lineSec != nil {
			data, err := d.elf.SectionData(d.lineSec)
			if err != nil {
				d.logf("can't read .debug_line for %s: %v", d.elf.Name(), err)
			} else {
				d.lineBuf = data
			}
		}
	}
	return d.lineBuf
}

// Units decodes every compilation unit in .debug_info, indexed by the
// unit's offset inside the section.
func (d *Data) Units() (map[uint64]*Unit, error) {
	if d.unitsDone {
		return d.units, d.unitsErr
	}
	d.unitsDone = true
	d.units = make(map[uint64]*Unit)

	if d.info == nil {
		return d.units, nil
	}
	r := reader.New(d.elf.Source(), d.info.Off, d.info.Size)
	for !r.AtEnd() {
		u, err := parseUnit(d, r, d.info.Off)
		if err != nil {
			d.unitsErr = err
			return d.units, err
		}
		if u == nil {
			break
		}
		d.units[u.Offset] = u
	}
	return d.units, nil
}

// EntryAt resolves an absolute .debug_info offset to the entry at
// that offset, in whichever unit owns it.
func (d *Data) EntryAt(off uint64) *Entry {
	units, err := d.Units()
	if err != nil {
		return nil
	}
	for _, u := range units {
		if off >= u.Offset && off < u.Offset+u.Length {
			if e := u.EntryAt(off); e != nil {
				return e
			}
		}
	}
	return nil
}

// DebugFrame returns the parsed .debug_frame table. A parse failure
// is logged and leaves the table empty; it never propagates.
func (d *Data) DebugFrame() frame.FrameDescriptionEntries {
	if d.debugFrameDone {
		return d.debugFrame
	}
	d.debugFrameDone = true
	d.debugFrame = d.parseFrameSection(".debug_frame", 0)
	return d.debugFrame
}

// EhFrame returns the parsed .eh_frame table, with the same never
// fatal contract as DebugFrame.
func (d *Data) EhFrame() frame.FrameDescriptionEntries {
	if d.ehFrameDone {
		return d.ehFrame
	}
	d.ehFrameDone = true
	if sec := d.elf.Section(".eh_frame"); sec != nil {
		d.ehFrame = d.parseFrameSection(".eh_frame", sec.Addr)
	}
	return d.ehFrame
}

func (d *Data) parseFrameSection(name string, ehFrameAddr uint64) frame.FrameDescriptionEntries {
	sec := d.elf.Section(name)
	if sec == nil {
		return nil
	}
	data, err := d.elf.SectionData(sec)
	if err != nil {
		d.logf("can't read %s for %s: %v", name, d.elf.Name(), err)
		return nil
	}
	fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, ehFrameAddr, d.logf)
	if err != nil {
		d.logf("can't decode %s for %s: %v", name, d.elf.Name(), err)
		return nil
	}
	return fdes
}

// SourceLine is one (file, line) pair attributed to an address.
type SourceLine struct {
	File *line.FileEntry
	Line int
}

// SourceFromAddr returns every source position whose line matrix row
// covers addr: the unit is located through the address range table,
// then its matrix is scanned for rows i with
// row[i].address ≤ addr < row[i+1].address.
func (d *Data) SourceFromAddr(addr uint64) []SourceLine {
	var out []SourceLine
	units, err := d.Units()
	if err != nil {
		d.logf("can't decode compilation units for %s: %v", d.elf.Name(), err)
		return nil
	}
	for _, set := range d.Ranges() {
		if !set.Cover(addr) {
			continue
		}
		u := units[set.DebugInfoOffset]
		if u == nil || u.Lines == nil {
			continue
		}
		for _, row := range u.Lines.RowsForAddr(addr) {
			out = append(out, SourceLine{File: row.File, Line: row.Line})
		}
	}
	return out
}

// UnitsForAddr returns the compilation units whose address ranges
// cover addr. When the image has no .debug_aranges every unit is
// returned, which only costs extra work for single-unit executables.
func (d *Data) UnitsForAddr(addr uint64) []*Unit {
	units, err := d.Units()
	if err != nil {
		d.logf("can't decode compilation units for %s: %v", d.elf.Name(), err)
		return nil
	}
	sets := d.Ranges()
	if len(sets) == 0 {
		out := make([]*Unit, 0, len(units))
		for _, u := range units {
			out = append(out, u)
		}
		return out
	}
	var out []*Unit
	for _, set := range sets {
		if set.Cover(addr) {
			if u := units[set.DebugInfoOffset]; u != nil {
				out = append(out, u)
			}
		}
	}
	return out
}

// FindFunction locates the subprogram entry covering addr.
func (d *Data) FindFunction(addr uint64) *Entry {
	for _, u := range d.UnitsForAddr(addr) {
		for _, e := range u.Entries {
			if fn := findFunctionIn(e, addr); fn != nil {
				return fn
			}
		}
	}
	return nil
}

func findFunctionIn(e *Entry, addr uint64) *Entry {
	if e.Tag == dwarf.TagSubprogram {
		if low, high, ok := e.PCRange(); ok && low <= addr && addr < high {
			return e
		}
		return nil
	}
	for _, child := range e.Children {
		if fn := findFunctionIn(child, addr); fn != nil {
			return fn
		}
	}
	return nil
}
