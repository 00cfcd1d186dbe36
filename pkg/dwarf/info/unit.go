package info

import (
	"bytes"
	"debug/dwarf"
	"fmt"

	"github.com/go-pstack/pstack/pkg/dwarf/line"
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// AttrSpec pairs an attribute name with its form, as declared by an
// abbreviation.
type AttrSpec struct {
	Attr dwarf.Attr
	Form Form
}

// Abbrev is one entry of a compilation unit's abbreviation table.
type Abbrev struct {
	Code     uint64
	Tag      dwarf.Tag
	Children bool
	Specs    []AttrSpec
}

// Unit is a compilation unit: its header, abbreviation table, DIE
// tree and line program.
type Unit struct {
	dw *Data

	// Offset of the unit header inside .debug_info.
	Offset   uint64
	Length   uint64
	Version  uint16
	AddrSize uint8

	abbrevs map[uint64]*Abbrev

	// Entries are the top level entries, normally one compile_unit.
	Entries []*Entry

	byOffset map[uint64]*Entry

	Lines *line.DebugLineInfo
}

// Name returns the unit's compilation unit name.
func (u *Unit) Name() string {
	if len(u.Entries) > 0 {
		return u.Entries[0].Name()
	}
	return ""
}

// CompDir returns the compilation working directory.
func (u *Unit) CompDir() string {
	if len(u.Entries) > 0 {
		if v := u.Entries[0].Val(dwarf.AttrCompDir); v != nil && v.Class == ClassStr {
			return v.Str()
		}
	}
	return ""
}

// EntryAt returns the entry at the given .debug_info offset, or nil.
func (u *Unit) EntryAt(off uint64) *Entry {
	return u.byOffset[off]
}

// parseUnit decodes a compilation unit starting at the reader's
// current offset. infoBase is the section offset of .debug_info's
// first byte inside the byte source.
func parseUnit(dw *Data, r *reader.Reader, infoBase uint64) (*Unit, error) {
	u := &Unit{
		dw:       dw,
		Offset:   r.Offset() - infoBase,
		abbrevs:  make(map[uint64]*Abbrev),
		byOffset: make(map[uint64]*Entry),
	}

	length, _, err := r.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	u.Length = length
	next := r.Offset() + length

	if u.Version, err = r.Uint16(); err != nil {
		return nil, err
	}

	// Section offsets are 4 bytes in DWARF v2 and 8 bytes (the address
	// size of the ELF64 objects read here) from v3 on.
	abbrevOff, err := r.Uint(u.offsetSize())
	if err != nil {
		return nil, err
	}
	addrSize, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	u.AddrSize = addrSize
	r.AddrSize = int(addrSize)

	if err := u.parseAbbrevs(abbrevOff); err != nil {
		return nil, err
	}

	entries := r.SubReader(r.Offset(), next-r.Offset())
	entries.AddrSize = int(addrSize)
	if err := u.decodeEntries(entries, infoBase, &u.Entries); err != nil {
		return nil, err
	}

	r.SetOffset(next)
	return u, nil
}

func (u *Unit) offsetSize() int {
	if u.Version >= 3 {
		return 8
	}
	return 4
}

// parseAbbrevs reads the unit's abbreviation table from
// .debug_abbrev. The table is a sequence of entries terminated by
// code 0; each entry lists attribute specs terminated by a (0, 0)
// pair.
func (u *Unit) parseAbbrevs(off uint64) error {
	sec := u.dw.abbrev
	if sec == nil {
		return fmt.Errorf("%s: no .debug_abbrev section", u.dw.elf.Name())
	}
	if off >= sec.Size {
		return fmt.Errorf("%s: abbreviation offset %#x outside .debug_abbrev", u.dw.elf.Name(), off)
	}
	r := reader.New(u.dw.elf.Source(), sec.Off+off, sec.Size-off)

	for {
		code, err := r.Uleb128()
		if err != nil {
			return err
		}
		if code == 0 {
			return nil
		}

		abbrev := &Abbrev{Code: code}
		tag, err := r.Uleb128()
		if err != nil {
			return err
		}
		abbrev.Tag = dwarf.Tag(tag)
		hasChildren, err := r.Uint8()
		if err != nil {
			return err
		}
		abbrev.Children = hasChildren != 0

		for {
			attr, err := r.Uleb128()
			if err != nil {
				return err
			}
			form, err := r.Uleb128()
			if err != nil {
				return err
			}
			if attr == 0 && form == 0 {
				break
			}
			abbrev.Specs = append(abbrev.Specs, AttrSpec{Attr: dwarf.Attr(attr), Form: Form(form)})
		}

		u.abbrevs[code] = abbrev
	}
}

// decodeEntries decodes a sibling list of DIEs depth-first. A ULEB128
// abbreviation code selects the layout of each entry; code 0 closes
// the current list.
func (u *Unit) decodeEntries(r *reader.Reader, infoBase uint64, out *[]*Entry) error {
	for !r.AtEnd() {
		offset := r.Offset() - infoBase

		code, err := r.Uleb128()
		if err != nil {
			return err
		}
		if code == 0 {
			return nil
		}

		abbrev := u.abbrevs[code]
		if abbrev == nil {
			return fmt.Errorf("%s: unknown abbreviation code %d at %#x", u.dw.elf.Name(), code, offset)
		}

		entry := &Entry{
			Unit:   u,
			Offset: offset,
			Tag:    abbrev.Tag,
			Abbrev: abbrev,
			attrs:  make(map[dwarf.Attr]*Value, len(abbrev.Specs)),
		}

		for i := range abbrev.Specs {
			spec := &abbrev.Specs[i]
			value, err := u.decodeValue(r, spec.Form)
			if err != nil {
				return err
			}
			entry.attrs[spec.Attr] = value
		}

		u.byOffset[offset] = entry
		*out = append(*out, entry)

		if abbrev.Tag == dwarf.TagCompileUnit {
			u.buildLineProgram(entry)
		}

		if abbrev.Children {
			if err := u.decodeEntries(r, infoBase, &entry.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeValue reads one attribute value according to its form.
func (u *Unit) decodeValue(r *reader.Reader, form Form) (*Value, error) {
	v := &Value{Form: form}
	var err error
	switch form {
	case DW_FORM_addr:
		v.Class = ClassAddr
		v.uval, err = r.Uint(int(u.AddrSize))

	case DW_FORM_data1:
		v.Class = ClassUint
		var b uint8
		b, err = r.Uint8()
		v.uval = uint64(b)
	case DW_FORM_data2:
		v.Class = ClassUint
		var h uint16
		h, err = r.Uint16()
		v.uval = uint64(h)
	case DW_FORM_data4:
		v.Class = ClassUint
		var w uint32
		w, err = r.Uint32()
		v.uval = uint64(w)
	case DW_FORM_data8:
		v.Class = ClassUint
		v.uval, err = r.Uint(8)

	case DW_FORM_sdata:
		v.Class = ClassInt
		v.ival, err = r.Sleb128()
	case DW_FORM_udata:
		v.Class = ClassUint
		v.uval, err = r.Uleb128()

	case DW_FORM_string:
		v.Class = ClassStr
		v.sval, err = r.ReadString()
	case DW_FORM_strp:
		v.Class = ClassStr
		var off uint64
		off, err = r.Uint(u.offsetSize())
		if err == nil {
			v.sval, err = u.dw.debugString(off)
		}

	case DW_FORM_ref2:
		v.Class = ClassRef
		var h uint16
		h, err = r.Uint16()
		v.uval = u.Offset + uint64(h)
	case DW_FORM_ref4:
		v.Class = ClassRef
		var w uint32
		w, err = r.Uint32()
		v.uval = u.Offset + uint64(w)
	case DW_FORM_ref8:
		v.Class = ClassRef
		var d uint64
		d, err = r.Uint(8)
		v.uval = u.Offset + d
	case DW_FORM_ref_addr:
		v.Class = ClassRef
		v.uval, err = r.Uint(u.offsetSize())

	case DW_FORM_block1:
		var n uint8
		if n, err = r.Uint8(); err == nil {
			v.Class = ClassBlock
			v.block, err = r.Bytes(int(n))
		}
	case DW_FORM_block2:
		var n uint16
		if n, err = r.Uint16(); err == nil {
			v.Class = ClassBlock
			v.block, err = r.Bytes(int(n))
		}
	case DW_FORM_block4:
		var n uint32
		if n, err = r.Uint32(); err == nil {
			v.Class = ClassBlock
			v.block, err = r.Bytes(int(n))
		}
	case DW_FORM_block:
		var n uint64
		if n, err = r.Uleb128(); err == nil {
			v.Class = ClassBlock
			v.block, err = r.Bytes(int(n))
		}

	case DW_FORM_flag:
		v.Class = ClassFlag
		var b uint8
		b, err = r.Uint8()
		v.flag = b != 0

	default:
		return nil, &UnsupportedFormError{Form: form, Offset: r.Offset()}
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// buildLineProgram feeds the unit's DW_AT_stmt_list offset to the
// line number decoder.
func (u *Unit) buildLineProgram(cu *Entry) {
	stmtList := cu.Val(dwarf.AttrStmtList)
	if stmtList == nil {
		return
	}
	lineData := u.dw.lineData()
	if lineData == nil {
		u.dw.logf("no line number information for %s", u.dw.elf.Name())
		return
	}
	off := stmtList.AnyUint()
	if off >= uint64(len(lineData)) {
		u.dw.logf("line program offset %#x outside .debug_line", off)
		return
	}
	compDir := ""
	if v := cu.Val(dwarf.AttrCompDir); v != nil && v.Class == ClassStr {
		compDir = v.Str()
	}
	u.Lines = line.Parse(compDir, bytes.NewBuffer(lineData[off:]), u.dw.logf, 0, int(u.AddrSize))
}
