package info

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-pstack/pstack/pkg/dwarf/leb128"
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/go-pstack/pstack/pkg/elffile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSection struct {
	name string
	data []byte
}

// buildImage assembles a minimal ELF64 container around the given
// sections; only section lookup matters here.
func buildImage(t *testing.T, sections []testSection) *elffile.File {
	t.Helper()

	all := make([]testSection, 0, len(sections)+2)
	all = append(all, testSection{})
	all = append(all, sections...)

	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(all)+1)
	for i, s := range all[1:] {
		nameOffsets[i+1] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOffsets[len(all)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	all = append(all, testSection{name: ".shstrtab", data: shstrtab})

	var buf bytes.Buffer
	le := binary.LittleEndian

	dataOff := make([]uint64, len(all))
	off := uint64(64)
	for i, s := range all {
		dataOff[i] = off
		off += uint64(len(s.data))
	}
	shoff := off

	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(elf.ET_EXEC))
	binary.Write(&buf, le, uint16(elf.EM_X86_64))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint64(0x1000))
	binary.Write(&buf, le, uint64(0))
	binary.Write(&buf, le, shoff)
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint16(64))
	binary.Write(&buf, le, uint16(56))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(64))
	binary.Write(&buf, le, uint16(len(all)))
	binary.Write(&buf, le, uint16(len(all)-1))

	for _, s := range all {
		buf.Write(s.data)
	}
	for i, s := range all {
		typ := uint32(elf.SHT_PROGBITS)
		if s.name == ".shstrtab" {
			typ = uint32(elf.SHT_STRTAB)
		}
		if s.name == "" {
			typ = 0
		}
		binary.Write(&buf, le, nameOffsets[i])
		binary.Write(&buf, le, typ)
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, dataOff[i])
		binary.Write(&buf, le, uint64(len(s.data)))
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, uint64(0))
	}

	f, err := elffile.New(reader.NewMemSource("dwarf-fixture", buf.Bytes()))
	require.NoError(t, err)
	return f
}

// abbrev stream terminated by a single 0 byte (the table terminator).
func testAbbrevTable() []byte {
	var buf bytes.Buffer
	u := func(v uint64) { leb128.EncodeUnsigned(&buf, v) }

	// abbrev 1: compile_unit, has children
	u(1)
	u(uint64(dwarf.TagCompileUnit))
	buf.WriteByte(1)
	u(uint64(dwarf.AttrName))
	u(uint64(DW_FORM_strp))
	u(uint64(dwarf.AttrCompDir))
	u(uint64(DW_FORM_string))
	u(uint64(dwarf.AttrStmtList))
	u(uint64(DW_FORM_data4))
	u(0)
	u(0)

	// abbrev 2: base_type, no children
	u(2)
	u(uint64(dwarf.TagBaseType))
	buf.WriteByte(0)
	u(uint64(dwarf.AttrName))
	u(uint64(DW_FORM_string))
	u(uint64(dwarf.AttrByteSize))
	u(uint64(DW_FORM_data1))
	u(0)
	u(0)

	// abbrev 3: subprogram, no children
	u(3)
	u(uint64(dwarf.TagSubprogram))
	buf.WriteByte(0)
	u(uint64(dwarf.AttrName))
	u(uint64(DW_FORM_string))
	u(uint64(dwarf.AttrLowpc))
	u(uint64(DW_FORM_addr))
	u(uint64(dwarf.AttrHighpc))
	u(uint64(DW_FORM_data4))
	u(uint64(dwarf.AttrType))
	u(uint64(DW_FORM_ref4))
	u(0)
	u(0)

	// table terminator
	u(0)
	return buf.Bytes()
}

// testLineProgram emits one row at 0x1000 line 9 and one at 0x1010.
func testLineProgram() []byte {
	var prologue bytes.Buffer
	prologue.WriteByte(1) // min_insn_length
	prologue.WriteByte(1) // default_is_stmt
	prologue.WriteByte(0xfd)
	prologue.WriteByte(12)
	prologue.WriteByte(13)
	for i := 1; i < 13; i++ {
		prologue.WriteByte(1)
	}
	prologue.WriteByte(0) // directories
	prologue.WriteString("main.c")
	prologue.WriteByte(0)
	prologue.Write([]byte{0, 0, 0}) // dir, mtime, len
	prologue.WriteByte(0)           // end of files

	var instr bytes.Buffer
	instr.WriteByte(0)
	leb128.EncodeUnsigned(&instr, 9)
	instr.WriteByte(2) // set_address
	binary.Write(&instr, binary.LittleEndian, uint64(0x1000))
	instr.WriteByte(13 + 11 + 0*12) // special: line += -3+11, addr += 0
	instr.WriteByte(2)              // advance_pc
	instr.WriteByte(0x10)
	instr.WriteByte(1)                // copy
	instr.Write([]byte{0x00, 0x01, 1}) // end_sequence

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(2+4+prologue.Len()+instr.Len()))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint32(prologue.Len()))
	buf.Write(prologue.Bytes())
	buf.Write(instr.Bytes())
	return buf.Bytes()
}

// testInfoSection builds a version 2 compilation unit and returns it
// with the .debug_info offsets of the base type and subprogram DIEs.
func testInfoSection() (data []byte, baseTypeOff, subprogramOff uint64) {
	var body bytes.Buffer

	// DIE: compile_unit
	leb128.EncodeUnsigned(&body, 1)
	binary.Write(&body, binary.LittleEndian, uint32(0)) // strp -> "main.c"
	body.WriteString("/src")
	body.WriteByte(0)
	binary.Write(&body, binary.LittleEndian, uint32(0)) // stmt_list

	// children of compile_unit start after the 11-byte CU header
	baseTypeOff = 11 + uint64(body.Len())
	leb128.EncodeUnsigned(&body, 2)
	body.WriteString("int")
	body.WriteByte(0)
	body.WriteByte(4)

	subprogramOff = 11 + uint64(body.Len())
	leb128.EncodeUnsigned(&body, 3)
	body.WriteString("main")
	body.WriteByte(0)
	binary.Write(&body, binary.LittleEndian, uint64(0x1000))        // low_pc
	binary.Write(&body, binary.LittleEndian, uint32(0x100))         // high_pc, length form
	binary.Write(&body, binary.LittleEndian, uint32(baseTypeOff))   // type ref4, CU relative
	leb128.EncodeUnsigned(&body, 0)                                 // end of children

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(7+body.Len())) // version+abbrevoff+addrsize+body
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteByte(8)
	buf.Write(body.Bytes())
	return buf.Bytes(), baseTypeOff, subprogramOff
}

func testAranges() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	var body bytes.Buffer
	binary.Write(&body, le, uint16(2)) // version
	binary.Write(&body, le, uint32(0)) // debug_info offset
	body.WriteByte(8)                  // address size
	body.WriteByte(0)                  // segment descriptor size
	// The 12 header bytes (including the length field) must be padded
	// to the 16-byte tuple boundary.
	body.Write([]byte{0, 0, 0, 0})
	binary.Write(&body, le, uint64(0x1000))
	binary.Write(&body, le, uint64(0x100))
	binary.Write(&body, le, uint64(0)) // terminator tuple
	binary.Write(&body, le, uint64(0))

	binary.Write(&buf, le, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func testData(t *testing.T) *Data {
	infoSec, _, _ := testInfoSection()
	f := buildImage(t, []testSection{
		{name: ".debug_info", data: infoSec},
		{name: ".debug_abbrev", data: testAbbrevTable()},
		{name: ".debug_str", data: []byte("main.c\x00")},
		{name: ".debug_line", data: testLineProgram()},
		{name: ".debug_aranges", data: testAranges()},
	})
	return New(f, t.Logf)
}

func TestUnitDecoding(t *testing.T) {
	d := testData(t)

	units, err := d.Units()
	require.NoError(t, err)
	require.Len(t, units, 1)

	u := units[0]
	require.NotNil(t, u)
	assert.Equal(t, uint16(2), u.Version)
	assert.Equal(t, uint8(8), u.AddrSize)
	assert.Equal(t, "main.c", u.Name())
	assert.Equal(t, "/src", u.CompDir())

	require.Len(t, u.Entries, 1)
	cu := u.Entries[0]
	assert.Equal(t, dwarf.TagCompileUnit, cu.Tag)
	require.Len(t, cu.Children, 2)
	assert.Equal(t, dwarf.TagBaseType, cu.Children[0].Tag)
	assert.Equal(t, dwarf.TagSubprogram, cu.Children[1].Tag)
}

func TestAbbrevTableTerminator(t *testing.T) {
	d := testData(t)
	units, err := d.Units()
	require.NoError(t, err)

	// Three abbreviations and then the trailing 0 terminator.
	assert.Len(t, units[0].abbrevs, 3)
}

func TestDIEReferences(t *testing.T) {
	d := testData(t)
	units, err := d.Units()
	require.NoError(t, err)
	u := units[0]

	sub := u.Entries[0].Children[1]
	typ := sub.Ref(dwarf.AttrType)
	require.NotNil(t, typ)
	assert.Equal(t, dwarf.TagBaseType, typ.Tag)
	assert.Equal(t, "int", typ.Name())
	assert.Equal(t, uint64(4), typ.Val(dwarf.AttrByteSize).Uint())
}

func TestSubprogramPCRange(t *testing.T) {
	d := testData(t)

	fn := d.FindFunction(0x1010)
	require.NotNil(t, fn)
	assert.Equal(t, "main", fn.Name())
	low, high, ok := fn.PCRange()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), low)
	assert.Equal(t, uint64(0x1100), high)

	assert.Nil(t, d.FindFunction(0x9000))
}

func TestArangeAlignment(t *testing.T) {
	d := testData(t)

	sets := d.Ranges()
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Ranges, 1)
	assert.Equal(t, uint64(0x1000), sets[0].Ranges[0].Start)
	assert.Equal(t, uint64(0x100), sets[0].Ranges[0].Length)
	assert.True(t, sets[0].Cover(0x10ff))
	assert.False(t, sets[0].Cover(0x1100))
}

func TestSourceFromAddr(t *testing.T) {
	d := testData(t)

	// The line matrix has a row at 0x1000 (line 9) and one at 0x1010:
	// any address in between resolves to the first row.
	src := d.SourceFromAddr(0x1008)
	require.Len(t, src, 1)
	assert.Equal(t, 9, src[0].Line)
	assert.Equal(t, "/src/main.c", src[0].File.Path)

	assert.Empty(t, d.SourceFromAddr(0x9000))
}

func TestWrongValueClassPanics(t *testing.T) {
	d := testData(t)
	units, err := d.Units()
	require.NoError(t, err)
	name := units[0].Entries[0].Val(dwarf.AttrName)
	require.NotNil(t, name)

	assert.Panics(t, func() { name.Addr() })
	assert.NotPanics(t, func() { name.Str() })
}
