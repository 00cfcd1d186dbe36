package elffile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	link    uint32
	entsize uint64
	data    []byte
}

// buildImage assembles a minimal ELF64 little-endian image: header,
// section data, then section headers. A null section and .shstrtab
// are added automatically.
func buildImage(t *testing.T, sections []testSection) []byte {
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
	all = append(all, testSection{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab})

	var buf bytes.Buffer
	le := binary.LittleEndian

	// section data area
	dataOff := make([]uint64, len(all))
	off := uint64(64)
	for i, s := range all {
		dataOff[i] = off
		off += uint64(len(s.data))
	}
	shoff := off

	// ELF header
	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(elf.ET_EXEC))
	binary.Write(&buf, le, uint16(elf.EM_X86_64))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint64(0x1000)) // entry
	binary.Write(&buf, le, uint64(0))      // phoff
	binary.Write(&buf, le, shoff)
	binary.Write(&buf, le, uint32(0)) // flags
	binary.Write(&buf, le, uint16(64))
	binary.Write(&buf, le, uint16(56))
	binary.Write(&buf, le, uint16(0)) // phnum
	binary.Write(&buf, le, uint16(64))
	binary.Write(&buf, le, uint16(len(all)))
	binary.Write(&buf, le, uint16(len(all)-1)) // shstrndx

	for _, s := range all {
		buf.Write(s.data)
	}

	for i, s := range all {
		binary.Write(&buf, le, nameOffsets[i])
		binary.Write(&buf, le, uint32(s.typ))
		binary.Write(&buf, le, uint64(s.flags))
		binary.Write(&buf, le, s.addr)
		binary.Write(&buf, le, dataOff[i])
		binary.Write(&buf, le, uint64(len(s.data)))
		binary.Write(&buf, le, s.link)
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, s.entsize)
	}

	return buf.Bytes()
}

func writeSym(buf *bytes.Buffer, nameOff uint32, info uint8, shndx uint16, value, size uint64) {
	le := binary.LittleEndian
	binary.Write(buf, le, nameOff)
	buf.WriteByte(info)
	buf.WriteByte(0)
	binary.Write(buf, le, shndx)
	binary.Write(buf, le, value)
	binary.Write(buf, le, size)
}

func symbolTestImage(t *testing.T) *File {
	strtab := []byte("\x00main\x00helper\x00data_end\x00")

	var symtab bytes.Buffer
	writeSym(&symtab, 0, 0, 0, 0, 0)
	writeSym(&symtab, 1, uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_FUNC), 1, 0x1000, 0x20)
	writeSym(&symtab, 6, uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_FUNC), 1, 0x1020, 0)
	writeSym(&symtab, 13, uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_OBJECT), 1, 0x1080, 8)

	// One bucket: every symbol hangs off the same chain.
	var hash bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&hash, le, uint32(1)) // nbucket
	binary.Write(&hash, le, uint32(4)) // nchain
	binary.Write(&hash, le, uint32(1)) // bucket 0 -> sym 1
	binary.Write(&hash, le, uint32(0))
	binary.Write(&hash, le, uint32(2)) // chain: 1 -> 2
	binary.Write(&hash, le, uint32(3)) // chain: 2 -> 3
	binary.Write(&hash, le, uint32(0)) // chain: 3 -> end

	img := buildImage(t, []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x1000, data: make([]byte, 0x100)},
		{name: ".symtab", typ: elf.SHT_SYMTAB, link: 3, entsize: symSize, data: symtab.Bytes()},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		{name: ".hash", typ: elf.SHT_HASH, link: 2, data: hash.Bytes()},
	})

	f, err := New(reader.NewMemSource("fixture", img))
	require.NoError(t, err)
	return f
}

func TestNotAnElf(t *testing.T) {
	_, err := New(reader.NewMemSource("bogus", []byte("definitely not an elf image")))
	require.Error(t, err)
	_, ok := err.(*ErrNotElf)
	assert.True(t, ok, "expected ErrNotElf, got %T", err)
}

func TestSectionLookup(t *testing.T) {
	f := symbolTestImage(t)
	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Equal(t, uint64(0x1000), text.Addr)
	assert.Nil(t, f.Section(".debug_info"))
}

func TestFindSymbolByName(t *testing.T) {
	f := symbolTestImage(t)

	sym, ok := f.FindSymbolByName("helper")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1020), sym.Value)
	assert.Equal(t, elf.STT_FUNC, sym.Type())

	_, ok = f.FindSymbolByName("nonexistent")
	assert.False(t, ok)
}

func TestFindSymbolByAddress(t *testing.T) {
	f := symbolTestImage(t)

	// Covered by the sized "main" symbol.
	sym, ok := f.FindSymbolByAddress(0x1010, elf.STT_FUNC)
	require.True(t, ok)
	assert.Equal(t, "main", sym.Name)

	// Not inside any sized symbol: the zero-size "helper" stub with
	// the greatest value below the address wins.
	sym, ok = f.FindSymbolByAddress(0x1030, elf.STT_FUNC)
	require.True(t, ok)
	assert.Equal(t, "helper", sym.Name)
}

func TestSymbolLookupIdempotent(t *testing.T) {
	f := symbolTestImage(t)

	first, ok1 := f.FindSymbolByName("main")
	second, ok2 := f.FindSymbolByName("main")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)

	firstAddr, _ := f.FindSymbolByAddress(0x1005, elf.STT_NOTYPE)
	secondAddr, _ := f.FindSymbolByAddress(0x1005, elf.STT_NOTYPE)
	assert.Equal(t, firstAddr, secondAddr)
}

func TestElfHash(t *testing.T) {
	// Reference values from the System V ABI algorithm.
	assert.Equal(t, uint32(0x0), elfHash(""))
	assert.Equal(t, uint32(0x6d), elfHash("m"))
	assert.NotEqual(t, elfHash("main"), elfHash("niam"))
}
