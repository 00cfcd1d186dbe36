package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-pstack/pstack/pkg/dwarf/frame"
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/go-pstack/pstack/pkg/elffile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem is a single dense region of fake target memory.
type fakeMem struct {
	base uint64
	data []byte
}

func (m *fakeMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, &ErrMemoryRead{Addr: addr, Size: len(buf)}
	}
	n := copy(buf, m.data[addr-m.base:])
	if n < len(buf) {
		return n, nil
	}
	return n, nil
}

func (m *fakeMem) setWord(addr, val uint64) {
	binary.LittleEndian.PutUint64(m.data[addr-m.base:], val)
}

// buildModuleImage builds an ELF executable image with one PT_LOAD
// segment covering [0x400000, 0x402000) and the given .debug_frame
// contents.
func buildModuleImage(t *testing.T, debugFrame []byte) *elffile.File {
	t.Helper()

	var buf bytes.Buffer
	le := binary.LittleEndian

	shstrtab := []byte("\x00.debug_frame\x00.shstrtab\x00")

	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		phnum     = 1
		shnum     = 3 // null, .debug_frame, .shstrtab
	)
	phoff := uint64(ehsize)
	frameOff := phoff + phentsize
	strtabOff := frameOff + uint64(len(debugFrame))
	shoff := strtabOff + uint64(len(shstrtab))

	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(elf.ET_EXEC))
	binary.Write(&buf, le, uint16(elf.EM_X86_64))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint64(0x400000)) // entry
	binary.Write(&buf, le, phoff)
	binary.Write(&buf, le, shoff)
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint16(ehsize))
	binary.Write(&buf, le, uint16(phentsize))
	binary.Write(&buf, le, uint16(phnum))
	binary.Write(&buf, le, uint16(shentsize))
	binary.Write(&buf, le, uint16(shnum))
	binary.Write(&buf, le, uint16(2))

	// PT_LOAD
	binary.Write(&buf, le, uint32(elf.PT_LOAD))
	binary.Write(&buf, le, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, le, uint64(0))        // off
	binary.Write(&buf, le, uint64(0x400000)) // vaddr
	binary.Write(&buf, le, uint64(0x400000)) // paddr
	binary.Write(&buf, le, uint64(0x2000))   // filesz
	binary.Write(&buf, le, uint64(0x2000))   // memsz
	binary.Write(&buf, le, uint64(0x1000))

	buf.Write(debugFrame)
	buf.Write(shstrtab)

	writeShdr := func(nameOff uint32, typ elf.SectionType, off, size uint64) {
		binary.Write(&buf, le, nameOff)
		binary.Write(&buf, le, uint32(typ))
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, uint64(0)) // addr
		binary.Write(&buf, le, off)
		binary.Write(&buf, le, size)
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, uint64(0))
		binary.Write(&buf, le, uint64(0))
	}
	writeShdr(0, 0, 0, 0)
	writeShdr(1, elf.SHT_PROGBITS, frameOff, uint64(len(debugFrame)))
	writeShdr(14, elf.SHT_STRTAB, strtabOff, uint64(len(shstrtab)))

	f, err := elffile.New(reader.NewMemSource("test-exe", buf.Bytes()))
	require.NoError(t, err)
	return f
}

func frameCIE(initial []byte) []byte {
	var body bytes.Buffer
	body.WriteByte(3)    // version
	body.WriteByte(0)    // augmentation
	body.WriteByte(1)    // code align
	body.WriteByte(0x78) // data align -8
	body.WriteByte(16)   // return address register
	body.Write(initial)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4+body.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func frameFDE(cieOff uint32, iloc, irange uint64, instructions []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4+16+len(instructions)))
	binary.Write(&buf, binary.LittleEndian, cieOff)
	binary.Write(&buf, binary.LittleEndian, iloc)
	binary.Write(&buf, binary.LittleEndian, irange)
	buf.Write(instructions)
	return buf.Bytes()
}

func testRegisters(rip, rsp, rbp uint64) *AMD64PtraceRegs {
	return &AMD64PtraceRegs{Rip: rip, Rsp: rsp, Rbp: rbp}
}

// The canonical frame: a function paused just after pushing rbp, with
// CFA defined as rbp+16 and the return address stored at CFA-8.
func TestUnwindCanonicalFrame(t *testing.T) {
	cie := frameCIE([]byte{
		frame.DW_CFA_def_cfa, 6, 16, // CFA = rbp+16
		frame.DW_CFA_offset | 16, 1, // ra at CFA-8
	})
	var section []byte
	section = append(section, cie...)
	section = append(section, frameFDE(0, 0x4005a0, 0x100, nil)...)
	// the outer frame: CFA = rsp+8, ra at CFA-8
	cie2Off := uint32(len(section))
	section = append(section, frameCIE([]byte{
		frame.DW_CFA_def_cfa, 7, 8,
		frame.DW_CFA_offset | 16, 1,
	})...)
	section = append(section, frameFDE(cie2Off, 0x400700, 0x100, nil)...)

	image := buildModuleImage(t, section)

	mem := &fakeMem{base: 0x7fffffe000, data: make([]byte, 0x100)}
	mem.setWord(0x7fffffe028, 0x400750) // return address of frame 0
	mem.setWord(0x7fffffe030, 0)        // frame 1 returns to nowhere

	target := newTarget(mem, Options{})
	target.AddModule("test-exe", image, 0)

	regs := dwarfRegistersFromPtraceRegs(testRegisters(0x4005b0, 0x7fffffe000, 0x7fffffe020))
	frames, err := target.Unwind(regs)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, uint64(0x4005b0), frames[0].IP)
	assert.Equal(t, uint64(0x7fffffe030), frames[0].CFA)

	// frame 1 executes at the restored return address with the stack
	// pointer restored from frame 0's CFA
	assert.Equal(t, uint64(0x400750), frames[1].IP)
	assert.Equal(t, uint64(0x7fffffe030), frames[1].Regs.SP())
	assert.Equal(t, uint64(0x7fffffe038), frames[1].CFA)
}

func TestUnwindCFAExpression(t *testing.T) {
	// the CFA expression block is [breg6, sleb(16)]: push rbp+16
	cieExpr := frameCIE([]byte{
		frame.DW_CFA_def_cfa_expression, 2, 0x70 + 6, 0x10,
		frame.DW_CFA_offset | 16, 1,
	})
	var section []byte
	section = append(section, cieExpr...)
	section = append(section, frameFDE(0, 0x4005a0, 0x100, nil)...)

	image := buildModuleImage(t, section)
	mem := &fakeMem{base: 0x7fffffe000, data: make([]byte, 0x100)}
	mem.setWord(0x7fffffe028, 0) // stop after the first frame

	target := newTarget(mem, Options{})
	target.AddModule("test-exe", image, 0)

	regs := dwarfRegistersFromPtraceRegs(testRegisters(0x4005b0, 0x7fffffe000, 0x7fffffe020))
	frames, err := target.Unwind(regs)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0x7fffffe030), frames[0].CFA)
}

// A stack where every slot holds another plausible return address
// must still terminate at the frame cap.
func TestUnwindBound(t *testing.T) {
	var section []byte
	section = append(section, frameCIE([]byte{
		frame.DW_CFA_def_cfa, 7, 8,
		frame.DW_CFA_offset | 16, 1,
	})...)
	section = append(section, frameFDE(0, 0x400000, 0x2000, nil)...)

	image := buildModuleImage(t, section)

	const maxFrames = 16
	mem := &fakeMem{base: 0x7fffffe000, data: make([]byte, 0x800)}
	for i := 0; i < 0x100; i++ {
		// every potential return address slot holds a distinct,
		// covered address
		mem.setWord(0x7fffffe000+uint64(i*8), 0x400100+uint64(i*4))
	}

	target := newTarget(mem, Options{MaxFrames: maxFrames})
	target.AddModule("test-exe", image, 0)

	regs := dwarfRegistersFromPtraceRegs(testRegisters(0x400500, 0x7fffffe000, 0))
	frames, err := target.Unwind(regs)
	require.NoError(t, err)
	assert.Len(t, frames, maxFrames)
}

func TestUnwindStopsOutsideModules(t *testing.T) {
	var section []byte
	section = append(section, frameCIE([]byte{
		frame.DW_CFA_def_cfa, 7, 8,
		frame.DW_CFA_offset | 16, 1,
	})...)
	section = append(section, frameFDE(0, 0x400000, 0x2000, nil)...)
	image := buildModuleImage(t, section)

	mem := &fakeMem{base: 0x7fffffe000, data: make([]byte, 0x100)}
	mem.setWord(0x7fffffe000, 0x90000000) // return address outside any module

	target := newTarget(mem, Options{})
	target.AddModule("test-exe", image, 0)

	regs := dwarfRegistersFromPtraceRegs(testRegisters(0x400500, 0x7fffffe000, 0))
	frames, err := target.Unwind(regs)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0x90000000), frames[1].IP)
	assert.Nil(t, frames[1].Module)
}

func TestFindModule(t *testing.T) {
	image := buildModuleImage(t, frameCIE(nil))
	target := newTarget(&fakeMem{}, Options{})
	mod := target.AddModule("test-exe", image, 0x1000)

	assert.Equal(t, mod, target.FindModule(0x401500)) // 0x400500 relocated by 0x1000
	assert.Nil(t, target.FindModule(0x10000))
	assert.Equal(t, uint64(0x400500), mod.ObjAddr(0x401500))
}
