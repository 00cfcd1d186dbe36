package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// debugFrameCIE builds a .debug_frame CIE with the given initial
// instructions.
func debugFrameCIE(initial []byte) []byte {
	var body bytes.Buffer
	body.WriteByte(3)    // version
	body.WriteByte(0)    // empty augmentation string
	body.WriteByte(1)    // code alignment factor
	body.WriteByte(0x78) // data alignment factor -8
	body.WriteByte(16)   // return address register
	body.Write(initial)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4+body.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// debugFrameFDE builds a .debug_frame FDE bound to the CIE at cieOff.
func debugFrameFDE(cieOff uint32, iloc, irange uint64, instructions []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4+16+len(instructions)))
	binary.Write(&buf, binary.LittleEndian, cieOff)
	binary.Write(&buf, binary.LittleEndian, iloc)
	binary.Write(&buf, binary.LittleEndian, irange)
	buf.Write(instructions)
	return buf.Bytes()
}

func testDebugFrame() []byte {
	var section []byte
	section = append(section, debugFrameCIE([]byte{
		DW_CFA_def_cfa, 7, 8, // CFA = rsp+8
		DW_CFA_offset | 16, 1, // ra at CFA-8
	})...)
	section = append(section, debugFrameFDE(0, 0x401000, 0x100, []byte{
		DW_CFA_advance_loc | 0x10,
		DW_CFA_def_cfa_offset, 16,
	})...)
	return section
}

func TestParseDebugFrame(t *testing.T) {
	fdes, err := Parse(testDebugFrame(), binary.LittleEndian, 0, 8, 0, nil)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	fde := fdes[0]
	assert.Equal(t, uint64(0x401000), fde.Begin())
	assert.Equal(t, uint64(0x401100), fde.End())
	assert.Equal(t, uint64(16), fde.CIE.ReturnAddressRegister)
	assert.Equal(t, int64(-8), fde.CIE.DataAlignmentFactor)
}

func TestFDECoverage(t *testing.T) {
	fdes, err := Parse(testDebugFrame(), binary.LittleEndian, 0, 8, 0, nil)
	require.NoError(t, err)
	fde := fdes[0]

	// every address inside [Begin, End) must find the FDE again
	for _, addr := range []uint64{fde.Begin(), fde.Begin() + 1, fde.End() - 1} {
		found, err := fdes.FDEForPC(addr)
		require.NoError(t, err)
		assert.Equal(t, fde, found)
	}

	// one past the end belongs to a different FDE or none
	_, err = fdes.FDEForPC(fde.End())
	assert.Error(t, err)
}

// ehFrameCIE builds an .eh_frame CIE padded with nops to exactly
// size bytes, returning the entry.
func ehFrameCIE(augmentation string, augData []byte, size int) []byte {
	var body bytes.Buffer
	body.WriteByte(1) // version
	body.WriteString(augmentation)
	body.WriteByte(0)
	body.WriteByte(1)    // code alignment factor
	body.WriteByte(0x78) // data alignment factor -8
	body.WriteByte(16)   // return address register
	if len(augmentation) > 0 && augmentation[0] == 'z' {
		body.WriteByte(byte(len(augData)))
		body.Write(augData)
	}
	for 4+4+body.Len() < size {
		body.WriteByte(DW_CFA_nop)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(4+body.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // CIE marker in .eh_frame
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestEhFrameCIEBackLink(t *testing.T) {
	// Two CIEs: [0, 0xb8) and [0xb8, 0x100), then an FDE at 0x100
	// with id 0x4c. The CIE pointer is relative to the id field at
	// 0x104: 0x104 - 0x4c = 0xb8, the second CIE.
	var section []byte
	section = append(section, ehFrameCIE("zR", []byte{byte(ptrEncAbs)}, 0xb8)...)
	section = append(section, ehFrameCIE("zRS", []byte{byte(ptrEncAbs)}, 0x100-0xb8)...)
	require.Len(t, section, 0x100)

	var fde bytes.Buffer
	binary.Write(&fde, binary.LittleEndian, uint32(4+16+1+3)) // id + iloc + irange + z-len + instructions
	binary.Write(&fde, binary.LittleEndian, uint32(0x4c))
	binary.Write(&fde, binary.LittleEndian, uint64(0x401000))
	binary.Write(&fde, binary.LittleEndian, uint64(0x80))
	fde.WriteByte(0) // augmentation data length
	fde.Write([]byte{DW_CFA_nop, DW_CFA_nop, DW_CFA_nop})
	section = append(section, fde.Bytes()...)

	// zero terminator
	section = append(section, 0, 0, 0, 0)

	fdes, err := Parse(section, binary.LittleEndian, 0, 8, 0x10000, nil)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	// the FDE resolved to the second CIE, the signal handler one
	assert.True(t, fdes[0].CIE.IsSignalHandler)
	assert.Equal(t, uint64(0x401000), fdes[0].Begin())
}

func TestEhFrameUnknownAugmentation(t *testing.T) {
	// An augmentation character we cannot interpret makes the rest of
	// the augmentation block opaque but must not abort parsing.
	var section []byte
	section = append(section, ehFrameCIE("zX", []byte{0xde, 0xad}, 0x20)...)

	var fde bytes.Buffer
	binary.Write(&fde, binary.LittleEndian, uint32(4+16+1+1))
	binary.Write(&fde, binary.LittleEndian, uint32(0x24)) // id field at 0x24: CIE at 0
	binary.Write(&fde, binary.LittleEndian, uint64(0x401000))
	binary.Write(&fde, binary.LittleEndian, uint64(0x80))
	fde.WriteByte(0)
	fde.WriteByte(DW_CFA_nop)
	section = append(section, fde.Bytes()...)
	section = append(section, 0, 0, 0, 0)

	var logged []string
	logf := func(fmtstr string, args ...interface{}) { logged = append(logged, fmtstr) }

	fdes, err := Parse(section, binary.LittleEndian, 0, 8, 0x10000, logf)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	assert.NotEmpty(t, logged)
}

func TestFDEWithDanglingCIEPointerIsSkipped(t *testing.T) {
	section := testDebugFrame()

	// an FDE whose CIE pointer does not resolve
	section = append(section, debugFrameFDE(0xdead, 0x500000, 0x10, []byte{DW_CFA_nop})...)

	var logged []string
	logf := func(fmtstr string, args ...interface{}) { logged = append(logged, fmtstr) }

	fdes, err := Parse(section, binary.LittleEndian, 0, 8, 0, logf)
	require.NoError(t, err)
	assert.Len(t, fdes, 1)
	assert.NotEmpty(t, logged)
}

func TestEhFramePCRelAddresses(t *testing.T) {
	var section []byte
	section = append(section, ehFrameCIE("zR", []byte{byte(ptrEncUdata4 | ptrEncPCRel)}, 0x18)...)

	// FDE at 0x18, iloc field at 0x20 encoded pc-relative
	var fde bytes.Buffer
	binary.Write(&fde, binary.LittleEndian, uint32(4+4+4+1+3))
	binary.Write(&fde, binary.LittleEndian, uint32(0x1c)) // id field offset 0x1c: CIE at 0
	binary.Write(&fde, binary.LittleEndian, uint32(0x1000))
	binary.Write(&fde, binary.LittleEndian, uint32(0x80))
	fde.WriteByte(0)
	fde.Write([]byte{DW_CFA_nop, DW_CFA_nop, DW_CFA_nop})
	section = append(section, fde.Bytes()...)
	section = append(section, 0, 0, 0, 0)

	const ehFrameAddr = 0x10000
	fdes, err := Parse(section, binary.LittleEndian, 0, 8, ehFrameAddr, nil)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	// the iloc field sits at section offset 0x20
	assert.Equal(t, uint64(ehFrameAddr+0x20+0x1000), fdes[0].Begin())
	// ranges are plain integers, never pc-relative
	assert.Equal(t, uint64(0x80), fdes[0].End()-fdes[0].Begin())
}
