package line

import (
	"bytes"
	"encoding/binary"

	"github.com/go-pstack/pstack/pkg/dwarf/leb128"
)

// LineState is one row of the line matrix.
type LineState struct {
	Address     uint64
	File        *FileEntry
	Line        int
	Column      uint
	IsStmt      bool
	BasicBlock  bool
	EndSequence bool
}

type stateMachine struct {
	dbl *DebugLineInfo
	LineState

	buf *bytes.Buffer
}

// Standard opcodes.
const (
	_DW_LNS_copy             = 1
	_DW_LNS_advance_pc       = 2
	_DW_LNS_advance_line     = 3
	_DW_LNS_set_file         = 4
	_DW_LNS_set_column       = 5
	_DW_LNS_negate_stmt      = 6
	_DW_LNS_set_basic_block  = 7
	_DW_LNS_const_add_pc     = 8
	_DW_LNS_fixed_advance_pc = 9
)

// Extended opcodes.
const (
	_DW_LINE_end_sequence      = 1
	_DW_LINE_set_address       = 2
	_DW_LINE_define_file       = 3
	_DW_LINE_set_discriminator = 4
)

func newStateMachine(dbl *DebugLineInfo, instructions []byte) *stateMachine {
	sm := &stateMachine{dbl: dbl, buf: bytes.NewBuffer(instructions)}
	sm.reset()
	return sm
}

// reset restores the registers to the prologue-defined initial state.
func (sm *stateMachine) reset() {
	sm.Address = sm.dbl.staticBase
	sm.File = nil
	if len(sm.dbl.FileNames) > 0 {
		sm.File = sm.dbl.FileNames[0]
	}
	sm.Line = 1
	sm.Column = 0
	sm.IsStmt = sm.dbl.Prologue.InitialIsStmt == 1
	sm.BasicBlock = false
	sm.EndSequence = false
}

// Matrix runs the line program to completion and returns every row it
// emits, in program order. The result is computed once and cached.
func (dbl *DebugLineInfo) Matrix() []LineState {
	if dbl.ran {
		return dbl.matrix
	}
	dbl.ran = true

	sm := newStateMachine(dbl, dbl.Instructions)
	for sm.buf.Len() > 0 {
		if !sm.step() {
			break
		}
	}
	dbl.matrix = sm.dbl.matrix
	return dbl.matrix
}

func (sm *stateMachine) emit() {
	sm.dbl.matrix = append(sm.dbl.matrix, sm.LineState)
}

// step executes one opcode. It returns false when the program must
// stop because of a malformed instruction.
func (sm *stateMachine) step() bool {
	b, err := sm.buf.ReadByte()
	if err != nil {
		return false
	}

	p := sm.dbl.Prologue
	switch {
	case b >= p.OpcodeBase:
		adjusted := b - p.OpcodeBase
		sm.Address += uint64(adjusted/p.LineRange) * uint64(p.MinInstrLength)
		sm.Line += int(p.LineBase) + int(adjusted%p.LineRange)
		sm.emit()
		sm.BasicBlock = false

	case b == 0:
		return sm.execExtendedOpcode()

	default:
		sm.execStandardOpcode(b)
	}
	return true
}

func (sm *stateMachine) execStandardOpcode(op byte) {
	p := sm.dbl.Prologue
	switch op {
	case _DW_LNS_copy:
		sm.emit()
		sm.BasicBlock = false
	case _DW_LNS_advance_pc:
		delta, _ := leb128.DecodeUnsigned(sm.buf)
		sm.Address += delta * uint64(p.MinInstrLength)
	case _DW_LNS_advance_line:
		delta, _ := leb128.DecodeSigned(sm.buf)
		sm.Line += int(delta)
	case _DW_LNS_set_file:
		i, _ := leb128.DecodeUnsigned(sm.buf)
		if i >= 1 && i-1 < uint64(len(sm.dbl.FileNames)) {
			sm.File = sm.dbl.FileNames[i-1]
		} else {
			sm.File = nil
		}
	case _DW_LNS_set_column:
		c, _ := leb128.DecodeUnsigned(sm.buf)
		sm.Column = uint(c)
	case _DW_LNS_negate_stmt:
		sm.IsStmt = !sm.IsStmt
	case _DW_LNS_set_basic_block:
		sm.BasicBlock = true
	case _DW_LNS_const_add_pc:
		// Advance by the address increment of special opcode 255.
		sm.Address += uint64((255-p.OpcodeBase)/p.LineRange) * uint64(p.MinInstrLength)
	case _DW_LNS_fixed_advance_pc:
		var operand uint16
		binary.Read(sm.buf, binary.LittleEndian, &operand)
		sm.Address += uint64(operand)
	default:
		// An opcode we do not implement: the prologue tells us how
		// many LEB128 arguments it carries, consume and ignore them.
		if int(op-1) < len(p.StdOpLengths) {
			for i := 0; i < int(p.StdOpLengths[op-1]); i++ {
				leb128.DecodeSigned(sm.buf)
			}
		}
		sm.dbl.Logf("unknown standard opcode %#x, file %s, line %d, address %#x", op, sm.fileName(), sm.Line, sm.Address)
	}
}

func (sm *stateMachine) execExtendedOpcode() bool {
	length, _ := leb128.DecodeUnsigned(sm.buf)
	if length == 0 {
		return false
	}
	op, err := sm.buf.ReadByte()
	if err != nil {
		return false
	}
	switch op {
	case _DW_LINE_end_sequence:
		sm.EndSequence = true
		sm.emit()
		sm.reset()
	case _DW_LINE_set_address:
		addrBytes := sm.buf.Next(sm.dbl.ptrSize)
		if len(addrBytes) < sm.dbl.ptrSize {
			return false
		}
		var addr uint64
		for i := sm.dbl.ptrSize - 1; i >= 0; i-- {
			addr = addr<<8 | uint64(addrBytes[i])
		}
		sm.Address = addr + sm.dbl.staticBase
	case _DW_LINE_define_file:
		entry := readFileEntry(sm.dbl, sm.buf, false)
		if entry == nil {
			return false
		}
		sm.dbl.FileNames = append(sm.dbl.FileNames, entry)
	case _DW_LINE_set_discriminator:
		leb128.DecodeUnsigned(sm.buf)
	default:
		sm.buf.Next(int(length - 1))
	}
	return true
}

func (sm *stateMachine) fileName() string {
	if sm.File == nil {
		return "?"
	}
	return sm.File.Path
}

// RowsForAddr returns every non-end-sequence row i whose half-open
// interval [row[i].Address, row[i+1].Address) contains addr.
func (dbl *DebugLineInfo) RowsForAddr(addr uint64) []LineState {
	var rows []LineState
	matrix := dbl.Matrix()
	for i := 0; i+1 < len(matrix); i++ {
		if matrix[i].EndSequence {
			continue
		}
		if matrix[i].Address <= addr && addr < matrix[i+1].Address {
			rows = append(rows, matrix[i])
		}
	}
	return rows
}
