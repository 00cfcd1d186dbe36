// Package op implements the subset of the DWARF expression language
// needed to compute canonical frame addresses and register locations
// during an unwind.
package op

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-pstack/pstack/pkg/dwarf/leb128"
)

// Opcode represents a DWARF stack program instruction.
type Opcode byte

// ReadMemoryFunc reads target memory; DW_OP_deref needs it. The
// function is injected by the caller rather than reached through
// global state so that the evaluator can be exercised against an
// in-memory fake.
type ReadMemoryFunc func(buf []byte, addr uint64) (int, error)

// UnsupportedOpcodeError reports a DWARF expression opcode outside
// the implemented subset.
type UnsupportedOpcodeError struct {
	Opcode Opcode
}

func (err *UnsupportedOpcodeError) Error() string {
	if name, ok := opcodeName[err.Opcode]; ok {
		return fmt.Sprintf("unsupported DWARF expression opcode %s", name)
	}
	return fmt.Sprintf("unsupported DWARF expression opcode %#x", byte(err.Opcode))
}

// ExpressionError reports a structurally invalid expression, such as
// a stack underflow or an empty result.
type ExpressionError struct {
	Msg string
}

func (err *ExpressionError) Error() string {
	return "DWARF expression error: " + err.Msg
}

type context struct {
	buf   *bytes.Buffer
	stack []int64

	regs       *DwarfRegisters
	readMemory ReadMemoryFunc

	// set when the expression named a plain register location
	isReg  bool
	regNum uint64
}

// Result is the outcome of evaluating a location expression.
type Result struct {
	Value int64

	// InRegister is set when the expression named a bare register
	// rather than computing an address; RegNum identifies it.
	InRegister bool
	RegNum     uint64
}

// ExecuteStackProgram evaluates a DWARF expression. The stack starts
// out holding seed (oldest first); CFA computation passes nothing,
// register rules seed the stack with the frame's CFA. The result is
// the top of the stack when the program ends.
func ExecuteStackProgram(regs *DwarfRegisters, instructions []byte, readMemory ReadMemoryFunc, seed ...int64) (Result, error) {
	ctxt := &context{
		buf:        bytes.NewBuffer(instructions),
		stack:      append(make([]int64, 0, 3), seed...),
		regs:       regs,
		readMemory: readMemory,
	}

	for ctxt.buf.Len() > 0 {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)

		switch {
		case opcode == DW_OP_deref:
			err = deref(ctxt)
		case opcode == DW_OP_const2s:
			err = const2s(ctxt)
		case opcode == DW_OP_const4u:
			err = const4u(ctxt)
		case opcode == DW_OP_const4s:
			err = const4s(ctxt)
		case opcode == DW_OP_plus:
			err = plus(ctxt)
		case opcode == DW_OP_minus:
			err = minus(ctxt)
		case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
			ctxt.isReg = true
			ctxt.regNum = uint64(opcode - DW_OP_reg0)
		case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
			err = breg(ctxt, uint64(opcode-DW_OP_breg0))
		default:
			return Result{}, &UnsupportedOpcodeError{Opcode: opcode}
		}
		if err != nil {
			return Result{}, err
		}
	}

	if ctxt.isReg {
		return Result{InRegister: true, RegNum: ctxt.regNum}, nil
	}
	if len(ctxt.stack) == 0 {
		return Result{}, &ExpressionError{Msg: "empty stack at end of program"}
	}
	return Result{Value: ctxt.stack[len(ctxt.stack)-1]}, nil
}

func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, &ExpressionError{Msg: "stack underflow"}
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func deref(ctxt *context) error {
	addr, err := ctxt.pop()
	if err != nil {
		return err
	}
	if ctxt.readMemory == nil {
		return &ExpressionError{Msg: "deref with no memory reader"}
	}
	buf := make([]byte, 8)
	if _, err := ctxt.readMemory(buf, uint64(addr)); err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(binary.LittleEndian.Uint64(buf)))
	return nil
}

func const2s(ctxt *context) error {
	var n uint16
	if err := binary.Read(ctxt.buf, binary.LittleEndian, &n); err != nil {
		return &ExpressionError{Msg: "truncated operand"}
	}
	ctxt.stack = append(ctxt.stack, int64(int16(n)))
	return nil
}

func const4u(ctxt *context) error {
	var n uint32
	if err := binary.Read(ctxt.buf, binary.LittleEndian, &n); err != nil {
		return &ExpressionError{Msg: "truncated operand"}
	}
	ctxt.stack = append(ctxt.stack, int64(n))
	return nil
}

func const4s(ctxt *context) error {
	var n uint32
	if err := binary.Read(ctxt.buf, binary.LittleEndian, &n); err != nil {
		return &ExpressionError{Msg: "truncated operand"}
	}
	ctxt.stack = append(ctxt.stack, int64(int32(n)))
	return nil
}

func plus(ctxt *context) error {
	top, err := ctxt.pop()
	if err != nil {
		return err
	}
	second, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, second+top)
	return nil
}

func minus(ctxt *context) error {
	top, err := ctxt.pop()
	if err != nil {
		return err
	}
	second, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, second-top)
	return nil
}

func breg(ctxt *context, regNum uint64) error {
	offset, _ := leb128.DecodeSigned(ctxt.buf)
	ctxt.stack = append(ctxt.stack, int64(ctxt.regs.Uint64Val(regNum))+offset)
	return nil
}
