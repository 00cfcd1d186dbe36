package proc

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-pstack/pstack/pkg/dwarf/info"
	"github.com/go-pstack/pstack/pkg/dwarf/op"
)

// DW_ATE base type encodings used when rendering argument values.
const (
	_DW_ATE_address  = 0x01
	_DW_ATE_boolean  = 0x02
	_DW_ATE_signed   = 0x05
	_DW_ATE_unsigned = 0x07
	_DW_ATE_uchar    = 0x08
)

// printArgs formats the formal parameters of the frame's function by
// evaluating each parameter's DW_AT_location expression against the
// frame's registers.
func (t *Target) printArgs(w io.Writer, f *Stackframe) {
	d := t.DebugData(f.Module)
	fn := d.FindFunction(f.Module.ObjAddr(f.IP) - 1)
	if fn == nil {
		return
	}

	sep := ""
	for _, child := range fn.Children {
		if child.Tag != dwarf.TagFormalParameter {
			continue
		}
		fmt.Fprintf(w, "%s%s", sep, child.Name())
		sep = ", "

		loc := child.Val(dwarf.AttrLocation)
		typ := child.Ref(dwarf.AttrType)
		if loc == nil || loc.Class != info.ClassBlock || typ == nil {
			continue
		}

		res, err := op.ExecuteStackProgram(f.Regs, loc.Block(), t.mem.ReadMemory, int64(f.CFA))
		if err != nil {
			fmt.Fprint(w, "=?")
			continue
		}
		if res.InRegister {
			fmt.Fprintf(w, "=%#x{in register %d}", f.Regs.Uint64Val(res.RegNum), res.RegNum)
			continue
		}
		fmt.Fprintf(w, "=%s", t.formatValue(uint64(res.Value), typ))
	}
}

// typeName renders a type entry the way a declaration would.
func typeName(typ *info.Entry) string {
	if typ == nil {
		return "void"
	}
	if name := typ.Name(); name != "" {
		return name
	}
	base := typ.Ref(dwarf.AttrType)
	switch typ.Tag {
	case dwarf.TagPointerType:
		return typeName(base) + " *"
	case dwarf.TagConstType:
		return typeName(base) + " const"
	case dwarf.TagVolatileType:
		return typeName(base) + " volatile"
	case dwarf.TagReferenceType:
		return typeName(base) + "&"
	default:
		return fmt.Sprintf("(unhandled tag %s)", typ.Tag)
	}
}

// formatValue reads and renders the value stored at addr.
func (t *Target) formatValue(addr uint64, typ *info.Entry) string {
	if addr == 0 {
		return "(null)"
	}
	for typ != nil && typ.Tag == dwarf.TagTypedef {
		typ = typ.Ref(dwarf.AttrType)
	}
	if typ == nil {
		return "(void)"
	}

	switch typ.Tag {
	case dwarf.TagPointerType:
		word, err := readUintRaw(t.mem, addr)
		if err != nil {
			return fmt.Sprintf("<error reading %#x>", addr)
		}
		return fmt.Sprintf("%#x", word)

	case dwarf.TagBaseType:
		sizeAttr := typ.Val(dwarf.AttrByteSize)
		encAttr := typ.Val(dwarf.AttrEncoding)
		if sizeAttr == nil || encAttr == nil {
			return "<unrepresentable>"
		}
		size := sizeAttr.AnyUint()
		if size == 0 || size > 8 {
			return "<unrepresentable>"
		}
		buf := make([]byte, 8)
		if n, err := t.mem.ReadMemory(buf[:size], addr); uint64(n) < size {
			return fmt.Sprintf("<error reading %d bytes from %#x: %v>", size, addr, err)
		}
		raw := binary.LittleEndian.Uint64(buf)

		switch encAttr.AnyUint() {
		case _DW_ATE_address:
			return fmt.Sprintf("%#x", raw)
		case _DW_ATE_boolean:
			if raw != 0 {
				return "true"
			}
			return "false"
		case _DW_ATE_signed:
			shift := 64 - 8*size
			return fmt.Sprintf("%d", int64(raw<<shift)>>shift)
		case _DW_ATE_unsigned, _DW_ATE_uchar:
			return fmt.Sprintf("%d", raw)
		default:
			return fmt.Sprintf("<%s:%#x>", typeName(typ), raw)
		}

	default:
		return fmt.Sprintf("<unprintable type %s>", typ.Tag)
	}
}
