package info

import (
	"debug/dwarf"
	"fmt"
)

// ValueClass discriminates the representation of an attribute value.
// The class is implied by the attribute's form; reading a value
// through the wrong accessor is a programming error and panics.
type ValueClass int

const (
	ClassAddr ValueClass = iota
	ClassUint
	ClassInt
	ClassStr
	ClassBlock
	ClassFlag
	ClassRef
)

func (c ValueClass) String() string {
	switch c {
	case ClassAddr:
		return "address"
	case ClassUint:
		return "uint"
	case ClassInt:
		return "int"
	case ClassStr:
		return "string"
	case ClassBlock:
		return "block"
	case ClassFlag:
		return "flag"
	case ClassRef:
		return "reference"
	}
	return "unknown"
}

// Value is one decoded attribute value.
type Value struct {
	Class ValueClass
	Form  Form

	uval  uint64
	ival  int64
	sval  string
	block []byte
	flag  bool
}

func (v *Value) check(want ValueClass) {
	if v.Class != want {
		panic(fmt.Sprintf("attribute value is %s, read as %s", v.Class, want))
	}
}

// Addr returns an address-class value.
func (v *Value) Addr() uint64 {
	v.check(ClassAddr)
	return v.uval
}

// Uint returns an unsigned constant.
func (v *Value) Uint() uint64 {
	v.check(ClassUint)
	return v.uval
}

// Int returns a signed constant.
func (v *Value) Int() int64 {
	v.check(ClassInt)
	return v.ival
}

// Str returns a string value, inline or from .debug_str.
func (v *Value) Str() string {
	v.check(ClassStr)
	return v.sval
}

// Block returns a block of bytes.
func (v *Value) Block() []byte {
	v.check(ClassBlock)
	return v.block
}

// Flag returns a boolean flag.
func (v *Value) Flag() bool {
	v.check(ClassFlag)
	return v.flag
}

// Ref returns a reference as an absolute .debug_info offset.
func (v *Value) Ref() uint64 {
	v.check(ClassRef)
	return v.uval
}

// AnyUint reads either constant class as unsigned; several attributes
// (DW_AT_high_pc, DW_AT_stmt_list) are encoded with whatever constant
// form the producer picked.
func (v *Value) AnyUint() uint64 {
	switch v.Class {
	case ClassUint:
		return v.uval
	case ClassInt:
		return uint64(v.ival)
	case ClassAddr:
		return v.uval
	}
	v.check(ClassUint)
	return 0
}

// Entry is a Debugging Information Entry: one node of a compilation
// unit's tree. Entries are identified by their byte offset inside
// .debug_info; references between entries are offset-valued and
// resolved on demand through the owning unit's table.
type Entry struct {
	Unit   *Unit
	Offset uint64
	Tag    dwarf.Tag
	Abbrev *Abbrev

	attrs    map[dwarf.Attr]*Value
	Children []*Entry
}

// Val returns the value of the given attribute, or nil.
func (e *Entry) Val(attr dwarf.Attr) *Value {
	return e.attrs[attr]
}

// Name returns the entry's DW_AT_name, or "".
func (e *Entry) Name() string {
	if v := e.Val(dwarf.AttrName); v != nil && v.Class == ClassStr {
		return v.Str()
	}
	return ""
}

// Ref resolves an offset-valued reference attribute to the entry it
// points at, in this unit or a sibling unit of the same DWARF data.
func (e *Entry) Ref(attr dwarf.Attr) *Entry {
	v := e.Val(attr)
	if v == nil || v.Class != ClassRef {
		return nil
	}
	return e.Unit.dw.EntryAt(v.Ref())
}

// PCRange returns the code range covered by a subprogram entry.
// DW_AT_high_pc holds either an absolute address (addr form) or a
// length relative to DW_AT_low_pc (constant forms, read as unsigned).
func (e *Entry) PCRange() (low, high uint64, ok bool) {
	lowAttr := e.Val(dwarf.AttrLowpc)
	highAttr := e.Val(dwarf.AttrHighpc)
	if lowAttr == nil || highAttr == nil || lowAttr.Class != ClassAddr {
		return 0, 0, false
	}
	low = lowAttr.Addr()
	switch highAttr.Class {
	case ClassAddr:
		high = highAttr.Addr()
	case ClassUint, ClassInt:
		high = low + highAttr.AnyUint()
	default:
		return 0, 0, false
	}
	return low, high, true
}
