package info

import (
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// Pubname associates a global name with the .debug_info offset of its
// entry.
type Pubname struct {
	Offset uint64
	Name   string
}

// PubnameUnit is the pubnames table of one compilation unit.
type PubnameUnit struct {
	Version    uint16
	InfoOffset uint64
	InfoLength uint64
	Names      []Pubname
}

// Pubnames decodes .debug_pubnames, once.
func (d *Data) Pubnames() []*PubnameUnit {
	if d.pubnamesDone {
		return d.pubnameUnits
	}
	d.pubnamesDone = true

	if d.pubnames == nil {
		return nil
	}
	r := reader.New(d.elf.Source(), d.pubnames.Off, d.pubnames.Size)
	for !r.AtEnd() {
		unit, err := parsePubnameUnit(r)
		if err != nil {
			d.logf("can't decode .debug_pubnames for %s: %v", d.elf.Name(), err)
			break
		}
		if unit == nil {
			break
		}
		d.pubnameUnits = append(d.pubnameUnits, unit)
	}
	return d.pubnameUnits
}

func parsePubnameUnit(r *reader.Reader) (*PubnameUnit, error) {
	length, _, err := r.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	next := r.Offset() + length

	unit := new(PubnameUnit)
	if unit.Version, err = r.Uint16(); err != nil {
		return nil, err
	}
	infoOffset, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	unit.InfoOffset = uint64(infoOffset)
	infoLength, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	unit.InfoLength = uint64(infoLength)

	for r.Offset() < next {
		dieOffset, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if dieOffset == 0 {
			break
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		unit.Names = append(unit.Names, Pubname{Offset: uint64(dieOffset), Name: name})
	}

	r.SetOffset(next)
	return unit, nil
}

// LookupPubname finds the .debug_info offset of a global name.
func (d *Data) LookupPubname(name string) (uint64, bool) {
	for _, unit := range d.Pubnames() {
		for _, pn := range unit.Names {
			if pn.Name == name {
				return unit.InfoOffset + pn.Offset, true
			}
		}
	}
	return 0, false
}
