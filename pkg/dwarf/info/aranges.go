package info

import (
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// ARange is one contiguous address range of a compilation unit.
type ARange struct {
	Start  uint64
	Length uint64
}

// ARangeSet attributes a list of address ranges to the compilation
// unit at DebugInfoOffset.
type ARangeSet struct {
	Version         uint16
	DebugInfoOffset uint64
	AddrSize        uint8
	SegDescSize     uint8
	Ranges          []ARange
}

// Cover reports whether any range in the set contains addr.
func (s *ARangeSet) Cover(addr uint64) bool {
	for _, r := range s.Ranges {
		if r.Start <= addr && addr < r.Start+r.Length {
			return true
		}
	}
	return false
}

// Ranges decodes .debug_aranges, once. A missing or undecodable
// section produces an empty list.
func (d *Data) Ranges() []*ARangeSet {
	if d.rangesDone {
		return d.rangeSets
	}
	d.rangesDone = true

	if d.aranges == nil {
		return nil
	}
	r := reader.New(d.elf.Source(), d.aranges.Off, d.aranges.Size)
	for !r.AtEnd() {
		set, err := parseARangeSet(r)
		if err != nil {
			d.logf("can't decode .debug_aranges for %s: %v", d.elf.Name(), err)
			break
		}
		if set == nil {
			break
		}
		d.rangeSets = append(d.rangeSets, set)
	}
	return d.rangeSets
}

func parseARangeSet(r *reader.Reader) (*ARangeSet, error) {
	start := r.Offset()

	length, _, err := r.Length()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	next := r.Offset() + length

	set := new(ARangeSet)
	if set.Version, err = r.Uint16(); err != nil {
		return nil, err
	}
	infoOffset, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	set.DebugInfoOffset = uint64(infoOffset)
	if set.AddrSize, err = r.Uint8(); err != nil {
		return nil, err
	}
	if set.SegDescSize, err = r.Uint8(); err != nil {
		return nil, err
	}

	// The first tuple is aligned to twice the address size from the
	// start of the set; the header is padded to reach it.
	tupleLen := uint64(set.AddrSize) * 2
	if used := (r.Offset() - start) % tupleLen; used != 0 {
		r.Skip(tupleLen - used)
	}

	for r.Offset() < next {
		rangeStart, err := r.Uint(int(set.AddrSize))
		if err != nil {
			return nil, err
		}
		rangeLen, err := r.Uint(int(set.AddrSize))
		if err != nil {
			return nil, err
		}
		if rangeStart == 0 && rangeLen == 0 {
			break
		}
		set.Ranges = append(set.Ranges, ARange{Start: rangeStart, Length: rangeLen})
	}

	r.SetOffset(next)
	return set, nil
}
