package elffile

import (
	"debug/elf"

	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// Sym is one symbol table entry.
type Sym struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Type returns the symbol's type nibble.
func (s *Sym) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Binding returns the symbol's binding nibble.
func (s *Sym) Binding() elf.SymBind { return elf.ST_BIND(s.Info) }

const symSize = 24

// symbolSections lists the sections searched for symbols, in order.
var symbolSections = []string{".dynsym", ".symtab"}

func (f *File) readSym(symtab *Section, idx uint64) (Sym, error) {
	var sym Sym
	r := reader.New(f.src, symtab.Off+idx*symSize, symSize)
	nameOff, err := r.Uint32()
	if err != nil {
		return sym, err
	}
	if sym.Info, err = r.Uint8(); err != nil {
		return sym, err
	}
	if sym.Other, err = r.Uint8(); err != nil {
		return sym, err
	}
	if sym.Shndx, err = r.Uint16(); err != nil {
		return sym, err
	}
	if sym.Value, err = r.Uint(8); err != nil {
		return sym, err
	}
	if sym.Size, err = r.Uint(8); err != nil {
		return sym, err
	}
	if int(symtab.Link) < len(f.Sections) && nameOff != 0 {
		strtab := f.Sections[symtab.Link]
		if sym.Name, err = f.readString(strtab.Off + uint64(nameOff)); err != nil {
			return sym, err
		}
	}
	return sym, nil
}

// FindSymbolByName locates a named symbol. The .hash acceleration
// table is used when present, otherwise .dynsym and .symtab are
// searched linearly, in that order.
func (f *File) FindSymbolByName(name string) (Sym, bool) {
	if h := f.symHash(); h != nil {
		if sym, ok := h.findSymbol(name); ok {
			return sym, true
		}
	}
	for _, sectionName := range symbolSections {
		symtab := f.Section(sectionName)
		if symtab == nil || symtab.Entsize == 0 {
			continue
		}
		if sym, ok := f.linearSymSearch(symtab, name); ok {
			return sym, true
		}
	}
	return Sym{}, false
}

func (f *File) linearSymSearch(symtab *Section, name string) (Sym, bool) {
	count := symtab.Size / symSize
	for i := uint64(0); i < count; i++ {
		sym, err := f.readSym(symtab, i)
		if err != nil {
			return Sym{}, false
		}
		if sym.Name == name {
			return sym, true
		}
	}
	return Sym{}, false
}

// FindSymbolByAddress finds the symbol covering addr. A symbol with a
// size covers addr if value ≤ addr < value+size. When no sized symbol
// covers addr the symbol with the greatest value ≤ addr is accepted;
// this matches dynamic stubs, which have size zero. Symbols owned by
// non-allocated sections are skipped.
func (f *File) FindSymbolByAddress(addr uint64, typ elf.SymType) (Sym, bool) {
	var fallback Sym
	var haveFallback bool
	for _, sectionName := range symbolSections {
		symtab := f.Section(sectionName)
		if symtab == nil {
			continue
		}
		count := symtab.Size / symSize
		for i := uint64(0); i < count; i++ {
			candidate, err := f.readSym(symtab, i)
			if err != nil {
				break
			}
			if int(candidate.Shndx) >= len(f.Sections) {
				continue
			}
			if f.Sections[candidate.Shndx].Flags&elf.SHF_ALLOC == 0 {
				continue
			}
			if typ != elf.STT_NOTYPE && candidate.Type() != typ {
				continue
			}
			if candidate.Value > addr {
				continue
			}
			if candidate.Size > 0 {
				if candidate.Value+candidate.Size > addr {
					return candidate, true
				}
			} else if !haveFallback || fallback.Value < candidate.Value {
				fallback = candidate
				haveFallback = true
			}
		}
	}
	return fallback, haveFallback
}

// elfHash is the standard System V ABI symbol hash.
func elfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &= ^g
	}
	return h
}

type symHash struct {
	f       *File
	symtab  *Section
	buckets []uint32
	chains  []uint32
}

// symHash lazily reads the .hash section. Parsed at most once; a
// malformed table disables acceleration rather than failing lookups.
func (f *File) symHash() *symHash {
	if f.hashParsed {
		return f.hash
	}
	f.hashParsed = true

	hashSection := f.Section(".hash")
	if hashSection == nil || int(hashSection.Link) >= len(f.Sections) {
		return nil
	}
	r := f.SectionReader(hashSection)
	nbucket, err := r.Uint32()
	if err != nil {
		return nil
	}
	nchain, err := r.Uint32()
	if err != nil {
		return nil
	}
	h := &symHash{f: f, symtab: f.Sections[hashSection.Link]}
	h.buckets = make([]uint32, nbucket)
	for i := range h.buckets {
		if h.buckets[i], err = r.Uint32(); err != nil {
			return nil
		}
	}
	h.chains = make([]uint32, nchain)
	for i := range h.chains {
		if h.chains[i], err = r.Uint32(); err != nil {
			return nil
		}
	}
	f.hash = h
	return h
}

func (h *symHash) findSymbol(name string) (Sym, bool) {
	if len(h.buckets) == 0 {
		return Sym{}, false
	}
	bucket := elfHash(name) % uint32(len(h.buckets))
	for i := h.buckets[bucket]; i != 0; {
		sym, err := h.f.readSym(h.symtab, uint64(i))
		if err != nil {
			return Sym{}, false
		}
		if sym.Name == name {
			return sym, true
		}
		if int(i) >= len(h.chains) {
			return Sym{}, false
		}
		i = h.chains[i]
	}
	return Sym{}, false
}
