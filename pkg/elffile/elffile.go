// Package elffile parses ELF object images through the byte source
// abstraction of pkg/dwarf/reader, so the same decoder serves files on
// disk, memory mapped images (the vdso) and core file segments.
//
// Only little-endian ELF64 images are supported, which covers every
// target this tool runs on.
package elffile

import (
	"debug/elf"
	"fmt"

	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// FileHeader is the decoded ELF header.
type FileHeader struct {
	Ident     [16]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Prog is a decoded program header.
type Prog struct {
	Type   elf.ProgType
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Section is a decoded section header plus its resolved name.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// File is a parsed ELF image. The headers are immutable once
// constructed; the symbol hash index and the debug companion are
// initialized lazily, at most once.
type File struct {
	src      reader.ByteSource
	Header   FileHeader
	Progs    []*Prog
	Sections []*Section

	byName map[string]*Section

	hash       *symHash
	hashParsed bool

	companion     *File
	companionDone bool
}

// New parses the ELF image served by src.
func New(src reader.ByteSource) (*File, error) {
	f := &File{src: src, byName: make(map[string]*Section)}
	if err := f.parseHeader(); err != nil {
		return nil, err
	}
	if err := f.parseProgHeaders(); err != nil {
		return nil, err
	}
	if err := f.parseSectionHeaders(); err != nil {
		return nil, err
	}
	return f, nil
}

// Source returns the byte source backing the image.
func (f *File) Source() reader.ByteSource { return f.src }

// Name identifies the image for diagnostics.
func (f *File) Name() string { return f.src.Name() }

func (f *File) parseHeader() error {
	r := reader.New(f.src, 0, 64)
	ident, err := r.Bytes(16)
	if err != nil {
		return &ErrNotElf{Source: f.Name()}
	}
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return &ErrNotElf{Source: f.Name()}
	}
	copy(f.Header.Ident[:], ident)
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return &BadHeaderError{Source: f.Name(), Msg: "not a 64-bit image"}
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return &BadHeaderError{Source: f.Name(), Msg: "not little-endian"}
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return &BadHeaderError{Source: f.Name(), Msg: "unknown ELF version"}
	}

	var v16 uint16
	var v32 uint32
	if v16, err = r.Uint16(); err != nil {
		return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
	}
	f.Header.Type = elf.Type(v16)
	if v16, err = r.Uint16(); err != nil {
		return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
	}
	f.Header.Machine = elf.Machine(v16)
	if v32, err = r.Uint32(); err != nil {
		return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
	}
	f.Header.Version = v32
	for _, p := range []*uint64{&f.Header.Entry, &f.Header.Phoff, &f.Header.Shoff} {
		if *p, err = r.Uint(8); err != nil {
			return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
		}
	}
	if f.Header.Flags, err = r.Uint32(); err != nil {
		return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
	}
	for _, p := range []*uint16{&f.Header.Ehsize, &f.Header.Phentsize, &f.Header.Phnum, &f.Header.Shentsize, &f.Header.Shnum, &f.Header.Shstrndx} {
		if *p, err = r.Uint16(); err != nil {
			return &BadHeaderError{Source: f.Name(), Msg: err.Error()}
		}
	}
	return nil
}

func (f *File) parseProgHeaders() error {
	off := f.Header.Phoff
	for i := 0; i < int(f.Header.Phnum); i++ {
		r := reader.New(f.src, off, uint64(f.Header.Phentsize))
		p := new(Prog)
		var err error
		var v32 uint32
		if v32, err = r.Uint32(); err != nil {
			return &BadHeaderError{Source: f.Name(), Msg: fmt.Sprintf("program header %d: %v", i, err)}
		}
		p.Type = elf.ProgType(v32)
		if p.Flags, err = r.Uint32(); err != nil {
			return &BadHeaderError{Source: f.Name(), Msg: fmt.Sprintf("program header %d: %v", i, err)}
		}
		for _, fld := range []*uint64{&p.Off, &p.Vaddr, &p.Paddr, &p.Filesz, &p.Memsz, &p.Align} {
			if *fld, err = r.Uint(8); err != nil {
				return &BadHeaderError{Source: f.Name(), Msg: fmt.Sprintf("program header %d: %v", i, err)}
			}
		}
		f.Progs = append(f.Progs, p)
		off += uint64(f.Header.Phentsize)
	}
	return nil
}

func (f *File) parseSectionHeaders() error {
	off := f.Header.Shoff
	nameOffsets := make([]uint32, 0, f.Header.Shnum)
	for i := 0; i < int(f.Header.Shnum); i++ {
		r := reader.New(f.src, off, uint64(f.Header.Shentsize))
		s := new(Section)
		var err error
		var nameOff, v32 uint32
		if nameOff, err = r.Uint32(); err != nil {
			return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
		}
		if v32, err = r.Uint32(); err != nil {
			return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
		}
		s.Type = elf.SectionType(v32)
		var flags uint64
		if flags, err = r.Uint(8); err != nil {
			return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
		}
		s.Flags = elf.SectionFlag(flags)
		for _, fld := range []*uint64{&s.Addr, &s.Off, &s.Size} {
			if *fld, err = r.Uint(8); err != nil {
				return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
			}
		}
		if s.Link, err = r.Uint32(); err != nil {
			return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
		}
		if s.Info, err = r.Uint32(); err != nil {
			return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
		}
		for _, fld := range []*uint64{&s.Addralign, &s.Entsize} {
			if *fld, err = r.Uint(8); err != nil {
				return &MalformedSectionError{Source: f.Name(), Section: fmt.Sprint(i), Msg: err.Error()}
			}
		}
		f.Sections = append(f.Sections, s)
		nameOffsets = append(nameOffsets, nameOff)
		off += uint64(f.Header.Shentsize)
	}

	// Resolve section names from the section name string table.
	if f.Header.Shstrndx != uint16(elf.SHN_UNDEF) && int(f.Header.Shstrndx) < len(f.Sections) {
		strtab := f.Sections[f.Header.Shstrndx]
		for i, s := range f.Sections {
			name, err := f.readString(strtab.Off + uint64(nameOffsets[i]))
			if err != nil {
				return &MalformedSectionError{Source: f.Name(), Section: ".shstrtab", Msg: err.Error()}
			}
			s.Name = name
			f.byName[name] = s
		}
	}
	return nil
}

// Section returns the section header with the given name, or nil.
func (f *File) Section(name string) *Section {
	return f.byName[name]
}

// Segments returns the program headers with the given type.
func (f *File) Segments(typ elf.ProgType) []*Prog {
	var progs []*Prog
	for _, p := range f.Progs {
		if p.Type == typ {
			progs = append(progs, p)
		}
	}
	return progs
}

// SectionReader returns a Reader over the section's byte range.
func (f *File) SectionReader(s *Section) *reader.Reader {
	return reader.New(f.src, s.Off, s.Size)
}

// SectionData reads a section's bytes into memory.
func (f *File) SectionData(s *Section) ([]byte, error) {
	data := make([]byte, s.Size)
	if n, _ := f.src.ReadAt(data, int64(s.Off)); uint64(n) < s.Size {
		return nil, &MalformedSectionError{Source: f.Name(), Section: s.Name, Msg: "truncated"}
	}
	return data, nil
}

// readString reads a NUL terminated string at an absolute offset.
func (f *File) readString(off uint64) (string, error) {
	r := reader.New(f.src, off, maxStringLen)
	return r.ReadString()
}

const maxStringLen = 4096
