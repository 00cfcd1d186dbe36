package elffile

import (
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-pstack/pstack/pkg/dwarf/reader"
)

// _NT_GNU_BUILD_ID is the note type of the GNU build-id note; the
// value collides with NT_PRPSINFO but the owner name disambiguates.
const _NT_GNU_BUILD_ID elf.NType = 3

// Note is one entry from a PT_NOTE segment or SHT_NOTE section.
type Note struct {
	Name string
	Type elf.NType
	Desc []byte
}

// Notes returns every note in the image's note segments. Images
// without program headers (separate debug files) fall back to note
// sections.
func (f *File) Notes() ([]Note, error) {
	var notes []Note
	segments := f.Segments(elf.PT_NOTE)
	if len(segments) > 0 {
		for _, seg := range segments {
			segNotes, err := parseNotes(reader.New(f.src, seg.Off, seg.Filesz))
			if err != nil {
				return nil, err
			}
			notes = append(notes, segNotes...)
		}
		return notes, nil
	}
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		sectionNotes, err := parseNotes(f.SectionReader(s))
		if err != nil {
			return nil, err
		}
		notes = append(notes, sectionNotes...)
	}
	return notes, nil
}

// parseNotes decodes notes laid out as described in the SysV ABI:
// namesz, descsz, type, then name and desc each padded to 4 bytes.
func parseNotes(r *reader.Reader) ([]Note, error) {
	var notes []Note
	for !r.AtEnd() {
		namesz, err := r.Uint32()
		if err != nil {
			return notes, err
		}
		descsz, err := r.Uint32()
		if err != nil {
			return notes, err
		}
		typ, err := r.Uint32()
		if err != nil {
			return notes, err
		}
		name, err := r.Bytes(int(namesz))
		if err != nil {
			return notes, err
		}
		r.Skip(pad4(uint64(namesz)))
		desc, err := r.Bytes(int(descsz))
		if err != nil {
			return notes, err
		}
		r.Skip(pad4(uint64(descsz)))
		for len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		notes = append(notes, Note{Name: string(name), Type: elf.NType(typ), Desc: desc})
	}
	return notes, nil
}

func pad4(n uint64) uint64 {
	return (4 - n%4) % 4
}

// BuildID returns the GNU build-id note as a hex string, or "".
func (f *File) BuildID() string {
	notes, err := f.Notes()
	if err != nil {
		return ""
	}
	for _, n := range notes {
		if n.Name == "GNU" && n.Type == _NT_GNU_BUILD_ID {
			return hex.EncodeToString(n.Desc)
		}
	}
	return ""
}

// GnuDebugLink returns the base name and CRC recorded in the
// .gnu_debuglink section.
func (f *File) GnuDebugLink() (name string, crc uint32, ok bool) {
	s := f.Section(".gnu_debuglink")
	if s == nil {
		return "", 0, false
	}
	r := f.SectionReader(s)
	name, err := r.ReadString()
	if err != nil || name == "" {
		return "", 0, false
	}
	// CRC is aligned to the next 4-byte boundary after the name.
	r.Skip(pad4(uint64(len(name) + 1)))
	crc, err = r.Uint32()
	if err != nil {
		return "", 0, false
	}
	return name, crc, true
}

// DebugCompanion resolves the separate debug info file for the image,
// looked up by build-id and then by .gnu_debuglink in the given debug
// directories. The result is cached; failure to find a companion is
// not an error, it simply returns nil.
func (f *File) DebugCompanion(debugDirs []string) *File {
	if f.companionDone {
		return f.companion
	}
	f.companionDone = true

	var candidates []string
	if id := f.BuildID(); len(id) > 2 {
		for _, dir := range debugDirs {
			candidates = append(candidates, filepath.Join(dir, ".build-id", id[:2], id[2:]+".debug"))
		}
	}
	if name, _, ok := f.GnuDebugLink(); ok {
		dir := filepath.Dir(f.Name())
		candidates = append(candidates, filepath.Join(dir, name))
		candidates = append(candidates, filepath.Join(dir, ".debug", name))
		for _, d := range debugDirs {
			candidates = append(candidates, filepath.Join(d, dir, name))
		}
	}

	for _, path := range candidates {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		companion, err := New(file)
		if err != nil {
			file.Close()
			continue
		}
		f.companion = companion
		break
	}
	return f.companion
}

// InterpreterName reads the PT_INTERP path, if any.
func (f *File) InterpreterName() string {
	for _, seg := range f.Segments(elf.PT_INTERP) {
		r := reader.New(f.src, seg.Off, seg.Filesz)
		if s, err := r.ReadString(); err == nil {
			return s
		}
	}
	return ""
}

// String implements fmt.Stringer for diagnostics.
func (f *File) String() string {
	return fmt.Sprintf("%s (%s)", f.Name(), f.Header.Type)
}
