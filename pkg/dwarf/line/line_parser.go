// Package line implements the DWARF line number program. Running the
// program produces the line matrix: the ordered table mapping machine
// addresses to source file positions for one compilation unit.
package line

import (
	"bytes"
	"encoding/binary"
	"path"

	"github.com/go-pstack/pstack/pkg/dwarf/leb128"
	"github.com/go-pstack/pstack/pkg/dwarf/util"
)

// DebugLinePrologue is the header of one .debug_line program.
type DebugLinePrologue struct {
	UnitLength     uint32
	Version        uint16
	Length         uint32
	MinInstrLength uint8
	InitialIsStmt  uint8
	LineBase       int8
	LineRange      uint8
	OpcodeBase     uint8
	StdOpLengths   []uint8
}

// DebugLineInfo is one compilation unit's line program.
type DebugLineInfo struct {
	Prologue    *DebugLinePrologue
	IncludeDirs []string
	FileNames   []*FileEntry

	Instructions []byte

	Logf func(string, ...interface{})

	// staticBase is the address at which the module is loaded, 0 for non-PIEs.
	staticBase uint64
	ptrSize    int

	matrix []LineState
	ran    bool
}

// FileEntry is an entry in the file name table.
type FileEntry struct {
	Path        string
	DirIdx      uint64
	LastModTime uint64
	Length      uint64
}

// Parse decodes a single debug_line program from buf. Compdir is the
// DW_AT_comp_dir attribute of the associated compilation unit.
func Parse(compdir string, buf *bytes.Buffer, logfn func(string, ...interface{}), staticBase uint64, ptrSize int) *DebugLineInfo {
	dbl := new(DebugLineInfo)
	dbl.Logf = logfn
	if logfn == nil {
		dbl.Logf = func(string, ...interface{}) {}
	}
	dbl.staticBase = staticBase
	dbl.ptrSize = ptrSize
	dbl.IncludeDirs = append(dbl.IncludeDirs, compdir)

	if !parsePrologue(dbl, buf) {
		return nil
	}
	if !parseIncludeDirs(dbl, buf) {
		return nil
	}
	if !parseFileEntries(dbl, buf) {
		return nil
	}

	// The program body runs from the end of the prologue to the end of
	// the unit: UnitLength excludes its own four bytes, Length excludes
	// the version and prologue length fields (2 + 4 bytes).
	dbl.Instructions = buf.Next(int(dbl.Prologue.UnitLength - dbl.Prologue.Length - 6))

	return dbl
}

func parsePrologue(dbl *DebugLineInfo, buf *bytes.Buffer) bool {
	p := new(DebugLinePrologue)

	if buf.Len() < 15 {
		dbl.Logf("truncated line program prologue")
		return false
	}

	p.UnitLength = binary.LittleEndian.Uint32(buf.Next(4))
	p.Version = binary.LittleEndian.Uint16(buf.Next(2))
	p.Length = binary.LittleEndian.Uint32(buf.Next(4))
	p.MinInstrLength = buf.Next(1)[0]
	if p.Version >= 4 {
		buf.Next(1) // maximum_operations_per_instruction
	}
	p.InitialIsStmt = buf.Next(1)[0]
	p.LineBase = int8(buf.Next(1)[0])
	p.LineRange = buf.Next(1)[0]
	p.OpcodeBase = buf.Next(1)[0]

	if p.LineRange == 0 || p.OpcodeBase == 0 {
		dbl.Logf("invalid line program prologue")
		return false
	}

	p.StdOpLengths = make([]uint8, p.OpcodeBase-1)
	if err := binary.Read(buf, binary.LittleEndian, &p.StdOpLengths); err != nil {
		dbl.Logf("error reading standard opcode lengths: %v", err)
		return false
	}

	dbl.Prologue = p
	return true
}

func parseIncludeDirs(info *DebugLineInfo, buf *bytes.Buffer) bool {
	for {
		str, err := util.ParseString(buf)
		if err != nil {
			info.Logf("error reading include directory: %v", err)
			return false
		}
		if str == "" {
			break
		}

		info.IncludeDirs = append(info.IncludeDirs, str)
	}
	return true
}

func parseFileEntries(info *DebugLineInfo, buf *bytes.Buffer) bool {
	for {
		entry := readFileEntry(info, buf, true)
		if entry == nil {
			return false
		}
		if entry.Path == "" {
			break
		}

		info.FileNames = append(info.FileNames, entry)
	}
	return true
}

func readFileEntry(info *DebugLineInfo, buf *bytes.Buffer, exitOnEmptyPath bool) *FileEntry {
	entry := new(FileEntry)

	var err error
	entry.Path, err = util.ParseString(buf)
	if err != nil {
		info.Logf("error reading file entry: %v", err)
		return nil
	}
	if entry.Path == "" && exitOnEmptyPath {
		return entry
	}

	entry.DirIdx, _ = leb128.DecodeUnsigned(buf)
	entry.LastModTime, _ = leb128.DecodeUnsigned(buf)
	entry.Length, _ = leb128.DecodeUnsigned(buf)
	if !path.IsAbs(entry.Path) {
		if entry.DirIdx < uint64(len(info.IncludeDirs)) {
			entry.Path = path.Join(info.IncludeDirs[entry.DirIdx], entry.Path)
		}
	}

	return entry
}
