package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/go-pstack/pstack/pkg/elffile"
)

// Auxiliary vector types consumed from the core's NT_AUXV note.
const (
	_AT_ENTRY        = 9
	_AT_EXECFN       = 31
	_AT_SYSINFO      = 32
	_AT_SYSINFO_EHDR = 33
)

// linuxCoreTimeval mirrors the kernel's timeval in prstatus.
type linuxCoreTimeval struct {
	Sec  int64
	Usec int64
}

type linuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

// linuxPrStatusAMD64 is the layout of an NT_PRSTATUS note on amd64.
type linuxPrStatusAMD64 struct {
	Siginfo                      linuxSiginfo
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime linuxCoreTimeval
	Reg                          AMD64PtraceRegs
	Fpvalid                      int32
}

// linuxPrPsInfo is the layout of an NT_PRPSINFO note.
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

// coreRange maps one range of the target's address space onto a byte
// source.
type coreRange struct {
	vaddr uint64
	size  uint64
	off   uint64
	src   reader.ByteSource
}

// coreMemory serves reads of the dead process's address space from
// the core's PT_LOAD segments, falling back to the executable's file
// image for text that was not dumped.
type coreMemory struct {
	ranges []coreRange
}

func (c *coreMemory) addRange(vaddr, size, off uint64, src reader.ByteSource) {
	if size == 0 {
		return
	}
	c.ranges = append(c.ranges, coreRange{vaddr: vaddr, size: size, off: off, src: src})
}

func (c *coreMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for _, r := range c.ranges {
		if addr >= r.vaddr && addr < r.vaddr+r.size {
			avail := r.vaddr + r.size - addr
			want := uint64(len(buf))
			if want > avail {
				want = avail
			}
			n, err := r.src.ReadAt(buf[:want], int64(r.off+(addr-r.vaddr)))
			if n > 0 {
				return n, nil
			}
			return n, err
		}
	}
	return 0, &ErrMemoryRead{Addr: addr, Size: len(buf)}
}

// OpenCore builds a Target from a core file and the executable that
// produced it.
func OpenCore(corePath, exePath string, options Options) (*Target, error) {
	coreFile, err := os.Open(corePath)
	if err != nil {
		return nil, err
	}
	core, err := elffile.New(coreFile)
	if err != nil {
		coreFile.Close()
		return nil, err
	}
	if core.Header.Type != elf.ET_CORE {
		coreFile.Close()
		return nil, fmt.Errorf("%s is not a core file", corePath)
	}

	exeFile, err := os.Open(exePath)
	if err != nil {
		coreFile.Close()
		return nil, err
	}
	exe, err := elffile.New(exeFile)
	if err != nil {
		coreFile.Close()
		exeFile.Close()
		return nil, err
	}

	mem := &coreMemory{}
	for _, seg := range core.Segments(elf.PT_LOAD) {
		mem.addRange(seg.Vaddr, seg.Filesz, seg.Off, coreFile)
	}
	for _, seg := range exe.Segments(elf.PT_LOAD) {
		// lowest priority: file backed text missing from the dump
		mem.addRange(seg.Vaddr, seg.Filesz, seg.Off, exeFile)
	}

	t := newTarget(mem, options)
	t.closers = append(t.closers, func() { coreFile.Close() }, func() { exeFile.Close() })
	t.entry = exe.Header.Entry

	if err := t.readCoreNotes(core); err != nil {
		t.Close()
		return nil, err
	}

	if err := t.loadModules(exePath, exe); err != nil {
		warnf("loading shared objects: %v", err)
	}
	return t, nil
}

// readCoreNotes extracts threads, the process id and the auxiliary
// vector from the core's note segment.
func (t *Target) readCoreNotes(core *elffile.File) error {
	notes, err := core.Notes()
	if err != nil {
		return err
	}
	for _, note := range notes {
		switch note.Type {
		case elf.NT_PRSTATUS:
			status := new(linuxPrStatusAMD64)
			if err := binary.Read(bytes.NewReader(note.Desc), binary.LittleEndian, status); err != nil {
				return fmt.Errorf("reading NT_PRSTATUS: %v", err)
			}
			regs := status.Reg
			t.Threads = append(t.Threads, &Thread{
				Tid:  int(status.Pid),
				Lwp:  int(status.Pid),
				Regs: &regs,
			})
		case elf.NT_PRPSINFO:
			psinfo := new(linuxPrPsInfo)
			if err := binary.Read(bytes.NewReader(note.Desc), binary.LittleEndian, psinfo); err != nil {
				return fmt.Errorf("reading NT_PRPSINFO: %v", err)
			}
			t.Pid = int(psinfo.Pid)
		case _NT_AUXV:
			t.readAuxv(note.Desc)
		}
	}
	return nil
}

// _NT_AUXV is the note type for a copy of the auxiliary vector.
const _NT_AUXV elf.NType = 0x6

// readAuxv picks the entry point and syscall stub addresses out of
// the auxiliary vector.
func (t *Target) readAuxv(desc []byte) {
	rd := bytes.NewReader(desc)
	for {
		var typ, val uint64
		if err := binary.Read(rd, binary.LittleEndian, &typ); err != nil {
			return
		}
		if err := binary.Read(rd, binary.LittleEndian, &val); err != nil {
			return
		}
		switch typ {
		case _AT_ENTRY:
			t.entry = val
		case _AT_SYSINFO:
			t.sysent = val
		case _AT_SYSINFO_EHDR:
			t.loadVdso(val)
		}
	}
}

// loadVdso maps the kernel supplied vdso image out of the target's
// memory so its symbols and unwind tables resolve like any module.
func (t *Target) loadVdso(addr uint64) {
	const vdsoSize = 2 * 4096
	buf := make([]byte, vdsoSize)
	n, err := t.mem.ReadMemory(buf, addr)
	if n == 0 {
		if err != nil {
			warnf("can't read vdso at %#x: %v", addr, err)
		}
		return
	}
	image, err := elffile.New(reader.NewMemSource("[vdso]", buf[:n]))
	if err != nil {
		return
	}
	t.AddModule("[vdso]", image, addr)
}
