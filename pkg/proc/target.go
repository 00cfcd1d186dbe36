package proc

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/go-pstack/pstack/pkg/dwarf/info"
	"github.com/go-pstack/pstack/pkg/dwarf/reader"
	"github.com/go-pstack/pstack/pkg/elffile"
	"github.com/go-pstack/pstack/pkg/logflags"
)

// Target is one process being inspected: its module registry, a
// reader over its address space and the per-module DWARF caches. A
// Target belongs to a single unwind session; nothing in it is safe
// for concurrent use.
type Target struct {
	Pid     int
	Threads []*Thread

	exec    *Module
	modules []*Module
	mem     *cacheMemory

	// entry is the executable's entry point in the target's address
	// space, used to compute the executable's relocation.
	entry uint64
	// sysent is the AT_SYSINFO syscall entry stub, if the auxv
	// carried one.
	sysent uint64

	options Options

	closers []func()
}

// Thread is one thread of the target with its stopped register
// state.
type Thread struct {
	Tid  int
	Lwp  int
	Type int
	Regs *AMD64PtraceRegs
}

func newTarget(mem MemoryReader, options Options) *Target {
	options.normalize()
	return &Target{mem: newCacheMemory(mem), options: options}
}

// Memory returns the target's address space reader.
func (t *Target) Memory() MemoryReader { return t.mem }

// Options returns the dump options the target was opened with.
func (t *Target) Options() *Options { return &t.options }

// Close releases process attachments and open files.
func (t *Target) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
	t.closers = nil
}

// AddModule registers an ELF object loaded at the given relocation.
func (t *Target) AddModule(path string, file *elffile.File, reloc uint64) *Module {
	m := &Module{Path: path, File: file, Reloc: reloc}
	t.modules = append(t.modules, m)
	logflags.UnwindLogger().Debugf("object %s loaded at reloc %#x", path, reloc)
	return m
}

// FindModule returns the module whose PT_LOAD segments cover the
// process address addr.
func (t *Target) FindModule(addr uint64) *Module {
	for _, m := range t.modules {
		if m.Cover(addr) {
			return m
		}
	}
	return nil
}

// Modules returns the registered modules.
func (t *Target) Modules() []*Module { return t.modules }

// dwarfLogf adapts the recoverable-error log stream of the DWARF
// decoders.
func dwarfLogf(format string, args ...interface{}) {
	logflags.DwarfLogger().Debugf(format, args...)
}

// DebugData returns the symbolication DWARF for a module.
func (t *Target) DebugData(m *Module) *info.Data {
	return m.debugData(t.options.DebugDirs, dwarfLogf)
}

// FrameData returns the unwind DWARF for a module.
func (t *Target) FrameData(m *Module) *info.Data {
	return m.dwarfData(dwarfLogf)
}

// FindNamedSymbol resolves objectName!symbolName across the loaded
// modules, returning the symbol's address in the target's address
// space. An empty objectName searches every module.
func (t *Target) FindNamedSymbol(objectName, symbolName string) (uint64, error) {
	for _, m := range t.modules {
		if objectName != "" && baseName(m.Path) != objectName {
			continue
		}
		if sym, ok := m.File.FindSymbolByName(symbolName); ok {
			return sym.Value + m.Reloc, nil
		}
		if objectName != "" {
			break
		}
	}
	if objectName != "" {
		return 0, fmt.Errorf("symbol %s not found in %s", symbolName, objectName)
	}
	return 0, fmt.Errorf("symbol %s not found", symbolName)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// loadModules discovers the executable and every shared object. The
// dynamic linker publishes its link map through the r_debug
// structure; a process without one is static.
func (t *Target) loadModules(execPath string, execFile *elffile.File) error {
	reloc := t.entry - execFile.Header.Entry

	rdebugAddr, err := t.findRDebugAddr(execFile, reloc)
	if err != nil {
		logflags.UnwindLogger().Debugf("no dynamic section: %v", err)
	}
	if rdebugAddr == 0 || rdebugAddr == ^uint64(0) {
		// static executable
		t.exec = t.AddModule(execPath, execFile, reloc)
		return nil
	}
	return t.loadSharedObjects(execPath, execFile, rdebugAddr)
}

// findRDebugAddr locates DT_DEBUG in the process image of the
// dynamic section. The executable file holds the unrelocated table;
// the value is read back from process memory because the linker
// fills it in at runtime.
func (t *Target) findRDebugAddr(execFile *elffile.File, reloc uint64) (uint64, error) {
	const (
		dtDebug   = 21
		dynEntLen = 16
	)
	for _, seg := range execFile.Segments(elf.PT_DYNAMIC) {
		for dynOff := uint64(0); dynOff < seg.Filesz; dynOff += dynEntLen {
			r := reader.New(execFile.Source(), seg.Off+dynOff, dynEntLen)
			tag, err := r.Uint(8)
			if err != nil {
				return 0, err
			}
			if tag != dtDebug {
				continue
			}
			// read the live value from the process address space
			val, err := readUintRaw(t.mem, seg.Vaddr+dynOff+8+reloc)
			if err != nil {
				return 0, err
			}
			return val, nil
		}
	}
	return 0, nil
}

// loadSharedObjects walks the dynamic linker's link_map chain.
// struct r_debug: int r_version; struct link_map *r_map; ...
// struct link_map: Elf_Addr l_addr; char *l_name; Elf_Dyn *l_ld;
// struct link_map *l_next, *l_prev.
func (t *Target) loadSharedObjects(execPath string, execFile *elffile.File, rdebugAddr uint64) error {
	logger := logflags.UnwindLogger()

	rmap, err := readUintRaw(t.mem, rdebugAddr+8)
	if err != nil {
		return err
	}

	first := true
	for mapAddr := rmap; mapAddr != 0; {
		lAddr, err := readUintRaw(t.mem, mapAddr)
		if err != nil {
			return err
		}
		lName, err := readUintRaw(t.mem, mapAddr+8)
		if err != nil {
			return err
		}
		lNext, err := readUintRaw(t.mem, mapAddr+24)
		if err != nil {
			return err
		}

		if first {
			// the first link map entry is the executable itself
			first = false
			t.exec = t.AddModule(execPath, execFile, lAddr)
			mapAddr = lNext
			continue
		}

		var path string
		if lName != 0 {
			path, _ = readString(t.mem, lName)
		}
		if path == "" {
			// the dynamic linker itself shows up with an empty name
			path = execFile.InterpreterName()
		}
		startPath := path
		path = t.options.replacePath(path)
		if path != startPath {
			logger.Debugf("replaced %s with %s", startPath, path)
		}

		if path != "" {
			if err := t.loadModuleFile(path, lAddr); err != nil {
				warnf("can't load text for '%s' at %#x: %v", path, lAddr, err)
			}
		} else {
			warnf("no name for object loaded at %#x", lAddr)
		}
		mapAddr = lNext
	}
	if t.exec == nil {
		t.exec = t.AddModule(execPath, execFile, 0)
	}
	return nil
}

func (t *Target) loadModuleFile(path string, reloc uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	image, err := elffile.New(f)
	if err != nil {
		f.Close()
		return err
	}
	t.closers = append(t.closers, func() { f.Close() })
	t.AddModule(path, image, reloc)
	return nil
}

// warnf writes a user visible warning to the diagnostics stream.
func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
