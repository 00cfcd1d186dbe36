package proc

import (
	"debug/elf"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-pstack/pstack/pkg/dwarf/info"
)

// frameSymbols is the resolved annotation of one frame.
type frameSymbols struct {
	name      string
	offset    uint64
	file      string
	signal    bool
	hasSource bool
	sources   []info.SourceLine
}

// symbolize names a frame: the subprogram DIE wins, the symbol table
// is the fallback. All lookups use the address of the call itself,
// one byte before the return address.
func (t *Target) symbolize(f *Stackframe) frameSymbols {
	var out frameSymbols

	if t.sysent != 0 && f.IP == t.sysent {
		out.name = "(syscall)"
		return out
	}
	if f.Module == nil {
		out.name = fmt.Sprintf("unknown@%#x", f.IP)
		return out
	}

	out.file = f.Module.Path
	if out.file == "" {
		out.file = f.Module.File.Name()
	}
	objIP := f.Module.ObjAddr(f.IP)
	if f.FDE != nil && f.FDE.CIE.IsSignalHandler {
		out.signal = true
	}

	d := t.DebugData(f.Module)
	if fn := d.FindFunction(objIP - 1); fn != nil {
		out.name = fn.Name()
		if low, _, ok := fn.PCRange(); ok {
			out.offset = objIP - low
		}
	}
	if out.name == "" {
		if sym, ok := f.Module.File.FindSymbolByAddress(objIP-1, elf.STT_FUNC); ok && sym.Name != "" {
			out.name = sym.Name
			out.offset = objIP - sym.Value
		}
	}
	if out.name == "" {
		out.name = fmt.Sprintf("unknown@%#x", f.IP)
	}

	if !t.options.NoSrc {
		out.sources = d.SourceFromAddr(objIP - 1)
		out.hasSource = len(out.sources) > 0
	}
	return out
}

// DumpStackText writes one thread's stack in the text format: a
// thread header line, then one indented line per frame.
func (t *Target) DumpStackText(w io.Writer, th *Thread, frames []Stackframe) {
	fmt.Fprintf(w, "thread: %d, lwp: %d, type: %d\n", th.Tid, th.Lwp, th.Type)
	for i := range frames {
		f := &frames[i]
		fmt.Fprint(w, "    ")
		if t.options.Verbose {
			fmt.Fprintf(w, "[ip=%016x, cfa=%016x] ", f.IP, f.CFA)
		}

		syms := t.symbolize(f)
		sigmsg := ""
		if syms.signal {
			sigmsg = "[signal handler]"
		}

		fmt.Fprintf(w, "%s%s+%d(", syms.name, sigmsg, syms.offset)
		if t.options.DoArgs && f.Module != nil {
			t.printArgs(w, f)
		}
		fmt.Fprint(w, ")")

		if syms.file != "" {
			fmt.Fprintf(w, " in %s", syms.file)
		}
		for _, src := range syms.sources {
			fmt.Fprintf(w, " at %s:%d", src.File.Path, src.Line)
		}
		fmt.Fprintln(w)
	}
}

// jsonFrame mirrors the wire format of one frame.
type jsonFrame struct {
	IP       uint64 `json:"ip"`
	Function string `json:"function,omitempty"`
	Off      uint64 `json:"off"`
	File     string `json:"file,omitempty"`
	Source   string `json:"source,omitempty"`
	Line     int    `json:"line,omitempty"`
}

type jsonThread struct {
	TiTid  int         `json:"ti_tid"`
	TiType int         `json:"ti_type"`
	Stack  []jsonFrame `json:"stack"`
}

// DumpStackJSON writes one thread's stack as a JSON object.
func (t *Target) DumpStackJSON(w io.Writer, th *Thread, frames []Stackframe) error {
	out := jsonThread{TiTid: th.Tid, TiType: th.Type, Stack: make([]jsonFrame, 0, len(frames))}
	for i := range frames {
		f := &frames[i]
		syms := t.symbolize(f)
		jf := jsonFrame{IP: f.IP, Function: syms.name, Off: syms.offset, File: syms.file}
		if len(syms.sources) > 0 {
			jf.Source = syms.sources[0].File.Path
			jf.Line = syms.sources[0].Line
		}
		out.Stack = append(out.Stack, jf)
	}
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}
