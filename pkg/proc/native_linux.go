package proc

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/go-pstack/pstack/pkg/elffile"
)

// procMemory reads a live process's address space through
// /proc/pid/mem; the kernel allows it while the threads are ptrace
// stopped.
type procMemory struct {
	mem *os.File
}

func (p *procMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := p.mem.ReadAt(buf, int64(addr))
	if n > 0 {
		return n, nil
	}
	return n, err
}

// AttachLive stops every thread of the given process, snapshots the
// register state, and builds a Target over its address space. The
// threads stay stopped until Close.
func AttachLive(pid int, options Options) (*Target, error) {
	// ptrace requests must come from one OS thread
	runtime.LockOSThread()

	tids, err := threadIDs(pid)
	if err != nil {
		return nil, err
	}

	attached := make([]int, 0, len(tids))
	detach := func() {
		for _, tid := range attached {
			unix.PtraceDetach(tid)
		}
		runtime.UnlockOSThread()
	}

	for _, tid := range tids {
		if err := unix.PtraceAttach(tid); err != nil {
			detach()
			return nil, fmt.Errorf("attach to lwp %d: %v", tid, err)
		}
		attached = append(attached, tid)
		var status unix.WaitStatus
		if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
			detach()
			return nil, fmt.Errorf("wait for lwp %d: %v", tid, err)
		}
	}

	memFile, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		detach()
		return nil, err
	}

	t := newTarget(&procMemory{mem: memFile}, options)
	t.Pid = pid
	t.closers = append(t.closers, func() {
		memFile.Close()
		detach()
	})

	for _, tid := range tids {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			warnf("can't read registers of lwp %d: %v", tid, err)
			continue
		}
		t.Threads = append(t.Threads, &Thread{Tid: tid, Lwp: tid, Regs: ptraceRegsToAMD64(&regs)})
	}

	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("can't locate executable for pid %d: %v", pid, err)
	}
	exeFile, err := os.Open(exePath)
	if err != nil {
		t.Close()
		return nil, err
	}
	exe, err := elffile.New(exeFile)
	if err != nil {
		exeFile.Close()
		t.Close()
		return nil, err
	}
	t.closers = append(t.closers, func() { exeFile.Close() })

	t.readLiveAuxv(pid)
	if t.entry == 0 {
		t.entry = exe.Header.Entry
	}

	if err := t.loadModules(exePath, exe); err != nil {
		warnf("loading shared objects: %v", err)
	}
	return t, nil
}

// threadIDs lists the process's light weight processes.
func threadIDs(pid int) ([]int, error) {
	entries, err := ioutil.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("no such process %d: %v", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// readLiveAuxv reads /proc/pid/auxv for the entry point and syscall
// stub, the same records a core file carries in its NT_AUXV note.
func (t *Target) readLiveAuxv(pid int) {
	data, err := ioutil.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "auxv"))
	if err != nil {
		return
	}
	t.readAuxv(data)
}

// ptraceRegsToAMD64 converts the x/sys register struct; the field
// layout is identical to the kernel's.
func ptraceRegsToAMD64(r *unix.PtraceRegs) *AMD64PtraceRegs {
	return &AMD64PtraceRegs{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx, R11: r.R11, R10: r.R10,
		R9: r.R9, R8: r.R8, Rax: r.Rax, Rcx: r.Rcx,
		Rdx: r.Rdx, Rsi: r.Rsi, Rdi: r.Rdi, Orig_rax: r.Orig_rax,
		Rip: r.Rip, Cs: r.Cs, Eflags: r.Eflags, Rsp: r.Rsp,
		Ss: r.Ss, Fs_base: r.Fs_base, Gs_base: r.Gs_base,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}
