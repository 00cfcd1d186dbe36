package proc

import (
	"github.com/go-pstack/pstack/pkg/dwarf/op"
	"github.com/go-pstack/pstack/pkg/dwarf/regnum"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return
// the general purpose registers for AMD64 CPUs. It is the layout of
// both PTRACE_GETREGS and the NT_PRSTATUS core note register block.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// dwarfRegistersFromPtraceRegs translates the kernel register struct
// into the flat DWARF register file. This table is the only place
// that knows both numbering schemes.
func dwarfRegistersFromPtraceRegs(r *AMD64PtraceRegs) *op.DwarfRegisters {
	regs := op.NewDwarfRegisters(regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	regs.SetReg(regnum.AMD64_Rax, r.Rax)
	regs.SetReg(regnum.AMD64_Rdx, r.Rdx)
	regs.SetReg(regnum.AMD64_Rcx, r.Rcx)
	regs.SetReg(regnum.AMD64_Rbx, r.Rbx)
	regs.SetReg(regnum.AMD64_Rsi, r.Rsi)
	regs.SetReg(regnum.AMD64_Rdi, r.Rdi)
	regs.SetReg(regnum.AMD64_Rbp, r.Rbp)
	regs.SetReg(regnum.AMD64_Rsp, r.Rsp)
	regs.SetReg(regnum.AMD64_R8, r.R8)
	regs.SetReg(regnum.AMD64_R9, r.R9)
	regs.SetReg(regnum.AMD64_R10, r.R10)
	regs.SetReg(regnum.AMD64_R11, r.R11)
	regs.SetReg(regnum.AMD64_R12, r.R12)
	regs.SetReg(regnum.AMD64_R13, r.R13)
	regs.SetReg(regnum.AMD64_R14, r.R14)
	regs.SetReg(regnum.AMD64_R15, r.R15)
	regs.SetReg(regnum.AMD64_Rip, r.Rip)
	regs.SetReg(regnum.AMD64_Rflags, r.Eflags)
	regs.SetReg(regnum.AMD64_Es, r.Es)
	regs.SetReg(regnum.AMD64_Cs, r.Cs)
	regs.SetReg(regnum.AMD64_Ss, r.Ss)
	regs.SetReg(regnum.AMD64_Ds, r.Ds)
	regs.SetReg(regnum.AMD64_Fs, r.Fs)
	regs.SetReg(regnum.AMD64_Gs, r.Gs)
	return regs
}

// amd64SPRestoredFromCFA: on amd64 the canonical frame address is by definition
// the caller's stack pointer at the call site, so when a frame leaves
// the stack pointer rule undefined the unwinder substitutes the CFA.
const amd64SPRestoredFromCFA = true
