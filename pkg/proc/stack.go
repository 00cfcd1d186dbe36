package proc

import (
	"github.com/go-pstack/pstack/pkg/dwarf/frame"
	"github.com/go-pstack/pstack/pkg/dwarf/op"
	"github.com/go-pstack/pstack/pkg/dwarf/regnum"
	"github.com/go-pstack/pstack/pkg/logflags"
)

// Stackframe is one call frame of an unwound thread. Frames appear
// innermost first; IP is the address the frame was executing (for
// frame 0) or will return to (for the others).
type Stackframe struct {
	IP     uint64
	CFA    uint64
	Module *Module
	FDE    *frame.FrameDescriptionEntry
	Regs   *op.DwarfRegisters
}

// stackIterator walks the call frames of one thread.
type stackIterator struct {
	t     *Target
	regs  *op.DwarfRegisters
	frame Stackframe
	atend bool
	err   error
}

func newStackIterator(t *Target, regs *op.DwarfRegisters) *stackIterator {
	return &stackIterator{t: t, regs: regs.Clone()}
}

// Next points the iterator at the next frame. It returns false when
// the stack is exhausted or a frame failed to decode.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	ip := it.regs.PC()
	if ip == 0 {
		return false
	}

	mod := it.t.FindModule(ip)
	if mod == nil {
		// report the frame we cannot resolve, then stop
		it.frame = Stackframe{IP: ip, Regs: it.regs.Clone()}
		it.atend = true
		return true
	}

	objAddr := mod.ObjAddr(ip)
	fde := it.findFDE(mod, objAddr)
	if fde == nil {
		// No unwind information: report the frame, then stop.
		it.frame = Stackframe{IP: ip, Module: mod, Regs: it.regs.Clone()}
		it.atend = true
		return true
	}

	// The return address points after the call instruction; stopping
	// one byte short keeps the rules of the call site itself.
	fc, err := fde.EstablishFrame(objAddr - 1)
	if err != nil {
		it.err = err
		return false
	}

	cfa, err := it.computeCFA(fc)
	if err != nil {
		it.err = err
		return false
	}

	it.frame = Stackframe{IP: ip, CFA: cfa, Module: mod, FDE: fde, Regs: it.regs.Clone()}

	newRegs, err := it.restoreRegisters(fc, cfa)
	if err != nil {
		it.err = err
		return false
	}

	newIP := newRegs.Uint64Val(fc.RetAddrReg)
	if newIP == 0 || newIP == ip {
		it.atend = true
	}
	newRegs.SetReg(newRegs.PCRegNum, newIP)

	it.regs = newRegs
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe { return it.frame }

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error { return it.err }

// findFDE consults .debug_frame first and .eh_frame second, per
// module.
func (it *stackIterator) findFDE(mod *Module, objAddr uint64) *frame.FrameDescriptionEntry {
	d := it.t.FrameData(mod)
	if fde, err := d.DebugFrame().FDEForPC(objAddr); err == nil {
		return fde
	}
	if fde, err := d.EhFrame().FDEForPC(objAddr); err == nil {
		return fde
	}
	return nil
}

// computeCFA evaluates the frame's CFA rule.
func (it *stackIterator) computeCFA(fc *frame.FrameContext) (uint64, error) {
	switch fc.CFA.Rule {
	case frame.RuleCFA:
		return it.regs.Uint64Val(fc.CFA.Reg) + uint64(fc.CFA.Offset), nil
	case frame.RuleExpression:
		res, err := op.ExecuteStackProgram(it.regs, fc.CFA.Expression, it.t.mem.ReadMemory)
		if err != nil {
			return 0, err
		}
		return uint64(res.Value), nil
	}
	return 0, &frame.BadCfiError{Msg: "no CFA rule at this address"}
}

// restoreRegisters builds the caller's register file by applying the
// frame's register rules.
func (it *stackIterator) restoreRegisters(fc *frame.FrameContext, cfa uint64) (*op.DwarfRegisters, error) {
	newRegs := op.NewDwarfRegisters(it.regs.PCRegNum, it.regs.SPRegNum, it.regs.BPRegNum)

	for _, regNum := range regnum.AMD64ArchRegisters {
		rule, ok := fc.Regs[regNum]
		if !ok {
			rule = frame.DWRule{Rule: frame.RuleUndefined}
		}
		switch rule.Rule {
		case frame.RuleUndefined, frame.RuleSameVal:
			newRegs.SetReg(regNum, it.regs.Uint64Val(regNum))
		case frame.RuleOffset:
			word, err := readUintRaw(it.t.mem, cfa+uint64(rule.Offset))
			if err != nil {
				return nil, err
			}
			newRegs.SetReg(regNum, word)
		case frame.RuleValOffset:
			newRegs.SetReg(regNum, cfa+uint64(rule.Offset))
		case frame.RuleRegister:
			newRegs.SetReg(regNum, it.regs.Uint64Val(rule.Reg))
		case frame.RuleExpression, frame.RuleValExpression:
			res, err := op.ExecuteStackProgram(it.regs, rule.Expression, it.t.mem.ReadMemory, int64(cfa))
			if err != nil {
				return nil, err
			}
			val := uint64(res.Value)
			if rule.Rule == frame.RuleExpression {
				if val, err = readUintRaw(it.t.mem, val); err != nil {
					return nil, err
				}
			}
			newRegs.SetReg(regNum, val)
		default:
			logflags.UnwindLogger().Debugf("architectural rule for register %d left as-is", regNum)
			newRegs.SetReg(regNum, it.regs.Uint64Val(regNum))
		}
	}

	// The CFA is the caller's stack pointer at the call site: when a
	// frame says nothing about the stack pointer it is restored from
	// the CFA.
	if amd64SPRestoredFromCFA {
		if rule, ok := fc.Regs[newRegs.SPRegNum]; !ok || rule.Rule == frame.RuleUndefined {
			newRegs.SetReg(newRegs.SPRegNum, cfa)
		}
	}

	return newRegs, nil
}

// Unwind walks the thread's stack, bounded by the configured frame
// cap. On a decode error the frames already produced are returned
// together with the error.
func (t *Target) Unwind(regs *op.DwarfRegisters) ([]Stackframe, error) {
	it := newStackIterator(t, regs)
	frames := make([]Stackframe, 0, 16)
	for len(frames) < t.options.MaxFrames && it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}

// UnwindThread unwinds one of the target's threads.
func (t *Target) UnwindThread(th *Thread) ([]Stackframe, error) {
	return t.Unwind(dwarfRegistersFromPtraceRegs(th.Regs))
}
