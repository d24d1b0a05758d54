package kvm

import (
	"fmt"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/kvmi"
)

// guest operating mode reported by KVMi, in bytes
const mode32 = 4

func segment(s kvmi.Segment) vmi.SegmentReg {
	return vmi.SegmentReg{Base: s.Base, Limit: s.Limit, Selector: s.Selector}
}

func convertRegisters(r *kvmi.Registers) vmi.X86Registers {
	msr := func(index uint32) uint64 {
		v, _ := r.MSR(index)
		return v
	}

	x := vmi.X86Registers{
		RAX:    r.Regs.RAX,
		RBX:    r.Regs.RBX,
		RCX:    r.Regs.RCX,
		RDX:    r.Regs.RDX,
		RSI:    r.Regs.RSI,
		RDI:    r.Regs.RDI,
		RSP:    r.Regs.RSP,
		RBP:    r.Regs.RBP,
		R8:     r.Regs.R8,
		R9:     r.Regs.R9,
		R10:    r.Regs.R10,
		R11:    r.Regs.R11,
		R12:    r.Regs.R12,
		R13:    r.Regs.R13,
		R14:    r.Regs.R14,
		R15:    r.Regs.R15,
		RIP:    r.Regs.RIP,
		RFLAGS: r.Regs.RFLAGS,

		CR0: r.Sregs.CR0,
		CR2: r.Sregs.CR2,
		CR3: r.Sregs.CR3,
		CR4: r.Sregs.CR4,

		SysenterCS:  msr(kvmi.MsrIA32SysenterCS),
		SysenterESP: msr(kvmi.MsrIA32SysenterESP),
		SysenterEIP: msr(kvmi.MsrIA32SysenterEIP),
		MsrEFER:     msr(kvmi.MsrEFER),
		MsrSTAR:     msr(kvmi.MsrStar),
		MsrLSTAR:    msr(kvmi.MsrLStar),
		EFER:        r.Sregs.EFER,
		APICBase:    r.Sregs.ApicBase,

		CS:  segment(r.Sregs.CS),
		DS:  segment(r.Sregs.DS),
		ES:  segment(r.Sregs.ES),
		FS:  segment(r.Sregs.FS),
		GS:  segment(r.Sregs.GS),
		SS:  segment(r.Sregs.SS),
		TR:  segment(r.Sregs.TR),
		LDT: segment(r.Sregs.LDT),
	}
	if r.Mode == mode32 {
		x.TruncateGPRs()
	}
	return x
}

func gprField(r *kvmi.Regs, id vmi.RegisterID) *uint64 {
	switch id {
	case vmi.RegRAX:
		return &r.RAX
	case vmi.RegRBX:
		return &r.RBX
	case vmi.RegRCX:
		return &r.RCX
	case vmi.RegRDX:
		return &r.RDX
	case vmi.RegRSI:
		return &r.RSI
	case vmi.RegRDI:
		return &r.RDI
	case vmi.RegRSP:
		return &r.RSP
	case vmi.RegRBP:
		return &r.RBP
	case vmi.RegR8:
		return &r.R8
	case vmi.RegR9:
		return &r.R9
	case vmi.RegR10:
		return &r.R10
	case vmi.RegR11:
		return &r.R11
	case vmi.RegR12:
		return &r.R12
	case vmi.RegR13:
		return &r.R13
	case vmi.RegR14:
		return &r.R14
	case vmi.RegR15:
		return &r.R15
	case vmi.RegRIP:
		return &r.RIP
	case vmi.RegRFLAGS:
		return &r.RFLAGS
	}
	panic(fmt.Sprintf("kvm: %s is not a general purpose register", id))
}

func convertCR(cr kvmi.CR) (vmi.CrType, error) {
	switch cr {
	case kvmi.CR0:
		return vmi.Cr0, nil
	case kvmi.CR3:
		return vmi.Cr3, nil
	case kvmi.CR4:
		return vmi.Cr4, nil
	}
	return 0, fmt.Errorf("unexpected control register %d", cr)
}

func convertEvent(ev *kvmi.Event) (*vmi.Event, error) {
	switch ev.Type {
	case kvmi.EventCR:
		cr, err := convertCR(ev.CR)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", ev.VCPU, err)
		}
		return &vmi.Event{
			VCPU: ev.VCPU,
			Kind: vmi.EventCr,
			Cr:   vmi.CrEvent{Type: cr, New: ev.NewValue, Old: ev.OldValue},
		}, nil
	}
	return nil, fmt.Errorf("vcpu %d: unsupported event type %s", ev.VCPU, ev.Type)
}
