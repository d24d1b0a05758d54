package vmi

import "fmt"

// Arch tags the populated member of Registers.
type Arch uint32

const (
	ArchX86 Arch = iota
)

// SegmentReg is an x86 segment descriptor as seen by the guest.
type SegmentReg struct {
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Selector uint16 `json:"selector"`
	_        uint16
}

// X86Registers is a snapshot of one x86 VCPU. Every general purpose field is
// 64 bits wide; narrower guest registers are zero-extended.
type X86Registers struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`

	CR0 uint64 `json:"cr0"`
	CR2 uint64 `json:"cr2"`
	CR3 uint64 `json:"cr3"`
	CR4 uint64 `json:"cr4"`

	SysenterCS  uint64 `json:"sysenter_cs"`
	SysenterESP uint64 `json:"sysenter_esp"`
	SysenterEIP uint64 `json:"sysenter_eip"`
	MsrEFER     uint64 `json:"msr_efer"`
	MsrSTAR     uint64 `json:"msr_star"`
	MsrLSTAR    uint64 `json:"msr_lstar"`
	EFER        uint64 `json:"efer"`
	APICBase    uint64 `json:"apic_base"`

	CS  SegmentReg `json:"cs"`
	DS  SegmentReg `json:"ds"`
	ES  SegmentReg `json:"es"`
	FS  SegmentReg `json:"fs"`
	GS  SegmentReg `json:"gs"`
	SS  SegmentReg `json:"ss"`
	TR  SegmentReg `json:"tr"`
	LDT SegmentReg `json:"ldt"`
}

// Registers is a point-in-time register snapshot tagged by architecture.
type Registers struct {
	Arch Arch `json:"arch"`
	_    uint32
	X86  X86Registers `json:"x86"`
}

// RegisterID names a single register for WriteRegisters.
type RegisterID uint32

const (
	RegRAX RegisterID = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
	RegCR0
	RegCR2
	RegCR3
	RegCR4

	regCount
)

var registerNames = [regCount]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr0", "cr2", "cr3", "cr4",
}

func (r RegisterID) String() string {
	if r.Valid() {
		return registerNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint32(r))
}

// Valid reports whether r is a member of the enumeration.
func (r RegisterID) Valid() bool { return r < regCount }

// IsGeneralPurpose reports whether r lives in the general purpose register file
// (including RIP and RFLAGS).
func (r RegisterID) IsGeneralPurpose() bool { return r <= RegRFLAGS }

// ParseRegisterID is the inverse of RegisterID.String.
func ParseRegisterID(s string) (RegisterID, error) {
	for i, name := range registerNames {
		if name == s {
			return RegisterID(i), nil
		}
	}
	return 0, InvalidArgument("parse_register", "unknown register %q", s)
}

// field returns a pointer to the snapshot field backing r.
func (x *X86Registers) field(r RegisterID) *uint64 {
	switch r {
	case RegRAX:
		return &x.RAX
	case RegRBX:
		return &x.RBX
	case RegRCX:
		return &x.RCX
	case RegRDX:
		return &x.RDX
	case RegRSI:
		return &x.RSI
	case RegRDI:
		return &x.RDI
	case RegRSP:
		return &x.RSP
	case RegRBP:
		return &x.RBP
	case RegR8:
		return &x.R8
	case RegR9:
		return &x.R9
	case RegR10:
		return &x.R10
	case RegR11:
		return &x.R11
	case RegR12:
		return &x.R12
	case RegR13:
		return &x.R13
	case RegR14:
		return &x.R14
	case RegR15:
		return &x.R15
	case RegRIP:
		return &x.RIP
	case RegRFLAGS:
		return &x.RFLAGS
	case RegCR0:
		return &x.CR0
	case RegCR2:
		return &x.CR2
	case RegCR3:
		return &x.CR3
	case RegCR4:
		return &x.CR4
	}
	return nil
}

// Get returns the value of register r from the snapshot.
func (x X86Registers) Get(r RegisterID) (uint64, error) {
	p := x.field(r)
	if p == nil {
		return 0, InvalidArgument("get_register", "invalid register %d", uint32(r))
	}
	return *p, nil
}

// Set stores v into register r of the snapshot.
func (x *X86Registers) Set(r RegisterID, v uint64) error {
	p := x.field(r)
	if p == nil {
		return InvalidArgument("set_register", "invalid register %d", uint32(r))
	}
	*p = v
	return nil
}

// ZeroExtend32 widens a 32-bit register value to the canonical 64-bit field.
func ZeroExtend32(v uint32) uint64 { return uint64(v) }

// TruncateGPRs zero-extends the low 32 bits of every general purpose
// register, RIP and RFLAGS. Adapters call it for guests running in 32-bit mode
// where the upper halves are not architecturally visible.
func (x *X86Registers) TruncateGPRs() {
	for r := RegRAX; r <= RegRFLAGS; r++ {
		p := x.field(r)
		*p = ZeroExtend32(uint32(*p))
	}
}
