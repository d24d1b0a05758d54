// Package kvmi binds libkvmi, the user-space side of the KVM introspection
// socket protocol. The binding is compiled only with the kvmi build tag on
// linux with cgo enabled; every other build gets stubs that report the
// binding as unsupported.
package kvmi

import (
	"math"
	"sync"
	"time"
	"unsafe"
)

const numInterrupts = 0x100

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Model-specific registers fetched alongside the register file.
const (
	MsrIA32SysenterCS  = 0x00000174
	MsrIA32SysenterESP = 0x00000175
	MsrIA32SysenterEIP = 0x00000176
	MsrEFER            = 0xc0000080
	MsrStar            = 0xc0000081
	MsrLStar           = 0xc0000082
)

// RegisterMSRs is the order in which MSR values are returned in Registers.MSRs.
var RegisterMSRs = [...]uint32{
	MsrIA32SysenterCS,
	MsrIA32SysenterESP,
	MsrIA32SysenterEIP,
	MsrEFER,
	MsrStar,
	MsrLStar,
}

// Registers is the result of one get-registers round trip.
type Registers struct {
	Regs  Regs
	Sregs Sregs
	MSRs  [len(RegisterMSRs)]uint64
	// Mode is the guest operating mode in bytes: 2, 4 or 8.
	Mode uint32
}

// MSR returns the value fetched for index, or false when it was not requested.
func (r *Registers) MSR(index uint32) (uint64, bool) {
	for i, m := range RegisterMSRs {
		if m == index {
			return r.MSRs[i], true
		}
	}
	return 0, false
}

// CR identifies an interceptable control register.
type CR uint32

const (
	CR0 CR = 0
	CR3 CR = 3
	CR4 CR = 4
)

// InterceptType is a KVMi event class.
type InterceptType int

const (
	InterceptCR InterceptType = iota
	InterceptMSR
	InterceptPause
)

// EventType is the native kind of a KVMi event.
type EventType int

const (
	EventUnknown EventType = iota
	EventPauseVCPU
	EventCR
	EventMSR
	EventBreakpoint
)

func (t EventType) String() string {
	switch t {
	case EventPauseVCPU:
		return "pause-vcpu"
	case EventCR:
		return "cr"
	case EventMSR:
		return "msr"
	case EventBreakpoint:
		return "breakpoint"
	default:
		return "unknown"
	}
}

// Event is one message popped from the KVMi event queue. It must be answered
// with Domain.Reply, which also frees it.
type Event struct {
	VCPU uint16
	Type EventType
	Seq  uint32

	// CR events
	CR       CR
	OldValue uint64
	NewValue uint64

	raw unsafe.Pointer // struct kvmi_dom_event *, owned by the binding
}

// EventReply is the action requested when answering an event.
type EventReply int

const (
	ReplyContinue EventReply = iota
	ReplyRetry
	ReplyCrash
)

// Domain is a KVMi connection to one introspected guest.
type Domain struct {
	ctx unsafe.Pointer // listener context (go_kvmi_ctx *)
	dom unsafe.Pointer // per-guest handle handed out by libkvmi

	// HandshakeTimeout bounds how long Init waits for the guest to connect.
	HandshakeTimeout uint32 // milliseconds

	closed  bool
	closeMu sync.Mutex
}

// New returns an unconnected Domain. Call Init before anything else.
func New() *Domain {
	return &Domain{HandshakeTimeout: 30000}
}

// waitMillis converts a wait to the millisecond argument of kvmi_wait_event.
// Non-positive waits poll, partial milliseconds round up so a short wait is
// not turned into a poll, and the result never exceeds the C int range.
func waitMillis(timeout time.Duration) int32 {
	if timeout <= 0 {
		return 0
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ms)
}
