package vmi

import "fmt"

// DriverType identifies the hypervisor technology behind an Introspector.
// The numeric values are part of the foreign-caller ABI and never change.
type DriverType uint32

const (
	Dummy DriverType = iota
	HyperV
	KVM
	VirtualBox
	Xen
	Libvirt
)

func (d DriverType) String() string {
	switch d {
	case Dummy:
		return "dummy"
	case HyperV:
		return "hyper-v"
	case KVM:
		return "kvm"
	case VirtualBox:
		return "virtualbox"
	case Xen:
		return "xen"
	case Libvirt:
		return "libvirt"
	default:
		return fmt.Sprintf("driver(%d)", uint32(d))
	}
}

// ParseDriverType maps a driver name (as printed by String) back to its DriverType.
func ParseDriverType(s string) (DriverType, error) {
	switch s {
	case "dummy":
		return Dummy, nil
	case "hyper-v", "hyperv":
		return HyperV, nil
	case "kvm":
		return KVM, nil
	case "virtualbox", "vbox":
		return VirtualBox, nil
	case "xen":
		return Xen, nil
	case "libvirt":
		return Libvirt, nil
	}
	return 0, InvalidArgument("parse_driver_type", "unknown driver %q", s)
}

// CrType selects a control register.
type CrType uint32

const (
	Cr0 CrType = iota
	Cr2
	Cr3
	Cr4
)

func (c CrType) String() string {
	switch c {
	case Cr0:
		return "cr0"
	case Cr2:
		return "cr2"
	case Cr3:
		return "cr3"
	case Cr4:
		return "cr4"
	default:
		return fmt.Sprintf("cr(%d)", uint32(c))
	}
}

// ParseCrType accepts "cr0", "cr2", "cr3" or "cr4".
func ParseCrType(s string) (CrType, error) {
	switch s {
	case "cr0", "CR0":
		return Cr0, nil
	case "cr2", "CR2":
		return Cr2, nil
	case "cr3", "CR3":
		return Cr3, nil
	case "cr4", "CR4":
		return Cr4, nil
	}
	return 0, InvalidArgument("parse_cr", "unknown control register %q", s)
}

// InterceptKind is the category of trap an InterceptType enables.
type InterceptKind uint32

const (
	InterceptCr InterceptKind = iota
)

// InterceptType is a tagged variant: Kind selects which payload field is meaningful.
type InterceptType struct {
	Kind InterceptKind `json:"kind"`
	Cr   CrType        `json:"cr"`
}

// CrIntercept builds the InterceptType for writes to cr.
func CrIntercept(cr CrType) InterceptType {
	return InterceptType{Kind: InterceptCr, Cr: cr}
}

// EventKind tags the payload carried by an Event.
type EventKind uint32

const (
	EventCr EventKind = iota
)

func (k EventKind) String() string {
	switch k {
	case EventCr:
		return "cr"
	default:
		return fmt.Sprintf("event(%d)", uint32(k))
	}
}

// CrEvent is the payload of a control register write trap.
type CrEvent struct {
	Type CrType `json:"cr_type"`
	_    uint32
	New  uint64 `json:"new"`
	Old  uint64 `json:"old"`
}

// Event is one intercepted trap. While an Event is in flight the trapping
// VCPU is halted inside the hypervisor until ReplyEvent is called for it.
type Event struct {
	VCPU uint16 `json:"vcpu"`
	_    uint16
	Kind EventKind `json:"kind"`
	Cr   CrEvent   `json:"cr"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventCr:
		return fmt.Sprintf("vcpu %d: %s write 0x%x -> 0x%x", e.VCPU, e.Cr.Type, e.Cr.Old, e.Cr.New)
	default:
		return fmt.Sprintf("vcpu %d: %s", e.VCPU, e.Kind)
	}
}

// EventReplyType is the disposition given to an in-flight Event.
type EventReplyType uint32

const (
	ReplyContinue EventReplyType = iota
)
