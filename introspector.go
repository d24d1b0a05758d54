package vmi

import "time"

// Introspector is the capability set every backend exposes. A backend may
// leave any operation except GetDriverType and Close unimplemented by
// embedding UnimplementedIntrospector; such operations fail with an error of
// kind KindUnsupported.
//
// An Introspector is owned by one goroutine. Calls must be sequential.
type Introspector interface {
	// GetVCPUCount returns the number of VCPUs of the domain. The value is
	// stable for the lifetime of the instance.
	GetVCPUCount() (uint16, error)

	// ReadPhysical fills buf with len(buf) bytes of guest physical memory
	// starting at paddr.
	ReadPhysical(paddr uint64, buf []byte) error

	// GetMaxPhysicalAddr returns the upper bound of the guest physical address space.
	GetMaxPhysicalAddr() (uint64, error)

	// ReadRegisters returns a snapshot of the VCPU registers. The snapshot is
	// only consistent with guest memory while the domain is paused.
	ReadRegisters(vcpu uint16) (Registers, error)

	// WriteRegisters sets register reg of vcpu to value.
	WriteRegisters(vcpu uint16, value uint64, reg RegisterID) error

	// Pause requests the domain to stop. Idempotent.
	Pause() error

	// Resume reconciles any outstanding pause and lets the domain run. Idempotent.
	Resume() error

	// ToggleIntercept enables or disables a trap category on one VCPU.
	ToggleIntercept(vcpu uint16, it InterceptType, enabled bool) error

	// Listen waits up to timeout for the next intercepted event. It returns
	// (nil, nil) when the timeout expires.
	Listen(timeout time.Duration) (*Event, error)

	// ReplyEvent disposes of an Event previously returned by Listen.
	ReplyEvent(ev Event, reply EventReplyType) error

	// GetDriverType reports the backend technology. It never fails.
	GetDriverType() DriverType

	// Close releases the hypervisor connection, disabling every intercept the
	// instance enabled. Close is idempotent.
	Close() error
}

// UnimplementedIntrospector provides the "not supported" behavior for every
// optional operation. Embed it in a backend and override what it supports.
type UnimplementedIntrospector struct{}

func (UnimplementedIntrospector) GetVCPUCount() (uint16, error) {
	return 0, Unsupported("get_vcpu_count")
}

func (UnimplementedIntrospector) ReadPhysical(uint64, []byte) error {
	return Unsupported("read_physical")
}

func (UnimplementedIntrospector) GetMaxPhysicalAddr() (uint64, error) {
	return 0, Unsupported("get_max_physical_addr")
}

func (UnimplementedIntrospector) ReadRegisters(uint16) (Registers, error) {
	return Registers{}, Unsupported("read_registers")
}

func (UnimplementedIntrospector) WriteRegisters(uint16, uint64, RegisterID) error {
	return Unsupported("write_registers")
}

func (UnimplementedIntrospector) Pause() error {
	return Unsupported("pause")
}

func (UnimplementedIntrospector) Resume() error {
	return Unsupported("resume")
}

func (UnimplementedIntrospector) ToggleIntercept(uint16, InterceptType, bool) error {
	return Unsupported("toggle_intercept")
}

func (UnimplementedIntrospector) Listen(time.Duration) (*Event, error) {
	return nil, Unsupported("listen")
}

func (UnimplementedIntrospector) ReplyEvent(Event, EventReplyType) error {
	return Unsupported("reply_event")
}

func (UnimplementedIntrospector) Close() error { return nil }

// CheckVCPU validates a VCPU index against count.
func CheckVCPU(op string, vcpu, count uint16) error {
	if vcpu >= count {
		return InvalidArgument(op, "vcpu %d out of range (domain has %d)", vcpu, count)
	}
	return nil
}

// CheckPhysicalRange validates a ReadPhysical request before it reaches a backend.
func CheckPhysicalRange(op string, paddr uint64, buf []byte) error {
	if len(buf) == 0 {
		return InvalidArgument(op, "empty buffer")
	}
	if paddr > ^uint64(0)-uint64(len(buf))+1 {
		return InvalidArgument(op, "range 0x%x+%d overflows the address space", paddr, len(buf))
	}
	return nil
}
