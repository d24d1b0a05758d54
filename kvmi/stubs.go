//go:build !linux || !cgo || !kvmi

package kvmi

import (
	"fmt"
	"time"
)

var errNotSupported = fmt.Errorf("kvmi: not supported in this build (requires linux, cgo and the kvmi build tag)")

// Supported returns false when the libkvmi binding is not compiled in.
func Supported() (bool, error) {
	return false, errNotSupported
}

func (d *Domain) Init(socketPath string) error {
	return errNotSupported
}

// Close is a no-op so callers can defer it unconditionally.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	return nil
}

func (d *Domain) GetVCPUCount() (uint32, error) {
	return 0, errNotSupported
}

func (d *Domain) ControlEvents(vcpu uint16, it InterceptType, enabled bool) error {
	return errNotSupported
}

func (d *Domain) ControlCR(vcpu uint16, cr CR, enabled bool) error {
	return errNotSupported
}

func (d *Domain) ReadPhysical(gpa uint64, buf []byte) error {
	return errNotSupported
}

func (d *Domain) Pause() error {
	return errNotSupported
}

func (d *Domain) GetRegisters(vcpu uint16) (*Registers, error) {
	return nil, errNotSupported
}

func (d *Domain) SetRegisters(vcpu uint16, regs *Regs) error {
	return errNotSupported
}

func (d *Domain) WaitAndPopEvent(timeout time.Duration) (*Event, error) {
	return nil, errNotSupported
}

func (d *Domain) Reply(ev *Event, reply EventReply) error {
	return errNotSupported
}

func (d *Domain) GetMaximumGFN() (uint64, error) {
	return 0, errNotSupported
}
