// Package kvm implements vmi.Introspector over the KVM introspection (KVMi)
// socket protocol.
package kvm

import (
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/internal/coordinator"
	"github.com/blacktop/go-vmi/internal/metrics"
	"github.com/blacktop/go-vmi/kvmi"
)

// DefaultSocket is where QEMU is expected to connect its introspection channel.
const DefaultSocket = "/tmp/introspector"

const (
	pageShift = 12
	// reported when KVMi cannot tell the highest guest frame
	fallbackMaxPhysicalAddr = 512 << 20
)

// KVMi is the native surface the adapter consumes. *kvmi.Domain implements it.
type KVMi interface {
	Init(socketPath string) error
	Close() error
	GetVCPUCount() (uint32, error)
	ControlEvents(vcpu uint16, it kvmi.InterceptType, enabled bool) error
	ControlCR(vcpu uint16, cr kvmi.CR, enabled bool) error
	ReadPhysical(gpa uint64, buf []byte) error
	Pause() error
	GetRegisters(vcpu uint16) (*kvmi.Registers, error)
	SetRegisters(vcpu uint16, regs *kvmi.Regs) error
	WaitAndPopEvent(timeout time.Duration) (*kvmi.Event, error)
	Reply(ev *kvmi.Event, reply kvmi.EventReply) error
	GetMaximumGFN() (uint64, error)
}

// Options configures a Driver.
type Options struct {
	// Socket is the KVMi listening socket. Empty means DefaultSocket.
	Socket string
	// DrainTimeout bounds each wait for a pause acknowledgement during Resume.
	// Zero means coordinator.DefaultDrainTimeout.
	DrainTimeout time.Duration
}

type crIntercept struct {
	vcpu uint16
	cr   kvmi.CR
}

// Driver is the KVM backend.
type Driver struct {
	domain string
	kvmi   KVMi
	vcpus  uint16
	coord  *coordinator.Coordinator[*kvmi.Event]

	// per-register intercepts enabled through ToggleIntercept
	crs    map[crIntercept]struct{}
	closed bool
}

var _ vmi.Introspector = (*Driver)(nil)

var errClosed = errors.New("driver is closed")

// New connects k to the guest and enables the control register event class on
// every VCPU. Individual registers are trapped only once ToggleIntercept
// selects them.
func New(domain string, k KVMi, opts Options) (*Driver, error) {
	socket := opts.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	log := vmi.Logger().With("driver", vmi.KVM.String(), "domain", domain)
	log.Debug("connecting", "socket", socket)

	if err := k.Init(socket); err != nil {
		return nil, vmi.WithDriver(vmi.ConnectionError("init", err), vmi.KVM)
	}

	count, err := k.GetVCPUCount()
	if err != nil {
		k.Close()
		return nil, vmi.WithDriver(vmi.ConnectionError("init", fmt.Errorf("get vcpu count: %w", err)), vmi.KVM)
	}
	if count == 0 || count > 1<<16-1 {
		k.Close()
		return nil, vmi.WithDriver(vmi.ConnectionError("init", fmt.Errorf("implausible vcpu count %d", count)), vmi.KVM)
	}

	d := &Driver{
		domain: domain,
		kvmi:   k,
		vcpus:  uint16(count),
		crs:    make(map[crIntercept]struct{}),
	}

	var copts []coordinator.Option
	if opts.DrainTimeout > 0 {
		copts = append(copts, coordinator.WithDrainTimeout(opts.DrainTimeout))
	}
	d.coord = coordinator.New[*kvmi.Event](backend{k}, d.vcpus, copts...)

	for vcpu := uint16(0); vcpu < d.vcpus; vcpu++ {
		if err := k.ControlEvents(vcpu, kvmi.InterceptCR, true); err != nil {
			d.Close()
			return nil, vmi.WithDriver(vmi.ConnectionError("init", fmt.Errorf("enable cr events on vcpu %d: %w", vcpu, err)), vmi.KVM)
		}
	}

	log.Debug("connected", "vcpus", d.vcpus)
	return d, nil
}

// backend adapts KVMi to the coordinator.
type backend struct{ k KVMi }

func (b backend) RequestPause() error { return b.k.Pause() }

func (b backend) WaitEvent(timeout time.Duration) (*kvmi.Event, bool, error) {
	ev, err := b.k.WaitAndPopEvent(timeout)
	if err != nil {
		return nil, false, err
	}
	return ev, ev != nil, nil
}

func (b backend) ReplyContinue(ev *kvmi.Event) error { return b.k.Reply(ev, kvmi.ReplyContinue) }

func (b backend) IsPauseAck(ev *kvmi.Event) bool { return ev.Type == kvmi.EventPauseVCPU }

func (b backend) EventVCPU(ev *kvmi.Event) uint16 { return ev.VCPU }

func (d *Driver) check(op string) error {
	if d.closed {
		return vmi.WithDriver(vmi.ConnectionError(op, errClosed), vmi.KVM)
	}
	return nil
}

func (d *Driver) fail(op string, err error) error {
	metrics.RecordBackendError()
	return vmi.WithDriver(vmi.BackendError(op, err), vmi.KVM)
}

func (d *Driver) GetDriverType() vmi.DriverType { return vmi.KVM }

// GetVCPUCount returns the count fetched at connection time.
func (d *Driver) GetVCPUCount() (uint16, error) {
	if err := d.check("get_vcpu_count"); err != nil {
		return 0, err
	}
	return d.vcpus, nil
}

func (d *Driver) ReadPhysical(paddr uint64, buf []byte) error {
	if err := d.check("read_physical"); err != nil {
		return err
	}
	if err := vmi.CheckPhysicalRange("read_physical", paddr, buf); err != nil {
		return vmi.WithDriver(err, vmi.KVM)
	}
	if err := d.kvmi.ReadPhysical(paddr, buf); err != nil {
		return d.fail("read_physical", err)
	}
	metrics.RecordPhysicalRead(len(buf))
	return nil
}

// GetMaxPhysicalAddr derives the bound from the highest guest frame number.
// Hosts without that query report a fixed 512 MiB.
func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	if err := d.check("get_max_physical_addr"); err != nil {
		return 0, err
	}
	gfn, err := d.kvmi.GetMaximumGFN()
	if err != nil {
		vmi.Logger().Debug("maximum gfn unavailable, using estimate", "driver", vmi.KVM.String(), "err", err)
		return fallbackMaxPhysicalAddr, nil
	}
	return (gfn + 1) << pageShift, nil
}

func (d *Driver) ReadRegisters(vcpu uint16) (vmi.Registers, error) {
	if err := d.check("read_registers"); err != nil {
		return vmi.Registers{}, err
	}
	if err := vmi.CheckVCPU("read_registers", vcpu, d.vcpus); err != nil {
		return vmi.Registers{}, vmi.WithDriver(err, vmi.KVM)
	}
	native, err := d.kvmi.GetRegisters(vcpu)
	if err != nil {
		return vmi.Registers{}, d.fail("read_registers", err)
	}
	metrics.RecordRegisterOp()
	return vmi.Registers{Arch: vmi.ArchX86, X86: convertRegisters(native)}, nil
}

// WriteRegisters performs a read-modify-write of the general purpose register
// file. Control registers cannot be written through KVMi.
func (d *Driver) WriteRegisters(vcpu uint16, value uint64, reg vmi.RegisterID) error {
	if err := d.check("write_registers"); err != nil {
		return err
	}
	if err := vmi.CheckVCPU("write_registers", vcpu, d.vcpus); err != nil {
		return vmi.WithDriver(err, vmi.KVM)
	}
	if !reg.Valid() {
		return vmi.WithDriver(vmi.InvalidArgument("write_registers", "invalid register %d", uint32(reg)), vmi.KVM)
	}
	if !reg.IsGeneralPurpose() {
		return vmi.WithDriver(vmi.Unsupported("write_registers"), vmi.KVM)
	}

	native, err := d.kvmi.GetRegisters(vcpu)
	if err != nil {
		return d.fail("write_registers", err)
	}
	*gprField(&native.Regs, reg) = value
	if err := d.kvmi.SetRegisters(vcpu, &native.Regs); err != nil {
		return d.fail("write_registers", err)
	}
	metrics.RecordRegisterOp()
	return nil
}

// Pause requests every VCPU to stop. The acknowledgements are consumed by the
// next Resume.
func (d *Driver) Pause() error {
	if err := d.check("pause"); err != nil {
		return err
	}
	return vmi.WithDriver(d.coord.Pause(), vmi.KVM)
}

// Resume blocks until every VCPU acknowledged the outstanding pause.
func (d *Driver) Resume() error {
	if err := d.check("resume"); err != nil {
		return err
	}
	return vmi.WithDriver(d.coord.Resume(), vmi.KVM)
}

func (d *Driver) ToggleIntercept(vcpu uint16, it vmi.InterceptType, enabled bool) error {
	if err := d.check("toggle_intercept"); err != nil {
		return err
	}
	if err := vmi.CheckVCPU("toggle_intercept", vcpu, d.vcpus); err != nil {
		return vmi.WithDriver(err, vmi.KVM)
	}
	if it.Kind != vmi.InterceptCr {
		return vmi.WithDriver(vmi.InvalidArgument("toggle_intercept", "unknown intercept kind %d", it.Kind), vmi.KVM)
	}

	var cr kvmi.CR
	switch it.Cr {
	case vmi.Cr0:
		cr = kvmi.CR0
	case vmi.Cr3:
		cr = kvmi.CR3
	case vmi.Cr4:
		cr = kvmi.CR4
	case vmi.Cr2:
		return vmi.WithDriver(vmi.Unsupported("toggle_intercept"), vmi.KVM)
	default:
		return vmi.WithDriver(vmi.InvalidArgument("toggle_intercept", "unknown control register %d", it.Cr), vmi.KVM)
	}

	if err := d.kvmi.ControlCR(vcpu, cr, enabled); err != nil {
		return d.fail("toggle_intercept", err)
	}
	key := crIntercept{vcpu: vcpu, cr: cr}
	if enabled {
		d.crs[key] = struct{}{}
	} else {
		delete(d.crs, key)
	}
	metrics.RecordInterceptToggle()
	return nil
}

// Listen returns the next control register event, or nil when timeout
// expires first. A negative timeout polls once.
func (d *Driver) Listen(timeout time.Duration) (*vmi.Event, error) {
	if err := d.check("listen"); err != nil {
		return nil, err
	}
	if timeout < 0 {
		timeout = 0
	}
	native, ok, err := d.coord.Listen(timeout)
	if err != nil {
		return nil, vmi.WithDriver(err, vmi.KVM)
	}
	if !ok {
		return nil, nil
	}

	ev, err := convertEvent(native)
	if err != nil {
		// Let the VCPU go rather than hand out something we cannot describe.
		if rerr := d.coord.Reply(native.VCPU, backend{d.kvmi}.ReplyContinue); rerr != nil {
			return nil, vmi.WithDriver(rerr, vmi.KVM)
		}
		return nil, d.fail("listen", err)
	}
	return ev, nil
}

func (d *Driver) ReplyEvent(ev vmi.Event, reply vmi.EventReplyType) error {
	if err := d.check("reply_event"); err != nil {
		return err
	}
	if reply != vmi.ReplyContinue {
		return vmi.WithDriver(vmi.InvalidArgument("reply_event", "unknown reply type %d", reply), vmi.KVM)
	}
	return vmi.WithDriver(d.coord.Reply(ev.VCPU, backend{d.kvmi}.ReplyContinue), vmi.KVM)
}

// Close releases in-flight events, disables every intercept this driver
// enabled and closes the KVMi connection. Cleanup failures are logged; the
// guest may already be gone.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	log := vmi.Logger().With("driver", vmi.KVM.String(), "domain", d.domain)

	d.coord.ReleaseAll()

	for key := range d.crs {
		if err := d.kvmi.ControlCR(key.vcpu, key.cr, false); err != nil {
			log.Warn("failed to disable cr intercept", "vcpu", key.vcpu, "cr", uint32(key.cr), "err", err)
		}
		delete(d.crs, key)
	}
	for vcpu := uint16(0); vcpu < d.vcpus; vcpu++ {
		if err := d.kvmi.ControlEvents(vcpu, kvmi.InterceptCR, false); err != nil {
			log.Warn("failed to disable cr events", "vcpu", vcpu, "err", err)
		}
	}

	if err := d.kvmi.Close(); err != nil {
		return d.fail("close", err)
	}
	log.Debug("closed")
	return nil
}
