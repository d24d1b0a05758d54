// Package dummy is an in-memory guest that implements vmi.Introspector. It
// behaves like an asynchronous hypervisor: a pause is acknowledged per VCPU
// through the event queue, and control register writes injected with
// InjectCrWrite are delivered only while intercepted.
package dummy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/internal/coordinator"
	"github.com/blacktop/go-vmi/internal/metrics"
)

const (
	DefaultVCPUs      = 1
	DefaultMemorySize = 16 << 20

	// events that may wait in the queue besides pause acknowledgements
	queueSlack = 64
)

// Options configures a Driver.
type Options struct {
	VCPUs        uint16
	MemorySize   uint64
	DrainTimeout time.Duration
}

type nativeEvent struct {
	vcpu     uint16
	pauseAck bool
	cr       vmi.CrType
	new, old uint64
}

// Driver is the dummy backend. Registers, intercepts and memory may be
// manipulated from another goroutine while the owner listens.
type Driver struct {
	domain string
	vcpus  uint16
	coord  *coordinator.Coordinator[nativeEvent]
	events chan nativeEvent

	mu         sync.Mutex
	mem        []byte
	regs       []vmi.X86Registers
	intercepts []map[vmi.CrType]bool
	closed     bool
}

var _ vmi.Introspector = (*Driver)(nil)

var errClosed = errors.New("driver is closed")

// New creates a guest named domain.
func New(domain string, opts Options) (*Driver, error) {
	if opts.VCPUs == 0 {
		opts.VCPUs = DefaultVCPUs
	}
	if opts.MemorySize == 0 {
		opts.MemorySize = DefaultMemorySize
	}

	mem, err := allocRAM(opts.MemorySize)
	if err != nil {
		return nil, vmi.WithDriver(vmi.ConnectionError("init", err), vmi.Dummy)
	}

	d := &Driver{
		domain:     domain,
		vcpus:      opts.VCPUs,
		events:     make(chan nativeEvent, int(opts.VCPUs)+queueSlack),
		mem:        mem,
		regs:       make([]vmi.X86Registers, opts.VCPUs),
		intercepts: make([]map[vmi.CrType]bool, opts.VCPUs),
	}
	for i := range d.intercepts {
		d.intercepts[i] = make(map[vmi.CrType]bool)
	}

	var copts []coordinator.Option
	if opts.DrainTimeout > 0 {
		copts = append(copts, coordinator.WithDrainTimeout(opts.DrainTimeout))
	}
	d.coord = coordinator.New[nativeEvent](backend{d}, d.vcpus, copts...)

	vmi.Logger().Debug("dummy guest created", "domain", domain, "vcpus", d.vcpus, "memory", len(mem))
	return d, nil
}

// backend adapts the event queue to the coordinator.
type backend struct{ d *Driver }

func (b backend) RequestPause() error {
	for v := uint16(0); v < b.d.vcpus; v++ {
		select {
		case b.d.events <- nativeEvent{vcpu: v, pauseAck: true}:
		default:
			return fmt.Errorf("event queue full")
		}
	}
	return nil
}

func (b backend) WaitEvent(timeout time.Duration) (nativeEvent, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-b.d.events:
		return ev, true, nil
	case <-timer.C:
		return nativeEvent{}, false, nil
	}
}

// ReplyContinue commits the trapped control register write.
func (b backend) ReplyContinue(ev nativeEvent) error {
	if ev.pauseAck {
		return nil
	}
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if int(ev.vcpu) >= len(b.d.regs) {
		return fmt.Errorf("no vcpu %d", ev.vcpu)
	}
	return b.d.regs[ev.vcpu].Set(crRegister(ev.cr), ev.new)
}

func (b backend) IsPauseAck(ev nativeEvent) bool { return ev.pauseAck }

func (b backend) EventVCPU(ev nativeEvent) uint16 { return ev.vcpu }

func crRegister(cr vmi.CrType) vmi.RegisterID {
	switch cr {
	case vmi.Cr0:
		return vmi.RegCR0
	case vmi.Cr2:
		return vmi.RegCR2
	case vmi.Cr3:
		return vmi.RegCR3
	case vmi.Cr4:
		return vmi.RegCR4
	}
	return vmi.RegisterID(^uint32(0))
}

func (d *Driver) check(op string) error {
	if d.closed {
		return vmi.WithDriver(vmi.ConnectionError(op, errClosed), vmi.Dummy)
	}
	return nil
}

func (d *Driver) GetDriverType() vmi.DriverType { return vmi.Dummy }

func (d *Driver) GetVCPUCount() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("get_vcpu_count"); err != nil {
		return 0, err
	}
	return d.vcpus, nil
}

func (d *Driver) ReadPhysical(paddr uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("read_physical"); err != nil {
		return err
	}
	if err := d.physicalRange("read_physical", paddr, buf); err != nil {
		return err
	}
	copy(buf, d.mem[paddr:])
	metrics.RecordPhysicalRead(len(buf))
	return nil
}

// WritePhysical stores data into guest memory at paddr.
func (d *Driver) WritePhysical(paddr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("write_physical"); err != nil {
		return err
	}
	if err := d.physicalRange("write_physical", paddr, data); err != nil {
		return err
	}
	copy(d.mem[paddr:], data)
	return nil
}

func (d *Driver) physicalRange(op string, paddr uint64, buf []byte) error {
	if err := vmi.CheckPhysicalRange(op, paddr, buf); err != nil {
		return vmi.WithDriver(err, vmi.Dummy)
	}
	if paddr+uint64(len(buf)) > uint64(len(d.mem)) {
		metrics.RecordBackendError()
		return vmi.WithDriver(vmi.BackendError(op,
			fmt.Errorf("range 0x%x+%d is not backed by guest memory (size 0x%x)", paddr, len(buf), len(d.mem))), vmi.Dummy)
	}
	return nil
}

func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("get_max_physical_addr"); err != nil {
		return 0, err
	}
	return uint64(len(d.mem)), nil
}

func (d *Driver) ReadRegisters(vcpu uint16) (vmi.Registers, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("read_registers"); err != nil {
		return vmi.Registers{}, err
	}
	if err := vmi.CheckVCPU("read_registers", vcpu, d.vcpus); err != nil {
		return vmi.Registers{}, vmi.WithDriver(err, vmi.Dummy)
	}
	metrics.RecordRegisterOp()
	return vmi.Registers{Arch: vmi.ArchX86, X86: d.regs[vcpu]}, nil
}

func (d *Driver) WriteRegisters(vcpu uint16, value uint64, reg vmi.RegisterID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("write_registers"); err != nil {
		return err
	}
	if err := vmi.CheckVCPU("write_registers", vcpu, d.vcpus); err != nil {
		return vmi.WithDriver(err, vmi.Dummy)
	}
	if err := d.regs[vcpu].Set(reg, value); err != nil {
		return vmi.WithDriver(err, vmi.Dummy)
	}
	metrics.RecordRegisterOp()
	return nil
}

// SetRegisters replaces the whole register file of vcpu.
func (d *Driver) SetRegisters(vcpu uint16, regs vmi.X86Registers) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("set_registers"); err != nil {
		return err
	}
	if err := vmi.CheckVCPU("set_registers", vcpu, d.vcpus); err != nil {
		return vmi.WithDriver(err, vmi.Dummy)
	}
	d.regs[vcpu] = regs
	return nil
}

func (d *Driver) Pause() error {
	if err := d.check("pause"); err != nil {
		return err
	}
	return vmi.WithDriver(d.coord.Pause(), vmi.Dummy)
}

func (d *Driver) Resume() error {
	if err := d.check("resume"); err != nil {
		return err
	}
	return vmi.WithDriver(d.coord.Resume(), vmi.Dummy)
}

func (d *Driver) ToggleIntercept(vcpu uint16, it vmi.InterceptType, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("toggle_intercept"); err != nil {
		return err
	}
	if err := vmi.CheckVCPU("toggle_intercept", vcpu, d.vcpus); err != nil {
		return vmi.WithDriver(err, vmi.Dummy)
	}
	if it.Kind != vmi.InterceptCr || it.Cr > vmi.Cr4 {
		return vmi.WithDriver(vmi.InvalidArgument("toggle_intercept", "unknown intercept %+v", it), vmi.Dummy)
	}
	if enabled {
		d.intercepts[vcpu][it.Cr] = true
	} else {
		delete(d.intercepts[vcpu], it.Cr)
	}
	metrics.RecordInterceptToggle()
	return nil
}

// Intercepted reports whether writes to cr on vcpu are trapped.
func (d *Driver) Intercepted(vcpu uint16, cr vmi.CrType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vcpu < d.vcpus && d.intercepts[vcpu][cr]
}

// InjectCrWrite simulates the guest writing newValue to cr on vcpu. The write
// traps, and is reported as true, only if cr is intercepted on vcpu; otherwise
// it takes effect immediately. A trapped write is committed when the event is
// replied to.
func (d *Driver) InjectCrWrite(vcpu uint16, cr vmi.CrType, newValue uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("inject"); err != nil {
		return false, err
	}
	if err := vmi.CheckVCPU("inject", vcpu, d.vcpus); err != nil {
		return false, vmi.WithDriver(err, vmi.Dummy)
	}
	reg := crRegister(cr)
	old, err := d.regs[vcpu].Get(reg)
	if err != nil {
		return false, vmi.WithDriver(err, vmi.Dummy)
	}

	if !d.intercepts[vcpu][cr] {
		return false, d.regs[vcpu].Set(reg, newValue)
	}
	select {
	case d.events <- nativeEvent{vcpu: vcpu, cr: cr, new: newValue, old: old}:
		return true, nil
	default:
		return false, vmi.WithDriver(vmi.BackendError("inject", fmt.Errorf("event queue full")), vmi.Dummy)
	}
}

func (d *Driver) Listen(timeout time.Duration) (*vmi.Event, error) {
	if err := d.check("listen"); err != nil {
		return nil, err
	}
	ev, ok, err := d.coord.Listen(timeout)
	if err != nil {
		return nil, vmi.WithDriver(err, vmi.Dummy)
	}
	if !ok {
		return nil, nil
	}
	return &vmi.Event{
		VCPU: ev.vcpu,
		Kind: vmi.EventCr,
		Cr:   vmi.CrEvent{Type: ev.cr, New: ev.new, Old: ev.old},
	}, nil
}

func (d *Driver) ReplyEvent(ev vmi.Event, reply vmi.EventReplyType) error {
	if err := d.check("reply_event"); err != nil {
		return err
	}
	if reply != vmi.ReplyContinue {
		return vmi.WithDriver(vmi.InvalidArgument("reply_event", "unknown reply type %d", reply), vmi.Dummy)
	}
	return vmi.WithDriver(d.coord.Reply(ev.VCPU, backend{d}.ReplyContinue), vmi.Dummy)
}

// Close releases in-flight events, clears every intercept and frees guest
// memory. Idempotent.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.coord.ReleaseAll()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for i := range d.intercepts {
		clear(d.intercepts[i])
	}
	mem := d.mem
	d.mem = nil
	if err := freeRAM(mem); err != nil {
		return vmi.WithDriver(vmi.BackendError("close", err), vmi.Dummy)
	}
	vmi.Logger().Debug("dummy guest destroyed", "domain", d.domain)
	return nil
}
