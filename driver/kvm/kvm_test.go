package kvm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/kvmi"
)

type reply struct {
	ev     *kvmi.Event
	action kvmi.EventReply
}

// fakeKVMi is an in-memory KVMi. Events are served from queue; Pause queues
// one pause acknowledgement per VCPU in reverse order.
type fakeKVMi struct {
	vcpus  uint32
	mem    []byte
	regs   map[uint16]*kvmi.Registers
	queue  []*kvmi.Event
	maxGFN uint64

	initSocket  string
	initErr     error
	gfnErr      error
	controlErr  error
	pauseCalls  int
	events      map[uint16]bool
	crs         map[crIntercept]bool
	replies     []reply
	setRegsFor  []uint16
	closeCalls  int
	vcpuQueries int
	waits       []time.Duration
}

func newFake(vcpus uint32) *fakeKVMi {
	return &fakeKVMi{
		vcpus:  vcpus,
		mem:    make([]byte, 1<<16),
		regs:   make(map[uint16]*kvmi.Registers),
		events: make(map[uint16]bool),
		crs:    make(map[crIntercept]bool),
		maxGFN: 0xfffff,
	}
}

func (f *fakeKVMi) Init(socketPath string) error {
	f.initSocket = socketPath
	return f.initErr
}

func (f *fakeKVMi) Close() error {
	f.closeCalls++
	return nil
}

func (f *fakeKVMi) GetVCPUCount() (uint32, error) {
	f.vcpuQueries++
	return f.vcpus, nil
}

func (f *fakeKVMi) ControlEvents(vcpu uint16, it kvmi.InterceptType, enabled bool) error {
	if f.controlErr != nil {
		return f.controlErr
	}
	if it != kvmi.InterceptCR {
		return fmt.Errorf("unexpected event class %d", it)
	}
	f.events[vcpu] = enabled
	return nil
}

func (f *fakeKVMi) ControlCR(vcpu uint16, cr kvmi.CR, enabled bool) error {
	if f.controlErr != nil {
		return f.controlErr
	}
	f.crs[crIntercept{vcpu, cr}] = enabled
	return nil
}

func (f *fakeKVMi) ReadPhysical(gpa uint64, buf []byte) error {
	if gpa+uint64(len(buf)) > uint64(len(f.mem)) {
		return errors.New("EFAULT")
	}
	copy(buf, f.mem[gpa:])
	return nil
}

func (f *fakeKVMi) Pause() error {
	f.pauseCalls++
	for v := int(f.vcpus) - 1; v >= 0; v-- {
		f.queue = append(f.queue, &kvmi.Event{VCPU: uint16(v), Type: kvmi.EventPauseVCPU})
	}
	return nil
}

func (f *fakeKVMi) GetRegisters(vcpu uint16) (*kvmi.Registers, error) {
	r, ok := f.regs[vcpu]
	if !ok {
		r = &kvmi.Registers{Mode: 8}
		f.regs[vcpu] = r
	}
	c := *r
	return &c, nil
}

func (f *fakeKVMi) SetRegisters(vcpu uint16, regs *kvmi.Regs) error {
	f.setRegsFor = append(f.setRegsFor, vcpu)
	r, _ := f.GetRegisters(vcpu)
	r.Regs = *regs
	f.regs[vcpu] = r
	return nil
}

func (f *fakeKVMi) WaitAndPopEvent(timeout time.Duration) (*kvmi.Event, error) {
	f.waits = append(f.waits, timeout)
	if len(f.queue) == 0 {
		return nil, nil
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	return ev, nil
}

func (f *fakeKVMi) Reply(ev *kvmi.Event, action kvmi.EventReply) error {
	f.replies = append(f.replies, reply{ev, action})
	return nil
}

func (f *fakeKVMi) GetMaximumGFN() (uint64, error) {
	if f.gfnErr != nil {
		return 0, f.gfnErr
	}
	return f.maxGFN, nil
}

func newDriver(t *testing.T, f *fakeKVMi) *Driver {
	t.Helper()
	d, err := New("win10", f, Options{DrainTimeout: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew(t *testing.T) {
	for _, vcpus := range []uint32{1, 2, 16} {
		t.Run(fmt.Sprintf("%d vcpus", vcpus), func(t *testing.T) {
			f := newFake(vcpus)
			d := newDriver(t, f)

			if f.initSocket != DefaultSocket {
				t.Errorf("Init socket = %q, want %q", f.initSocket, DefaultSocket)
			}
			for v := uint16(0); v < uint16(vcpus); v++ {
				if !f.events[v] {
					t.Errorf("cr event class not enabled on vcpu %d", v)
				}
			}
			if d.GetDriverType() != vmi.KVM {
				t.Errorf("GetDriverType() = %v", d.GetDriverType())
			}
		})
	}
}

func TestNewInitFailure(t *testing.T) {
	f := newFake(2)
	f.initErr = errors.New("connection refused")

	_, err := New("win10", f, Options{Socket: "/run/kvmi.sock"})
	if !errors.Is(err, vmi.ErrConnection) {
		t.Fatalf("New() error = %v, want connection error", err)
	}
	var e *vmi.Error
	if !errors.As(err, &e) || e.Driver != vmi.KVM {
		t.Errorf("error not stamped with driver: %#v", err)
	}
	if f.initSocket != "/run/kvmi.sock" {
		t.Errorf("Init socket = %q", f.initSocket)
	}
}

func TestNewEnableFailureCleansUp(t *testing.T) {
	f := newFake(2)
	f.controlErr = errors.New("EPERM")

	if _, err := New("win10", f, Options{}); !errors.Is(err, vmi.ErrConnection) {
		t.Fatalf("New() error = %v, want connection error", err)
	}
	if f.closeCalls != 1 {
		t.Errorf("Close calls = %d, want 1", f.closeCalls)
	}
}

func TestGetVCPUCountIsStable(t *testing.T) {
	f := newFake(4)
	d := newDriver(t, f)

	for i := 0; i < 3; i++ {
		n, err := d.GetVCPUCount()
		if err != nil || n != 4 {
			t.Fatalf("GetVCPUCount() = %d, %v", n, err)
		}
	}
	f.vcpus = 8 // hot-plug after connect is not observed
	if n, _ := d.GetVCPUCount(); n != 4 {
		t.Errorf("GetVCPUCount() changed to %d", n)
	}
	if f.vcpuQueries != 1 {
		t.Errorf("native vcpu queries = %d, want 1", f.vcpuQueries)
	}
}

func TestPauseResume(t *testing.T) {
	for _, vcpus := range []uint32{1, 2, 16} {
		t.Run(fmt.Sprintf("%d vcpus", vcpus), func(t *testing.T) {
			f := newFake(vcpus)
			d := newDriver(t, f)

			if err := d.Pause(); err != nil {
				t.Fatalf("Pause() error = %v", err)
			}
			if err := d.Pause(); err != nil {
				t.Fatalf("second Pause() error = %v", err)
			}
			if f.pauseCalls != 1 {
				t.Errorf("native pause calls = %d, want 1", f.pauseCalls)
			}

			if err := d.Resume(); err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if len(f.replies) != int(vcpus) {
				t.Fatalf("replies = %d, want %d", len(f.replies), vcpus)
			}
			seen := make(map[uint16]bool)
			for _, r := range f.replies {
				if r.ev.Type != kvmi.EventPauseVCPU || r.action != kvmi.ReplyContinue {
					t.Errorf("unexpected reply %+v", r)
				}
				seen[r.ev.VCPU] = true
			}
			if len(seen) != int(vcpus) {
				t.Errorf("acknowledged vcpus = %d, want %d", len(seen), vcpus)
			}

			// None of the acknowledgements reach Listen.
			ev, err := d.Listen(time.Millisecond)
			if err != nil || ev != nil {
				t.Errorf("Listen() = %v, %v; want nil, nil", ev, err)
			}
		})
	}
}

func TestResumeWithoutPause(t *testing.T) {
	f := newFake(2)
	d := newDriver(t, f)

	if err := d.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(f.replies) != 0 {
		t.Errorf("replies = %d, want 0", len(f.replies))
	}
}

func TestListenPauseAckWithoutResume(t *testing.T) {
	f := newFake(2)
	d := newDriver(t, f)

	if err := d.Pause(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Listen(time.Millisecond); !errors.Is(err, vmi.ErrProtocolDesync) {
		t.Fatalf("Listen() error = %v, want protocol desync", err)
	}
	// the popped ack is replied so the native event is freed
	if len(f.replies) != 1 || f.replies[0].ev.Type != kvmi.EventPauseVCPU {
		t.Errorf("replies = %+v, want the dropped pause ack", f.replies)
	}
	if err := d.Resume(); !errors.Is(err, vmi.ErrProtocolDesync) {
		t.Errorf("desync is not sticky, Resume() error = %v", err)
	}
}

func TestReadRegisters(t *testing.T) {
	tests := []struct {
		name string
		mode uint32
		rax  uint64
		want uint64
	}{
		{"64-bit", 8, 0x1234, 0x1234},
		{"64-bit wide value", 8, 0xdead_beef_0000_1234, 0xdead_beef_0000_1234},
		{"32-bit zero-extends", 4, 0xdead_beef_0000_1234, 0x1234},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake(1)
			d := newDriver(t, f)
			f.regs[0] = &kvmi.Registers{
				Regs:  kvmi.Regs{RAX: tt.rax, RIP: 0xffff_f800_0000_1000},
				Sregs: kvmi.Sregs{CR3: 0x1aa000, CS: kvmi.Segment{Base: 0, Limit: 0xffffffff, Selector: 0x10}},
				Mode:  tt.mode,
			}
			f.regs[0].MSRs[len(kvmi.RegisterMSRs)-1] = 0xffff_f800_0010_0000 // LSTAR

			regs, err := d.ReadRegisters(0)
			if err != nil {
				t.Fatalf("ReadRegisters() error = %v", err)
			}
			if regs.Arch != vmi.ArchX86 {
				t.Errorf("Arch = %v", regs.Arch)
			}
			if regs.X86.RAX != tt.want {
				t.Errorf("RAX = %#x, want %#x", regs.X86.RAX, tt.want)
			}
			if regs.X86.CR3 != 0x1aa000 {
				t.Errorf("CR3 = %#x", regs.X86.CR3)
			}
			if regs.X86.CS.Selector != 0x10 || regs.X86.CS.Limit != 0xffffffff {
				t.Errorf("CS = %+v", regs.X86.CS)
			}
			if regs.X86.MsrLSTAR != 0xffff_f800_0010_0000 {
				t.Errorf("MsrLSTAR = %#x", regs.X86.MsrLSTAR)
			}
		})
	}
}

func TestReadRegistersInvalidVCPU(t *testing.T) {
	d := newDriver(t, newFake(2))
	if _, err := d.ReadRegisters(2); !errors.Is(err, vmi.ErrInvalidArgument) {
		t.Errorf("ReadRegisters(2) error = %v, want invalid argument", err)
	}
}

func TestWriteRegisters(t *testing.T) {
	f := newFake(2)
	d := newDriver(t, f)
	f.regs[1] = &kvmi.Registers{Regs: kvmi.Regs{RAX: 1, RBX: 2}, Mode: 8}

	if err := d.WriteRegisters(1, 0x4141, vmi.RegRIP); err != nil {
		t.Fatalf("WriteRegisters() error = %v", err)
	}
	got := f.regs[1].Regs
	if got.RIP != 0x4141 || got.RAX != 1 || got.RBX != 2 {
		t.Errorf("regs after write = %+v", got)
	}

	if err := d.WriteRegisters(1, 0, vmi.RegCR3); !errors.Is(err, vmi.ErrUnsupported) {
		t.Errorf("WriteRegisters(CR3) error = %v, want unsupported", err)
	}
	if err := d.WriteRegisters(1, 0, vmi.RegisterID(99)); !errors.Is(err, vmi.ErrInvalidArgument) {
		t.Errorf("WriteRegisters(99) error = %v, want invalid argument", err)
	}
}

func TestReadPhysical(t *testing.T) {
	f := newFake(1)
	d := newDriver(t, f)
	copy(f.mem[0x1000:], "MZ\x90\x00")

	buf := make([]byte, 4)
	if err := d.ReadPhysical(0x1000, buf); err != nil {
		t.Fatalf("ReadPhysical() error = %v", err)
	}
	if string(buf) != "MZ\x90\x00" {
		t.Errorf("ReadPhysical() = %q", buf)
	}
	if err := d.ReadPhysical(0x1000, nil); !errors.Is(err, vmi.ErrInvalidArgument) {
		t.Errorf("empty buffer error = %v, want invalid argument", err)
	}
	if err := d.ReadPhysical(1<<20, buf); !errors.Is(err, vmi.ErrBackend) {
		t.Errorf("unbacked read error = %v, want backend error", err)
	}
}

func TestGetMaxPhysicalAddr(t *testing.T) {
	f := newFake(1)
	d := newDriver(t, f)

	got, err := d.GetMaxPhysicalAddr()
	if err != nil || got != 0x1_0000_0000 {
		t.Errorf("GetMaxPhysicalAddr() = %#x, %v; want 0x100000000", got, err)
	}

	f.gfnErr = errors.New("EOPNOTSUPP")
	got, err = d.GetMaxPhysicalAddr()
	if err != nil || got != 512<<20 {
		t.Errorf("GetMaxPhysicalAddr() fallback = %#x, %v", got, err)
	}
}

func TestCrEventRoundTrip(t *testing.T) {
	f := newFake(2)
	d := newDriver(t, f)

	if err := d.ToggleIntercept(1, vmi.CrIntercept(vmi.Cr3), true); err != nil {
		t.Fatalf("ToggleIntercept() error = %v", err)
	}
	if !f.crs[crIntercept{1, kvmi.CR3}] {
		t.Fatal("cr3 not intercepted on vcpu 1")
	}

	native := &kvmi.Event{VCPU: 1, Type: kvmi.EventCR, CR: kvmi.CR3, OldValue: 0x1000, NewValue: 0x2000}
	f.queue = append(f.queue, native)

	ev, err := d.Listen(time.Second)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	want := vmi.Event{VCPU: 1, Kind: vmi.EventCr, Cr: vmi.CrEvent{Type: vmi.Cr3, New: 0x2000, Old: 0x1000}}
	if ev == nil || *ev != want {
		t.Fatalf("Listen() = %+v, want %+v", ev, want)
	}

	if err := d.ReplyEvent(*ev, vmi.ReplyContinue); err != nil {
		t.Fatalf("ReplyEvent() error = %v", err)
	}
	if len(f.replies) != 1 || f.replies[0].ev != native || f.replies[0].action != kvmi.ReplyContinue {
		t.Errorf("replies = %+v", f.replies)
	}
	if err := d.ReplyEvent(*ev, vmi.ReplyContinue); !errors.Is(err, vmi.ErrProtocolDesync) {
		t.Errorf("second ReplyEvent() error = %v, want protocol desync", err)
	}
}

func TestReplyWithoutEvent(t *testing.T) {
	d := newDriver(t, newFake(2))
	err := d.ReplyEvent(vmi.Event{VCPU: 0}, vmi.ReplyContinue)
	if !errors.Is(err, vmi.ErrProtocolDesync) {
		t.Errorf("ReplyEvent() error = %v, want protocol desync", err)
	}
}

func TestListenTimeout(t *testing.T) {
	d := newDriver(t, newFake(1))
	ev, err := d.Listen(10 * time.Millisecond)
	if err != nil || ev != nil {
		t.Errorf("Listen() = %v, %v; want nil, nil", ev, err)
	}
}

func TestListenNegativeTimeoutPolls(t *testing.T) {
	f := newFake(1)
	d := newDriver(t, f)

	for _, timeout := range []time.Duration{-time.Second, -1, 0} {
		ev, err := d.Listen(timeout)
		if err != nil || ev != nil {
			t.Errorf("Listen(%v) = %v, %v; want nil, nil", timeout, ev, err)
		}
	}
	if len(f.waits) != 3 {
		t.Fatalf("waits = %d, want 3", len(f.waits))
	}
	for i, w := range f.waits {
		if w < 0 {
			t.Errorf("wait %d passed %v to the binding", i, w)
		}
	}
}

func TestListenUnknownEventIsReleased(t *testing.T) {
	f := newFake(1)
	d := newDriver(t, f)
	f.queue = append(f.queue, &kvmi.Event{VCPU: 0, Type: kvmi.EventBreakpoint})

	if _, err := d.Listen(time.Second); !errors.Is(err, vmi.ErrBackend) {
		t.Fatalf("Listen() error = %v, want backend error", err)
	}
	if len(f.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(f.replies))
	}
	// The slot is free again.
	f.queue = append(f.queue, &kvmi.Event{VCPU: 0, Type: kvmi.EventCR, CR: kvmi.CR0})
	if ev, err := d.Listen(time.Second); err != nil || ev == nil {
		t.Errorf("Listen() = %v, %v", ev, err)
	}
}

func TestToggleIntercept(t *testing.T) {
	f := newFake(2)
	d := newDriver(t, f)

	if err := d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr4), true); err != nil {
		t.Fatal(err)
	}
	if err := d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr4), false); err != nil {
		t.Fatal(err)
	}
	if f.crs[crIntercept{0, kvmi.CR4}] {
		t.Error("cr4 still intercepted after round trip")
	}
	if len(d.crs) != 0 {
		t.Errorf("tracked intercepts = %v, want none", d.crs)
	}

	if err := d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr2), true); !errors.Is(err, vmi.ErrUnsupported) {
		t.Errorf("cr2 error = %v, want unsupported", err)
	}
	if err := d.ToggleIntercept(5, vmi.CrIntercept(vmi.Cr3), true); !errors.Is(err, vmi.ErrInvalidArgument) {
		t.Errorf("vcpu 5 error = %v, want invalid argument", err)
	}
}

func TestClose(t *testing.T) {
	f := newFake(2)
	d, err := New("win10", f, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr3), true); err != nil {
		t.Fatal(err)
	}
	if err := d.ToggleIntercept(1, vmi.CrIntercept(vmi.Cr0), true); err != nil {
		t.Fatal(err)
	}
	f.queue = append(f.queue, &kvmi.Event{VCPU: 1, Type: kvmi.EventCR, CR: kvmi.CR0})
	if _, err := d.Listen(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for key, on := range f.crs {
		if on {
			t.Errorf("intercept %+v left enabled", key)
		}
	}
	for vcpu, on := range f.events {
		if on {
			t.Errorf("cr event class left enabled on vcpu %d", vcpu)
		}
	}
	if len(f.replies) != 1 {
		t.Errorf("in-flight event not released, replies = %d", len(f.replies))
	}

	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if f.closeCalls != 1 {
		t.Errorf("native Close calls = %d, want 1", f.closeCalls)
	}
	if _, err := d.GetVCPUCount(); !errors.Is(err, vmi.ErrConnection) {
		t.Errorf("GetVCPUCount() after Close error = %v", err)
	}
}

func TestCloseToleratesGoneGuest(t *testing.T) {
	f := newFake(2)
	d, err := New("win10", f, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr3), true); err != nil {
		t.Fatal(err)
	}
	f.controlErr = errors.New("ENOTCONN")

	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if f.closeCalls != 1 {
		t.Errorf("native Close calls = %d, want 1", f.closeCalls)
	}
}
