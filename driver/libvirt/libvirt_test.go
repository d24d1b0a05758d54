package libvirt

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/blacktop/go-vmi"
)

type peek struct {
	offset uint64
	size   uint32
	flags  libvirt.DomainMemoryFlags
}

type fakeDomainAPI struct {
	mem      []byte
	vcpus    int32
	maxKiB   uint64
	missing  bool
	peekErr  error
	peeks    []peek
	suspends int
	resumes  int
	disconns int
}

func (f *fakeDomainAPI) DomainLookupByName(name string) (libvirt.Domain, error) {
	if f.missing {
		return libvirt.Domain{}, errors.New("Domain not found")
	}
	return libvirt.Domain{Name: name, ID: 7}, nil
}

func (f *fakeDomainAPI) DomainSuspend(libvirt.Domain) error {
	f.suspends++
	return nil
}

func (f *fakeDomainAPI) DomainResume(libvirt.Domain) error {
	f.resumes++
	return nil
}

func (f *fakeDomainAPI) DomainMemoryPeek(dom libvirt.Domain, offset uint64, size uint32, flags libvirt.DomainMemoryFlags) ([]byte, error) {
	f.peeks = append(f.peeks, peek{offset, size, flags})
	if f.peekErr != nil {
		return nil, f.peekErr
	}
	if offset+uint64(size) > uint64(len(f.mem)) {
		return nil, errors.New("invalid argument: memory peek request is outside range")
	}
	return bytes.Clone(f.mem[offset : offset+uint64(size)]), nil
}

func (f *fakeDomainAPI) DomainGetMaxMemory(libvirt.Domain) (uint64, error) {
	return f.maxKiB, nil
}

func (f *fakeDomainAPI) DomainGetVcpusFlags(libvirt.Domain, uint32) (int32, error) {
	return f.vcpus, nil
}

func (f *fakeDomainAPI) Disconnect() error {
	f.disconns++
	return nil
}

func newDriver(t *testing.T, f *fakeDomainAPI) *Driver {
	t.Helper()
	d, err := New("win10", f)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newFake() *fakeDomainAPI {
	mem := make([]byte, 256<<10)
	for i := range mem {
		mem[i] = byte(i * 7)
	}
	return &fakeDomainAPI{mem: mem, vcpus: 4, maxKiB: 2 << 20}
}

func TestNew(t *testing.T) {
	f := newFake()
	d := newDriver(t, f)

	if d.GetDriverType() != vmi.Libvirt {
		t.Errorf("GetDriverType() = %v", d.GetDriverType())
	}
	if n, err := d.GetVCPUCount(); n != 4 || err != nil {
		t.Errorf("GetVCPUCount() = %d, %v", n, err)
	}
}

func TestNewUnknownDomain(t *testing.T) {
	f := newFake()
	f.missing = true

	_, err := New("nope", f)
	if !errors.Is(err, vmi.ErrConnection) {
		t.Fatalf("New() error = %v, want connection error", err)
	}
	if f.disconns != 1 {
		t.Errorf("Disconnect calls = %d, want 1", f.disconns)
	}
}

func TestReadPhysicalChunks(t *testing.T) {
	tests := []struct {
		name   string
		paddr  uint64
		size   int
		chunks int
	}{
		{"single page", 0x1000, 0x1000, 1},
		{"exactly one chunk", 0, peekChunk, 1},
		{"two chunks", 0x10, peekChunk + 1, 2},
		{"three chunks", 0x2000, 2*peekChunk + 0x100, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			d := newDriver(t, f)

			buf := make([]byte, tt.size)
			if err := d.ReadPhysical(tt.paddr, buf); err != nil {
				t.Fatalf("ReadPhysical() error = %v", err)
			}
			if !bytes.Equal(buf, f.mem[tt.paddr:tt.paddr+uint64(tt.size)]) {
				t.Error("ReadPhysical() returned wrong bytes")
			}
			if len(f.peeks) != tt.chunks {
				t.Fatalf("peeks = %d, want %d", len(f.peeks), tt.chunks)
			}
			for _, p := range f.peeks {
				if p.size > peekChunk {
					t.Errorf("peek of %d bytes exceeds limit", p.size)
				}
				if p.flags != libvirt.MemoryPhysical {
					t.Errorf("peek flags = %v, want physical", p.flags)
				}
			}
		})
	}
}

func TestReadPhysicalErrors(t *testing.T) {
	f := newFake()
	d := newDriver(t, f)

	if err := d.ReadPhysical(0, nil); !errors.Is(err, vmi.ErrInvalidArgument) {
		t.Errorf("empty buffer error = %v", err)
	}
	if err := d.ReadPhysical(uint64(len(f.mem)), make([]byte, 8)); !errors.Is(err, vmi.ErrBackend) {
		t.Errorf("unbacked read error = %v", err)
	}
}

func TestGetMaxPhysicalAddr(t *testing.T) {
	d := newDriver(t, newFake())
	got, err := d.GetMaxPhysicalAddr()
	if err != nil || got != 2<<30 {
		t.Errorf("GetMaxPhysicalAddr() = %#x, %v; want 2 GiB", got, err)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	f := newFake()
	d := newDriver(t, f)

	if err := d.Resume(); err != nil {
		t.Fatal(err)
	}
	if f.resumes != 0 {
		t.Errorf("Resume without pause issued %d requests", f.resumes)
	}
	for i := 0; i < 2; i++ {
		if err := d.Pause(); err != nil {
			t.Fatal(err)
		}
	}
	if f.suspends != 1 {
		t.Errorf("suspend requests = %d, want 1", f.suspends)
	}
	for i := 0; i < 2; i++ {
		if err := d.Resume(); err != nil {
			t.Fatal(err)
		}
	}
	if f.resumes != 1 {
		t.Errorf("resume requests = %d, want 1", f.resumes)
	}
}

func TestUnsupported(t *testing.T) {
	d := newDriver(t, newFake())

	checks := map[string]error{
		"read_registers":   func() error { _, err := d.ReadRegisters(0); return err }(),
		"write_registers":  d.WriteRegisters(0, 1, vmi.RegRAX),
		"toggle_intercept": d.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr3), true),
		"listen":           func() error { _, err := d.Listen(time.Millisecond); return err }(),
		"reply_event":      d.ReplyEvent(vmi.Event{}, vmi.ReplyContinue),
	}
	for op, err := range checks {
		if !errors.Is(err, vmi.ErrUnsupported) {
			t.Errorf("%s error = %v, want unsupported", op, err)
		}
	}
}

func TestCloseResumesPausedDomain(t *testing.T) {
	f := newFake()
	d, err := New("win10", f)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if f.resumes != 1 || f.disconns != 1 {
		t.Errorf("resumes = %d, disconnects = %d; want 1, 1", f.resumes, f.disconns)
	}
	if err := d.Close(); err != nil || f.disconns != 1 {
		t.Errorf("second Close() = %v, disconnects = %d", err, f.disconns)
	}
	if err := d.Pause(); !errors.Is(err, vmi.ErrConnection) {
		t.Errorf("Pause() after Close error = %v", err)
	}
}
