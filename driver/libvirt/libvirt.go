// Package libvirt implements the memory and pause/resume subset of
// vmi.Introspector over the libvirt RPC protocol. libvirt has no event channel
// for register traps, so registers, intercepts and events are unsupported.
package libvirt

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/internal/metrics"
)

const (
	DefaultURI         = "qemu:///system"
	DefaultSocket      = "/var/run/libvirt/libvirt-sock"
	DefaultDialTimeout = 5 * time.Second

	// largest buffer virDomainMemoryPeek accepts in one call
	peekChunk = 64 << 10
)

// DomainAPI is the subset of *libvirt.Libvirt the driver uses.
type DomainAPI interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainSuspend(dom libvirt.Domain) error
	DomainResume(dom libvirt.Domain) error
	DomainMemoryPeek(dom libvirt.Domain, offset uint64, size uint32, flags libvirt.DomainMemoryFlags) ([]byte, error)
	DomainGetMaxMemory(dom libvirt.Domain) (uint64, error)
	DomainGetVcpusFlags(dom libvirt.Domain, flags uint32) (int32, error)
	Disconnect() error
}

// Options configures Dial.
type Options struct {
	URI         string
	Socket      string
	DialTimeout time.Duration
}

// Driver is the libvirt backend.
type Driver struct {
	vmi.UnimplementedIntrospector

	api    DomainAPI
	dom    libvirt.Domain
	name   string
	vcpus  uint16
	paused bool
	closed bool
}

var _ vmi.Introspector = (*Driver)(nil)

var errClosed = errors.New("driver is closed")

// Dial connects to the libvirt daemon over its unix socket and looks up domain.
func Dial(domain string, opts Options) (*Driver, error) {
	if opts.URI == "" {
		opts.URI = DefaultURI
	}
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	conn, err := net.DialTimeout("unix", opts.Socket, opts.DialTimeout)
	if err != nil {
		return nil, vmi.WithDriver(vmi.ConnectionError("init", fmt.Errorf("dial %s: %w", opts.Socket, err)), vmi.Libvirt)
	}
	l := libvirt.New(conn)
	if err := l.ConnectToURI(libvirt.ConnectURI(opts.URI)); err != nil {
		conn.Close()
		return nil, vmi.WithDriver(vmi.ConnectionError("init", fmt.Errorf("connect %s: %w", opts.URI, err)), vmi.Libvirt)
	}
	return New(domain, l)
}

// New binds the driver to domain over an established connection. The driver
// owns api from then on and disconnects it on Close.
func New(domain string, api DomainAPI) (*Driver, error) {
	fail := func(err error) (*Driver, error) {
		api.Disconnect()
		return nil, vmi.WithDriver(vmi.ConnectionError("init", err), vmi.Libvirt)
	}

	dom, err := api.DomainLookupByName(domain)
	if err != nil {
		return fail(fmt.Errorf("lookup domain %q: %w", domain, err))
	}
	count, err := api.DomainGetVcpusFlags(dom, 0) // VIR_DOMAIN_VCPU_CURRENT
	if err != nil {
		return fail(fmt.Errorf("get vcpu count: %w", err))
	}
	if count <= 0 || count > 1<<16-1 {
		return fail(fmt.Errorf("implausible vcpu count %d", count))
	}

	vmi.Logger().Debug("connected", "driver", vmi.Libvirt.String(), "domain", domain, "vcpus", count)
	return &Driver{api: api, dom: dom, name: domain, vcpus: uint16(count)}, nil
}

func (d *Driver) check(op string) error {
	if d.closed {
		return vmi.WithDriver(vmi.ConnectionError(op, errClosed), vmi.Libvirt)
	}
	return nil
}

func (d *Driver) fail(op string, err error) error {
	metrics.RecordBackendError()
	return vmi.WithDriver(vmi.BackendError(op, err), vmi.Libvirt)
}

func (d *Driver) GetDriverType() vmi.DriverType { return vmi.Libvirt }

func (d *Driver) GetVCPUCount() (uint16, error) {
	if err := d.check("get_vcpu_count"); err != nil {
		return 0, err
	}
	return d.vcpus, nil
}

// ReadPhysical peeks guest physical memory in chunks libvirt accepts.
func (d *Driver) ReadPhysical(paddr uint64, buf []byte) error {
	if err := d.check("read_physical"); err != nil {
		return err
	}
	if err := vmi.CheckPhysicalRange("read_physical", paddr, buf); err != nil {
		return vmi.WithDriver(err, vmi.Libvirt)
	}

	for off := 0; off < len(buf); {
		n := min(len(buf)-off, peekChunk)
		data, err := d.api.DomainMemoryPeek(d.dom, paddr+uint64(off), uint32(n), libvirt.MemoryPhysical)
		if err != nil {
			return d.fail("read_physical", fmt.Errorf("peek 0x%x+%d: %w", paddr+uint64(off), n, err))
		}
		if len(data) != n {
			return d.fail("read_physical", fmt.Errorf("peek 0x%x+%d: short read of %d bytes", paddr+uint64(off), n, len(data)))
		}
		off += copy(buf[off:], data)
	}
	metrics.RecordPhysicalRead(len(buf))
	return nil
}

// GetMaxPhysicalAddr reports the domain's maximum memory. Guests with memory
// holes below 4 GiB extend past it; the value is an estimate.
func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	if err := d.check("get_max_physical_addr"); err != nil {
		return 0, err
	}
	kib, err := d.api.DomainGetMaxMemory(d.dom)
	if err != nil {
		return 0, d.fail("get_max_physical_addr", err)
	}
	return kib << 10, nil
}

// Pause suspends the domain. libvirt suspends synchronously so there is
// nothing to drain, but a second Pause still issues no request.
func (d *Driver) Pause() error {
	if err := d.check("pause"); err != nil {
		return err
	}
	if d.paused {
		return nil
	}
	if err := d.api.DomainSuspend(d.dom); err != nil {
		return d.fail("pause", err)
	}
	d.paused = true
	metrics.RecordPauseRequest()
	return nil
}

func (d *Driver) Resume() error {
	if err := d.check("resume"); err != nil {
		return err
	}
	if !d.paused {
		return nil
	}
	if err := d.api.DomainResume(d.dom); err != nil {
		return d.fail("resume", err)
	}
	d.paused = false
	return nil
}

// Close resumes the domain if this driver paused it, then disconnects.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.paused {
		if err := d.api.DomainResume(d.dom); err != nil {
			vmi.Logger().Warn("failed to resume domain", "driver", vmi.Libvirt.String(), "domain", d.name, "err", err)
		}
		d.paused = false
	}
	if err := d.api.Disconnect(); err != nil {
		return d.fail("close", err)
	}
	return nil
}
