// Package driver constructs an Introspector for a backend selected at run time.
package driver

import (
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/driver/dummy"
	"github.com/blacktop/go-vmi/driver/kvm"
	"github.com/blacktop/go-vmi/driver/libvirt"
	"github.com/blacktop/go-vmi/kvmi"
)

// Options carries the per-backend settings. Only the section matching the
// selected driver is consulted.
type Options struct {
	KVMi    KVMiOptions
	Libvirt libvirt.Options
	Dummy   dummy.Options
}

// KVMiOptions configures the KVM backend.
type KVMiOptions struct {
	Socket           string
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
}

// Open connects to domain through the backend dt.
func Open(dt vmi.DriverType, domain string, opts Options) (vmi.Introspector, error) {
	vmi.Logger().Debug("opening driver", "driver", dt.String(), "domain", domain)

	// Each case checks err itself so a failed constructor never yields a
	// non-nil interface holding a nil pointer.
	switch dt {
	case vmi.Dummy:
		d, err := dummy.New(domain, opts.Dummy)
		if err != nil {
			return nil, err
		}
		return d, nil
	case vmi.KVM:
		if ok, err := kvmi.Supported(); !ok {
			return nil, vmi.WithDriver(&vmi.Error{Kind: vmi.KindUnsupported, Op: "init", Err: err}, vmi.KVM)
		}
		k := kvmi.New()
		if opts.KVMi.HandshakeTimeout > 0 {
			k.HandshakeTimeout = uint32(opts.KVMi.HandshakeTimeout.Milliseconds())
		}
		d, err := kvm.New(domain, k, kvm.Options{Socket: opts.KVMi.Socket, DrainTimeout: opts.KVMi.DrainTimeout})
		if err != nil {
			return nil, err
		}
		return d, nil
	case vmi.Libvirt:
		d, err := libvirt.Dial(domain, opts.Libvirt)
		if err != nil {
			return nil, err
		}
		return d, nil
	case vmi.HyperV, vmi.VirtualBox, vmi.Xen:
		return nil, vmi.WithDriver(vmi.Unsupported("init"), dt)
	}
	return nil, vmi.InvalidArgument("init", "unknown driver type %d", uint32(dt))
}

// Supported lists the driver types usable in this build.
func Supported() []vmi.DriverType {
	drivers := []vmi.DriverType{vmi.Dummy}
	if ok, _ := kvmi.Supported(); ok {
		drivers = append(drivers, vmi.KVM)
	}
	return append(drivers, vmi.Libvirt)
}
