// Package vmi provides a hypervisor-agnostic virtual machine introspection
// interface for x86 guests.
//
// An Introspector attaches to a running domain and exposes its physical
// memory, its VCPU registers, pause/resume control, and control register
// write intercepts. Backends live under driver/ and are selected at runtime.
//
// # Basic Usage
//
// Open a backend for a domain:
//
//	in, err := driver.Open(vmi.KVM, "win10", driver.Options{})
//	if err != nil {
//		log.Fatal("Failed to attach:", err)
//	}
//	defer in.Close()
//
// Read memory and registers while the guest is stopped:
//
//	if err := in.Pause(); err != nil {
//		log.Fatal(err)
//	}
//	regs, err := in.ReadRegisters(0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	page := make([]byte, 4096)
//	if err := in.ReadPhysical(regs.X86.CR3&^0xfff, page); err != nil {
//		log.Fatal(err)
//	}
//	if err := in.Resume(); err != nil {
//		log.Fatal(err)
//	}
//
// Trap CR3 writes (context switches):
//
//	if err := in.ToggleIntercept(0, vmi.CrIntercept(vmi.Cr3), true); err != nil {
//		log.Fatal(err)
//	}
//	for {
//		ev, err := in.Listen(time.Second)
//		if err != nil {
//			log.Fatal(err)
//		}
//		if ev == nil {
//			continue // timeout
//		}
//		fmt.Println(ev)
//		if err := in.ReplyEvent(*ev, vmi.ReplyContinue); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The trapping VCPU stays halted until ReplyEvent is called for its event.
//
// # Error Handling
//
// Every operation returns a *Error carrying an ErrorKind. Use errors.Is with
// ErrUnsupported, ErrInvalidArgument, ErrBackend, ErrConnection and
// ErrProtocolDesync to branch on the kind. A protocol desync is fatal: close
// the instance. Messages omit backend detail when VMI_ENV=production or
// VMI_DEBUG=false.
//
// # Concurrency
//
// An Introspector is not safe for concurrent use. Drive it from one
// goroutine.
//
// # Platform Support
//
// The KVM backend needs Linux, cgo, libkvmi and the kvmi build tag. Without
// them driver.Open(vmi.KVM, ...) fails with ErrUnsupported. The libvirt and
// dummy backends build everywhere.
package vmi
