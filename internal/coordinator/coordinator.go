// Package coordinator keeps per-VCPU event bookkeeping consistent with a
// guest whose pause is acknowledged asynchronously, one event per VCPU.
//
// Pause only issues the request. The acknowledgements are drained by the next
// Resume, which blocks until every VCPU has reported in. Acknowledgements are
// never handed to the caller of Listen.
package coordinator

import (
	"time"

	"github.com/blacktop/go-vmi"
	"github.com/blacktop/go-vmi/internal/metrics"
)

// DefaultDrainTimeout bounds each event wait performed while draining pause
// acknowledgements. Timeouts are not errors; the drain simply waits again.
const DefaultDrainTimeout = time.Second

// Backend is the native surface a coordinator drives. E is the backend's own
// event representation.
type Backend[E any] interface {
	// RequestPause asks the hypervisor to pause every VCPU.
	RequestPause() error
	// WaitEvent blocks up to timeout; ok is false when nothing arrived.
	WaitEvent(timeout time.Duration) (ev E, ok bool, err error)
	// ReplyContinue lets the VCPU that raised ev proceed.
	ReplyContinue(ev E) error
	// IsPauseAck reports whether ev acknowledges a pause request.
	IsPauseAck(ev E) bool
	// EventVCPU returns the VCPU that raised ev.
	EventVCPU(ev E) uint16
}

// State of the pause protocol.
type State int

const (
	Running State = iota
	PausePending
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case PausePending:
		return "pause-pending"
	default:
		return "unknown"
	}
}

type slot[E any] struct {
	ev   E
	busy bool
}

// Coordinator tracks outstanding pause acknowledgements and in-flight events.
// It is not safe for concurrent use.
type Coordinator[E any] struct {
	backend      Backend[E]
	vcpus        uint16
	expected     uint32
	slots        []slot[E]
	drainTimeout time.Duration
	err          error // sticky desync
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	drainTimeout time.Duration
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// New returns a coordinator for a domain with vcpus VCPUs.
func New[E any](b Backend[E], vcpus uint16, opts ...Option) *Coordinator[E] {
	o := options{drainTimeout: DefaultDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator[E]{
		backend:      b,
		vcpus:        vcpus,
		slots:        make([]slot[E], vcpus),
		drainTimeout: o.drainTimeout,
	}
}

// State reports whether pause acknowledgements are outstanding.
func (c *Coordinator[E]) State() State {
	if c.expected > 0 {
		return PausePending
	}
	return Running
}

// Outstanding returns the number of pause acknowledgements not yet drained.
func (c *Coordinator[E]) Outstanding() uint32 { return c.expected }

// Pending reports whether vcpu has an event awaiting a reply.
func (c *Coordinator[E]) Pending(vcpu uint16) bool {
	return vcpu < c.vcpus && c.slots[vcpu].busy
}

// Err returns the desync error that poisoned the coordinator, if any.
func (c *Coordinator[E]) Err() error { return c.err }

func (c *Coordinator[E]) desync(op, format string, args ...any) error {
	c.err = vmi.Desync(op, format, args...)
	metrics.RecordDesync()
	vmi.Logger().Error("event protocol desynchronized", "op", op, "err", c.err)
	return c.err
}

// drop lets the VCPU behind an event that cannot be parked continue, so the
// event is not leaked in the backend. Failures are logged.
func (c *Coordinator[E]) drop(ev E) {
	if err := c.backend.ReplyContinue(ev); err != nil {
		vmi.Logger().Warn("failed to release dropped event", "vcpu", c.backend.EventVCPU(ev), "err", err)
	}
}

// Pause issues a pause request unless one is already outstanding.
func (c *Coordinator[E]) Pause() error {
	if c.err != nil {
		return c.err
	}
	if c.expected > 0 {
		return nil
	}

	if err := c.backend.RequestPause(); err != nil {
		metrics.RecordBackendError()
		return vmi.BackendError("pause", err)
	}
	metrics.RecordPauseRequest()
	c.expected = uint32(c.vcpus)
	vmi.Logger().Debug("pause requested", "expected_acks", c.expected)
	return nil
}

// Resume drains every outstanding pause acknowledgement, replying Continue to
// each. It returns immediately when no pause is outstanding.
func (c *Coordinator[E]) Resume() error {
	if c.err != nil {
		return c.err
	}

	for c.expected > 0 {
		ev, ok, err := c.backend.WaitEvent(c.drainTimeout)
		if err != nil {
			metrics.RecordBackendError()
			return vmi.BackendError("resume", err)
		}
		if !ok {
			vmi.Logger().Debug("waiting for pause acknowledgements", "remaining", c.expected)
			continue
		}
		vcpu := c.backend.EventVCPU(ev)
		if !c.backend.IsPauseAck(ev) {
			c.drop(ev)
			return c.desync("resume", "unexpected event from vcpu %d while draining pause acknowledgements", vcpu)
		}
		if err := c.backend.ReplyContinue(ev); err != nil {
			metrics.RecordBackendError()
			return vmi.BackendError("resume", err)
		}
		c.expected--
		metrics.RecordPauseAck()
		vmi.Logger().Debug("pause acknowledged", "vcpu", vcpu, "remaining", c.expected)
	}
	return nil
}

// Listen waits up to timeout for the next event and parks it in its VCPU slot.
func (c *Coordinator[E]) Listen(timeout time.Duration) (ev E, ok bool, err error) {
	var zero E
	if c.err != nil {
		return zero, false, c.err
	}

	start := time.Now()
	ev, ok, err = c.backend.WaitEvent(timeout)
	metrics.RecordListen(time.Since(start), err == nil && !ok)
	if err != nil {
		metrics.RecordBackendError()
		return zero, false, vmi.BackendError("listen", err)
	}
	if !ok {
		return zero, false, nil
	}

	vcpu := c.backend.EventVCPU(ev)
	switch {
	case c.backend.IsPauseAck(ev):
		c.drop(ev)
		return zero, false, c.desync("listen", "pause acknowledgement from vcpu %d (resume was not called after pause)", vcpu)
	case vcpu >= c.vcpus:
		c.drop(ev)
		return zero, false, c.desync("listen", "event from vcpu %d, domain has %d", vcpu, c.vcpus)
	case c.slots[vcpu].busy:
		c.drop(ev)
		return zero, false, c.desync("listen", "second event from vcpu %d before reply", vcpu)
	}

	c.slots[vcpu] = slot[E]{ev: ev, busy: true}
	metrics.RecordEventDelivered()
	return ev, true, nil
}

// Reply hands the in-flight event of vcpu to reply and clears the slot once
// reply succeeds.
func (c *Coordinator[E]) Reply(vcpu uint16, reply func(E) error) error {
	if c.err != nil {
		return c.err
	}
	if err := vmi.CheckVCPU("reply_event", vcpu, c.vcpus); err != nil {
		return err
	}
	s := &c.slots[vcpu]
	if !s.busy {
		return c.desync("reply_event", "no pending event for vcpu %d", vcpu)
	}

	if err := reply(s.ev); err != nil {
		metrics.RecordBackendError()
		return vmi.BackendError("reply_event", err)
	}
	*s = slot[E]{}
	metrics.RecordEventReplied()
	return nil
}

// ReleaseAll replies Continue to every in-flight event so no VCPU stays halted
// once the owner goes away. Failures are logged and skipped. Outstanding pause
// acknowledgements are forgotten; the hypervisor drops them with the connection.
func (c *Coordinator[E]) ReleaseAll() {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.busy {
			continue
		}
		if err := c.backend.ReplyContinue(s.ev); err != nil {
			vmi.Logger().Warn("failed to release in-flight event", "vcpu", i, "err", err)
		}
		*s = slot[E]{}
	}
	if c.expected > 0 {
		vmi.Logger().Debug("discarding outstanding pause acknowledgements", "remaining", c.expected)
		c.expected = 0
	}
}
