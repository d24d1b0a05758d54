//go:build linux && cgo && kvmi

package kvmi

/*
#cgo LDFLAGS: -lkvmi
#include <errno.h>
#include <pthread.h>
#include <stdlib.h>
#include <string.h>
#include <time.h>
#include <linux/kvm.h>
#include <libkvmi.h>

typedef struct {
	pthread_mutex_t lock;
	pthread_cond_t  cond;
	void           *kvmi;
	void           *dom;
} go_kvmi_ctx;

typedef struct {
	unsigned short     vcpu;
	unsigned int       event;
	unsigned int       seq;
	unsigned int       cr;
	unsigned long long old_value;
	unsigned long long new_value;
} go_kvmi_event;

// Accept the first guest that connects and refuse any other.
static int go_kvmi_new_guest(void *dom, unsigned char (*uuid)[16], void *ctx)
{
	go_kvmi_ctx *c = ctx;
	int accepted = 0;

	(void)uuid;
	pthread_mutex_lock(&c->lock);
	if (c->dom == NULL) {
		c->dom = dom;
		accepted = 1;
		pthread_cond_signal(&c->cond);
	}
	pthread_mutex_unlock(&c->lock);
	return accepted ? 0 : -1;
}

static int go_kvmi_handshake(const struct kvmi_qemu2introspector *qemu,
			     struct kvmi_introspector2qemu *intro, void *ctx)
{
	(void)qemu;
	(void)intro;
	(void)ctx;
	return 0;
}

static go_kvmi_ctx *go_kvmi_listen(const char *socket_path)
{
	go_kvmi_ctx *c = calloc(1, sizeof(*c));
	int saved;

	if (!c)
		return NULL;
	pthread_mutex_init(&c->lock, NULL);
	pthread_cond_init(&c->cond, NULL);
	c->kvmi = kvmi_init_unix_socket(socket_path, go_kvmi_new_guest, go_kvmi_handshake, c);
	if (!c->kvmi) {
		saved = errno;
		pthread_cond_destroy(&c->cond);
		pthread_mutex_destroy(&c->lock);
		free(c);
		errno = saved;
		return NULL;
	}
	return c;
}

static void *go_kvmi_wait_guest(go_kvmi_ctx *c, unsigned int ms)
{
	struct timespec ts;
	void *dom;

	clock_gettime(CLOCK_REALTIME, &ts);
	ts.tv_sec += ms / 1000;
	ts.tv_nsec += (long)(ms % 1000) * 1000000L;
	if (ts.tv_nsec >= 1000000000L) {
		ts.tv_sec++;
		ts.tv_nsec -= 1000000000L;
	}

	pthread_mutex_lock(&c->lock);
	while (c->dom == NULL) {
		if (pthread_cond_timedwait(&c->cond, &c->lock, &ts) == ETIMEDOUT)
			break;
	}
	dom = c->dom;
	pthread_mutex_unlock(&c->lock);

	if (!dom)
		errno = ETIMEDOUT;
	return dom;
}

static void go_kvmi_close(go_kvmi_ctx *c)
{
	if (c->dom)
		kvmi_domain_close(c->dom, true);
	if (c->kvmi)
		kvmi_uninit(c->kvmi);
	pthread_cond_destroy(&c->cond);
	pthread_mutex_destroy(&c->lock);
	free(c);
}

static int go_kvmi_control_events(void *dom, unsigned short vcpu, int id, int enable)
{
	return kvmi_control_events(dom, vcpu, id, enable != 0);
}

static int go_kvmi_control_cr(void *dom, unsigned short vcpu, unsigned int cr, int enable)
{
	return kvmi_control_cr(dom, vcpu, cr, enable != 0);
}

static int go_kvmi_get_registers(void *dom, unsigned short vcpu, struct kvm_regs *regs,
				 struct kvm_sregs *sregs, const unsigned int *indices,
				 unsigned long long *values, unsigned int n, unsigned int *mode)
{
	struct kvm_msrs *msrs;
	unsigned int i;
	int err;

	msrs = calloc(1, sizeof(*msrs) + n * sizeof(struct kvm_msr_entry));
	if (!msrs) {
		errno = ENOMEM;
		return -1;
	}
	msrs->nmsrs = n;
	for (i = 0; i < n; i++)
		msrs->entries[i].index = indices[i];

	err = kvmi_get_registers(dom, vcpu, regs, sregs, msrs, mode);
	if (!err)
		for (i = 0; i < n; i++)
			values[i] = msrs->entries[i].data;

	free(msrs);
	return err;
}

static int go_kvmi_wait_and_pop(void *dom, int ms, struct kvmi_dom_event **out, go_kvmi_event *info)
{
	struct kvmi_dom_event *ev;
	int err;

	err = kvmi_wait_event(dom, ms);
	if (err)
		return err;
	err = kvmi_pop_event(dom, &ev);
	if (err)
		return err;

	memset(info, 0, sizeof(*info));
	info->vcpu = ev->event.common.vcpu;
	info->event = ev->event.common.event;
	info->seq = ev->seq;
	if (ev->event.common.event == KVMI_EVENT_CR) {
		info->cr = ev->event.cr.cr;
		info->old_value = ev->event.cr.old_value;
		info->new_value = ev->event.cr.new_value;
	}
	*out = ev;
	return 0;
}

static int go_kvmi_reply(void *dom, struct kvmi_dom_event *ev, unsigned int action)
{
	struct {
		struct kvmi_vcpu_hdr hdr;
		struct kvmi_event_reply common;
		struct kvmi_event_cr_reply cr;
	} rpl;
	size_t size = sizeof(rpl.hdr) + sizeof(rpl.common);

	memset(&rpl, 0, sizeof(rpl));
	rpl.hdr.vcpu = ev->event.common.vcpu;
	rpl.common.action = action;
	rpl.common.event = ev->event.common.event;
	if (ev->event.common.event == KVMI_EVENT_CR) {
		rpl.cr.new_val = ev->event.cr.new_value;
		size = sizeof(rpl);
	}
	return kvmi_reply_event(dom, ev->seq, &rpl, size);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Supported reports whether this build carries the libkvmi binding.
func Supported() (bool, error) {
	return true, nil
}

func (d *Domain) handle() (unsafe.Pointer, error) {
	if d == nil {
		return nil, fmt.Errorf("kvmi: domain is nil")
	}
	if d.closed {
		return nil, fmt.Errorf("kvmi: domain is closed")
	}
	if d.dom == nil {
		return nil, fmt.Errorf("kvmi: domain is not connected")
	}
	return d.dom, nil
}

// Init listens on socketPath and waits for the guest to connect and complete
// the KVMi handshake.
func (d *Domain) Init(socketPath string) error {
	if d.ctx != nil {
		return fmt.Errorf("kvmi: already initialized")
	}

	path := C.CString(socketPath)
	defer C.free(unsafe.Pointer(path))

	ctx, err := C.go_kvmi_listen(path)
	if ctx == nil {
		return fmt.Errorf("kvmi_init_unix_socket(%s): %w", socketPath, err)
	}
	d.ctx = unsafe.Pointer(ctx)

	dom, err := C.go_kvmi_wait_guest(ctx, C.uint(d.HandshakeTimeout))
	if dom == nil {
		C.go_kvmi_close(ctx)
		d.ctx = nil
		return fmt.Errorf("waiting for guest on %s: %w", socketPath, err)
	}
	d.dom = dom

	runtime.SetFinalizer(d, (*Domain).finalize)
	return nil
}

// Close shuts the guest connection down. Idempotent.
func (d *Domain) Close() error {
	if d == nil {
		return nil
	}

	d.closeMu.Lock()
	defer d.closeMu.Unlock()

	if d.closed {
		return nil
	}
	if d.ctx != nil {
		C.go_kvmi_close((*C.go_kvmi_ctx)(d.ctx))
	}
	d.ctx = nil
	d.dom = nil
	d.closed = true

	runtime.SetFinalizer(d, nil)
	return nil
}

// finalize is called by the garbage collector as a safety net
func (d *Domain) finalize() {
	if d.closeMu.TryLock() {
		closed := d.closed
		d.closeMu.Unlock()
		if !closed {
			d.Close()
		}
	}
}

func (d *Domain) GetVCPUCount() (uint32, error) {
	dom, err := d.handle()
	if err != nil {
		return 0, err
	}
	var count C.uint
	if ret, err := C.kvmi_get_vcpu_count(dom, &count); ret != 0 {
		return 0, fmt.Errorf("kvmi_get_vcpu_count: %w", err)
	}
	return uint32(count), nil
}

func eventID(it InterceptType) (C.int, error) {
	switch it {
	case InterceptCR:
		return C.KVMI_EVENT_CR, nil
	case InterceptMSR:
		return C.KVMI_EVENT_MSR, nil
	case InterceptPause:
		return C.KVMI_EVENT_PAUSE_VCPU, nil
	}
	return 0, fmt.Errorf("kvmi: unknown event class %d", it)
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func (d *Domain) ControlEvents(vcpu uint16, it InterceptType, enabled bool) error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	id, err := eventID(it)
	if err != nil {
		return err
	}
	if ret, err := C.go_kvmi_control_events(dom, C.ushort(vcpu), id, cbool(enabled)); ret != 0 {
		return fmt.Errorf("kvmi_control_events(vcpu %d, %d, %v): %w", vcpu, it, enabled, err)
	}
	return nil
}

func (d *Domain) ControlCR(vcpu uint16, cr CR, enabled bool) error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	if ret, err := C.go_kvmi_control_cr(dom, C.ushort(vcpu), C.uint(cr), cbool(enabled)); ret != 0 {
		return fmt.Errorf("kvmi_control_cr(vcpu %d, cr%d, %v): %w", vcpu, cr, enabled, err)
	}
	return nil
}

func (d *Domain) ReadPhysical(gpa uint64, buf []byte) error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	ret, err := C.kvmi_read_physical(dom, C.ulonglong(gpa), unsafe.Pointer(&buf[0]), C.size_t(len(buf)))
	runtime.KeepAlive(buf)
	if ret != 0 {
		return fmt.Errorf("kvmi_read_physical(0x%x, %d): %w", gpa, len(buf), err)
	}
	return nil
}

func (d *Domain) Pause() error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	count, err := d.GetVCPUCount()
	if err != nil {
		return err
	}
	if ret, err := C.kvmi_pause_all_vcpus(dom, C.uint(count)); ret != 0 {
		return fmt.Errorf("kvmi_pause_all_vcpus(%d): %w", count, err)
	}
	return nil
}

func (d *Domain) GetRegisters(vcpu uint16) (*Registers, error) {
	dom, err := d.handle()
	if err != nil {
		return nil, err
	}

	r := &Registers{}
	var mode C.uint
	ret, err := C.go_kvmi_get_registers(dom, C.ushort(vcpu),
		(*C.struct_kvm_regs)(unsafe.Pointer(&r.Regs)),
		(*C.struct_kvm_sregs)(unsafe.Pointer(&r.Sregs)),
		(*C.uint)(unsafe.Pointer(&RegisterMSRs[0])),
		(*C.ulonglong)(unsafe.Pointer(&r.MSRs[0])),
		C.uint(len(RegisterMSRs)),
		&mode)
	if ret != 0 {
		return nil, fmt.Errorf("kvmi_get_registers(vcpu %d): %w", vcpu, err)
	}
	r.Mode = uint32(mode)
	return r, nil
}

func (d *Domain) SetRegisters(vcpu uint16, regs *Regs) error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	ret, err := C.kvmi_set_registers(dom, C.ushort(vcpu), (*C.struct_kvm_regs)(unsafe.Pointer(regs)))
	if ret != 0 {
		return fmt.Errorf("kvmi_set_registers(vcpu %d): %w", vcpu, err)
	}
	return nil
}

func nativeEventType(id C.uint) EventType {
	switch id {
	case C.KVMI_EVENT_PAUSE_VCPU:
		return EventPauseVCPU
	case C.KVMI_EVENT_CR:
		return EventCR
	case C.KVMI_EVENT_MSR:
		return EventMSR
	case C.KVMI_EVENT_BREAKPOINT:
		return EventBreakpoint
	}
	return EventUnknown
}

// WaitAndPopEvent blocks up to timeout for the next event. It returns
// (nil, nil) when the timeout expires.
func (d *Domain) WaitAndPopEvent(timeout time.Duration) (*Event, error) {
	dom, err := d.handle()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(max(timeout, 0))
	ms := waitMillis(timeout)

	var raw *C.struct_kvmi_dom_event
	var info C.go_kvmi_event
	for {
		ret, err := C.go_kvmi_wait_and_pop(dom, C.int(ms), &raw, &info)
		if ret == 0 {
			break
		}
		switch {
		case errors.Is(err, unix.EINTR):
			// only the time left is waited again
			remaining := time.Until(deadline)
			if remaining <= 0 && ms > 0 {
				return nil, nil
			}
			ms = waitMillis(remaining)
			continue
		case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.EAGAIN):
			return nil, nil
		}
		return nil, fmt.Errorf("kvmi_wait_event: %w", err)
	}

	return &Event{
		VCPU:     uint16(info.vcpu),
		Type:     nativeEventType(info.event),
		Seq:      uint32(info.seq),
		CR:       CR(info.cr),
		OldValue: uint64(info.old_value),
		NewValue: uint64(info.new_value),
		raw:      unsafe.Pointer(raw),
	}, nil
}

func replyAction(r EventReply) (C.uint, error) {
	switch r {
	case ReplyContinue:
		return C.KVMI_EVENT_ACTION_CONTINUE, nil
	case ReplyRetry:
		return C.KVMI_EVENT_ACTION_RETRY, nil
	case ReplyCrash:
		return C.KVMI_EVENT_ACTION_CRASH, nil
	}
	return 0, fmt.Errorf("kvmi: unknown reply %d", r)
}

// Reply answers ev and frees it.
func (d *Domain) Reply(ev *Event, reply EventReply) error {
	dom, err := d.handle()
	if err != nil {
		return err
	}
	if ev == nil || ev.raw == nil {
		return fmt.Errorf("kvmi: reply to an event that was not popped")
	}
	action, err := replyAction(reply)
	if err != nil {
		return err
	}
	ret, err := C.go_kvmi_reply(dom, (*C.struct_kvmi_dom_event)(ev.raw), action)
	if ret != 0 {
		return fmt.Errorf("kvmi_reply_event(vcpu %d, seq %d): %w", ev.VCPU, ev.Seq, err)
	}
	C.free(ev.raw)
	ev.raw = nil
	return nil
}

func (d *Domain) GetMaximumGFN() (uint64, error) {
	dom, err := d.handle()
	if err != nil {
		return 0, err
	}
	var gfn C.ulonglong
	if ret, err := C.kvmi_get_maximum_gfn(dom, &gfn); ret != 0 {
		return 0, fmt.Errorf("kvmi_get_maximum_gfn: %w", err)
	}
	return uint64(gfn), nil
}
