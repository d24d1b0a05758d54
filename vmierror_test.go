package vmi

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		detailed  string
		sanitized string
	}{
		{
			name:      "unsupported",
			err:       Unsupported("listen"),
			detailed:  "vmi: listen: unsupported operation",
			sanitized: "vmi: listen: unsupported operation",
		},
		{
			name:      "invalid argument",
			err:       InvalidArgument("read_registers", "vcpu %d out of range", 9),
			detailed:  "vmi: read_registers: invalid argument: vcpu 9 out of range",
			sanitized: "vmi: read_registers: invalid argument",
		},
		{
			name:      "backend",
			err:       BackendError("read_physical", io.ErrUnexpectedEOF),
			detailed:  "vmi: read_physical: backend operation failed: unexpected EOF",
			sanitized: "vmi: read_physical: backend operation failed",
		},
		{
			name:      "connection",
			err:       ConnectionError("init", errors.New("connection refused")),
			detailed:  "vmi: init: connection error: connection refused",
			sanitized: "vmi: init: connection error",
		},
		{
			name:      "desync",
			err:       Desync("reply_event", "no pending event for vcpu %d", 1),
			detailed:  "vmi: reply_event: protocol desync: no pending event for vcpu 1",
			sanitized: "vmi: reply_event: protocol desync",
		},
		{
			name:      "no op",
			err:       &Error{Kind: KindBackend},
			detailed:  "vmi: backend operation failed",
			sanitized: "vmi: backend operation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VMI_ENV", "")
			t.Setenv("VMI_DEBUG", "")
			if got := tt.err.Error(); got != tt.detailed {
				t.Errorf("Error() = %q, want %q", got, tt.detailed)
			}

			t.Setenv("VMI_ENV", "production")
			if got := tt.err.Error(); got != tt.sanitized {
				t.Errorf("production Error() = %q, want %q", got, tt.sanitized)
			}
		})
	}
}

func TestIsProductionEnv(t *testing.T) {
	tests := []struct {
		env   string
		debug string
		want  bool
	}{
		{"", "", false},
		{"production", "", true},
		{"prod", "", true},
		{"staging", "", false},
		{"", "false", true},
		{"", "0", true},
		{"", "true", false},
		{"", "garbage", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("env=%q,debug=%q", tt.env, tt.debug), func(t *testing.T) {
			t.Setenv("VMI_ENV", tt.env)
			t.Setenv("VMI_DEBUG", tt.debug)
			if got := isProductionEnv(); got != tt.want {
				t.Errorf("isProductionEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsIsByKind(t *testing.T) {
	cause := errors.New("EFAULT")
	err := fmt.Errorf("dump: %w", BackendError("read_physical", cause))

	if !errors.Is(err, ErrBackend) {
		t.Error("errors.Is(err, ErrBackend) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable")
	}
	for _, other := range []error{ErrConnection, ErrUnsupported, ErrInvalidArgument, ErrProtocolDesync} {
		if errors.Is(err, other) {
			t.Errorf("errors.Is(err, %v) = true", other)
		}
	}

	// A detailed error is not a sentinel for another detailed error.
	if errors.Is(Unsupported("pause"), Unsupported("resume")) {
		t.Error("distinct operations compared equal")
	}
}

func TestWithDriver(t *testing.T) {
	base := Unsupported("listen")
	stamped := WithDriver(base, Libvirt)

	var e *Error
	if !errors.As(stamped, &e) || e.Driver != Libvirt {
		t.Fatalf("WithDriver() = %#v", stamped)
	}
	if base.(*Error).Driver != 0 {
		t.Error("WithDriver modified its argument")
	}
	if WithDriver(nil, KVM) != nil {
		t.Error("WithDriver(nil) != nil")
	}
	plain := errors.New("plain")
	if WithDriver(plain, KVM) != plain {
		t.Error("WithDriver changed a foreign error")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("x: %w", Desync("listen", "boom"))); got != KindProtocolDesync {
		t.Errorf("KindOf() = %v", got)
	}
	if got := KindOf(io.EOF); got != 0 {
		t.Errorf("KindOf(io.EOF) = %v", got)
	}
	if !strings.Contains(ErrorKind(42).String(), "42") {
		t.Errorf("ErrorKind(42).String() = %q", ErrorKind(42))
	}
}
