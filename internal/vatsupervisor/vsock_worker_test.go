package vatsupervisor

import (
	"context"
	"net"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
)

// guestConn wraps one half of a net.Pipe to satisfy vsockConn, standing in
// for a real *vsock.Conn in tests.
type guestConn struct{ net.Conn }

func newTestVsockWorker(t *testing.T, handleGuest func(*vsockMessage) *vsockMessage) *VsockWorker {
	t.Helper()
	client, guest := net.Pipe()

	go func() {
		msg, err := readVsockMessage(guestConn{guest})
		if err != nil {
			return
		}
		_ = writeVsockMessage(guestConn{guest}, handleGuest(msg))
	}()

	dialed := false
	return newVsockWorkerWithDialer(func() (vsockConn, error) {
		if dialed {
			return guestConn{client}, nil
		}
		dialed = true
		return guestConn{client}, nil
	})
}

func TestVsockWorkerDeliverRoundTrips(t *testing.T) {
	w := newTestVsockWorker(t, func(req *vsockMessage) *vsockMessage {
		if req.Delivery.Method != "resume" {
			t.Errorf("expected method resume, got %s", req.Delivery.Method)
		}
		return &vsockMessage{Syscalls: []Syscall{{
			Kind: SysResolve,
			Resolutions: []SyscallResolution{{
				KP:    req.Delivery.ResultEref,
				Value: domain.DataCapData(`"ok"`, nil),
			}},
		}}}
	})

	syscalls, err := w.Deliver(context.Background(), nil, Delivery{
		Kind:       DeliverSend,
		Method:     "resume",
		ResultEref: "p+1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(syscalls) != 1 || syscalls[0].Kind != SysResolve {
		t.Fatalf("expected one resolve syscall, got %+v", syscalls)
	}
}

func TestVsockWorkerDeliverPropagatesGuestError(t *testing.T) {
	w := newTestVsockWorker(t, func(req *vsockMessage) *vsockMessage {
		return &vsockMessage{Error: "boom"}
	})

	_, err := w.Deliver(context.Background(), nil, Delivery{Kind: DeliverSend, Method: "resume"})
	if err == nil {
		t.Fatalf("expected an error from the guest")
	}
}

func TestVsockWorkerTerminateClosesConnection(t *testing.T) {
	w := newTestVsockWorker(t, func(req *vsockMessage) *vsockMessage {
		return &vsockMessage{}
	})
	if err := w.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if w.conn != nil {
		t.Fatalf("expected connection to be cleared after terminate")
	}
}
