package vatsupervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/marshal"
)

type fakeKV struct{ m map[string]string }

func newFakeKV() *fakeKV { return &fakeKV{m: map[string]string{}} }

func (k *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := k.m[key]
	return v, ok, nil
}
func (k *fakeKV) Set(ctx context.Context, key, value string) error {
	k.m[key] = value
	return nil
}
func (k *fakeKV) Delete(ctx context.Context, key string) error {
	delete(k.m, key)
	return nil
}
func (k *fakeKV) GetNextKey(ctx context.Context, after string) (string, bool, error) {
	return "", false, nil
}

func TestCounterWorkerBootstrapAndResume(t *testing.T) {
	w := NewCounterWorker()
	kv := newFakeKV()
	ctx := context.Background()

	syscalls, err := w.Deliver(ctx, kv, Delivery{Kind: DeliverSend, Method: "bootstrap", ResultEref: "p+0"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(syscalls) != 1 || syscalls[0].Kind != SysResolve {
		t.Fatalf("expected one resolve syscall, got %+v", syscalls)
	}
	if syscalls[0].Resolutions[0].Rejected {
		t.Fatalf("bootstrap should not reject")
	}

	if _, err := w.Deliver(ctx, kv, Delivery{Kind: DeliverSend, Method: "resume", ResultEref: "p+1"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	raw, ok, _ := kv.Get(ctx, counterVatstoreKey)
	if !ok || raw != "2" {
		t.Fatalf("expected count 2, got %q", raw)
	}
}

func TestCounterWorkerEchoRoundTripsACapability(t *testing.T) {
	w := NewCounterWorker()
	kv := newFakeKV()
	ctx := context.Background()

	cap := domain.KRef("ko5")
	args, err := marshal.Encode(map[string]any{"cap": cap})
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}

	syscalls, err := w.Deliver(ctx, kv, Delivery{Kind: DeliverSend, Method: "echo", Args: args, ResultEref: "p+0"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if len(syscalls) != 1 || syscalls[0].Kind != SysResolve {
		t.Fatalf("expected one resolve syscall, got %+v", syscalls)
	}
	res := syscalls[0].Resolutions[0]
	if res.Rejected {
		t.Fatalf("echo should not reject")
	}
	decoded, err := marshal.Decode(res.Value)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded result to be a map, got %T", decoded)
	}
	if m["cap"] != cap {
		t.Fatalf("expected echoed capability %q, got %v", cap, m["cap"])
	}
}

type crashingWorker struct {
	restartsUntilOK int
	attempts        int
}

func (w *crashingWorker) Deliver(ctx context.Context, kv KVAccess, d Delivery) ([]Syscall, error) {
	return nil, &domain.VatCrashError{VatID: "v1", Cause: errors.New("boom")}
}
func (w *crashingWorker) Restart(ctx context.Context) error {
	w.attempts++
	if w.attempts >= w.restartsUntilOK {
		return nil
	}
	return errors.New("still crashed")
}
func (w *crashingWorker) Terminate(ctx context.Context) error { return nil }

func TestSupervisorTerminatesAfterMaxRestarts(t *testing.T) {
	worker := &crashingWorker{restartsUntilOK: 100}
	sup := NewSupervisor("v1", worker, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := sup.Deliver(ctx, nil, Delivery{}); err == nil {
			t.Fatalf("expected crash error on delivery %d", i)
		}
	}

	if !sup.Terminated() {
		t.Fatalf("expected vat to be terminated after 3 consecutive restart failures")
	}
}

func TestSupervisorRestartResetsCounterOnSuccess(t *testing.T) {
	worker := &crashingWorker{restartsUntilOK: 2}
	sup := NewSupervisor("v1", worker, 3)
	ctx := context.Background()

	if _, err := sup.Deliver(ctx, nil, Delivery{}); err == nil {
		t.Fatalf("expected crash error on first delivery (restart attempt 1 still failing)")
	}
	if _, err := sup.Deliver(ctx, nil, Delivery{}); err == nil {
		t.Fatalf("expected the underlying crash error to still be returned on second delivery")
	}
	if sup.Terminated() {
		t.Fatalf("should not be terminated after one failed restart followed by a successful one")
	}
	if sup.consecutiveFailures != 0 {
		t.Fatalf("expected counter reset after successful restart, got %d", sup.consecutiveFailures)
	}
}
