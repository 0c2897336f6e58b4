package crank

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/gc"
	"github.com/oriys/vatkernel/internal/kernelservices"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/translator"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

func newTestCrank(t *testing.T) (*Crank, kstore.KernelStore, *vatsupervisor.Manager) {
	t.Helper()
	store := kstore.NewMemoryStore()
	tr := translator.New(store)
	proms := promise.New(store)
	collector := gc.New(store, tr)
	vats := vatsupervisor.NewManager(3)
	services := kernelservices.New(store)
	return New(store, tr, proms, collector, vats, services, queue.NewNoopNotifier(), nil, config.CrankConfig{}), store, vats
}

func registerVat(t *testing.T, ctx context.Context, store kstore.KernelStore, vats *vatsupervisor.Manager, vat domain.VatID) domain.KRef {
	t.Helper()
	worker := vatsupervisor.NewCounterWorker()
	vats.Register(vat, worker)
	root, err := store.AllocateObject(ctx, nil, domain.ObjectOwner(vat))
	if err != nil {
		t.Fatalf("allocate root object: %v", err)
	}
	return root
}

func TestCrankSendBootstrapResolvesResultPromise(t *testing.T) {
	ctx := context.Background()
	c, store, vats := newTestCrank(t)
	root := registerVat(t, ctx, store, vats, "v1")

	resultKP, err := c.promises.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}
	item := domain.SendItem("", root, "bootstrap", domain.CapData{}, resultKP)
	if err := store.EnqueueRunItem(ctx, nil, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ran, err := c.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !ran {
		t.Fatalf("expected an item to run")
	}

	p, err := store.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseFulfilled {
		t.Fatalf("expected fulfilled result, got %s", p.State)
	}
}

func TestCrankSendToRevokedObjectRejects(t *testing.T) {
	ctx := context.Background()
	c, store, vats := newTestCrank(t)
	root := registerVat(t, ctx, store, vats, "v1")
	if err := store.SetRevoked(ctx, nil, root, true); err != nil {
		t.Fatalf("set revoked: %v", err)
	}

	resultKP, err := c.promises.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}
	item := domain.SendItem("", root, "bootstrap", domain.CapData{}, resultKP)
	if err := store.EnqueueRunItem(ctx, nil, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	p, err := store.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseRejected {
		t.Fatalf("expected rejected result for a revoked object, got %s", p.State)
	}
	if p.Value == nil || p.Value.ErrorMessage() != domain.RevokedObjectError().Error() {
		t.Fatalf("expected revoked-object error message, got %+v", p.Value)
	}
}

// crashAlwaysWorker crashes on every delivery and fails every restart, used
// to exercise the path where the first crash terminates the vat.
type crashAlwaysWorker struct {
	attempts int
}

func (w *crashAlwaysWorker) Deliver(ctx context.Context, kv vatsupervisor.KVAccess, d vatsupervisor.Delivery) ([]vatsupervisor.Syscall, error) {
	w.attempts++
	return nil, &domain.VatCrashError{VatID: "v1", Cause: errors.New("boom")}
}
func (w *crashAlwaysWorker) Restart(ctx context.Context) error   { return errors.New("still crashed") }
func (w *crashAlwaysWorker) Terminate(ctx context.Context) error { return nil }

func TestCrankTerminatesVatWhenFirstCrashExhaustsRestartBudget(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	tr := translator.New(store)
	proms := promise.New(store)
	collector := gc.New(store, tr)
	vats := vatsupervisor.NewManager(1) // terminate on the very first restart failure
	services := kernelservices.New(store)
	c := New(store, tr, proms, collector, vats, services, queue.NewNoopNotifier(), nil, config.CrankConfig{})

	worker := &crashAlwaysWorker{}
	vats.Register("v1", worker)
	root, err := store.AllocateObject(ctx, nil, domain.ObjectOwner("v1"))
	if err != nil {
		t.Fatalf("allocate root object: %v", err)
	}

	resultKP, err := c.promises.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}
	item := domain.SendItem("", root, "bootstrap", domain.CapData{}, resultKP)
	if err := store.EnqueueRunItem(ctx, nil, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := c.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	if !vats.IsTerminated("v1") {
		t.Fatalf("expected v1 to be terminated after exhausting its restart budget")
	}
	if worker.attempts != 1 {
		t.Fatalf("expected exactly one delivery attempt once the vat is terminated on first crash, got %d", worker.attempts)
	}

	p, err := store.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseRejected {
		t.Fatalf("expected the in-flight delivery's result promise to be rejected, got %s", p.State)
	}
}

func TestCrankBringOutYourDeadSkipsTerminatedVat(t *testing.T) {
	ctx := context.Background()
	c, store, vats := newTestCrank(t)
	registerVat(t, ctx, store, vats, "v1")

	if err := c.TerminateVat(ctx, "v1"); err != nil {
		t.Fatalf("terminate vat: %v", err)
	}

	item := domain.BringOutYourDeadItem("v1")
	if err := store.EnqueueRunItem(ctx, nil, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := c.Step(ctx); err != nil {
		t.Fatalf("step over a terminated vat's reap item should be a no-op, got: %v", err)
	}
}

func TestCrankTerminateVatRejectsPendingDecisions(t *testing.T) {
	ctx := context.Background()
	c, store, vats := newTestCrank(t)
	registerVat(t, ctx, store, vats, "v1")

	resultKP, err := c.promises.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}

	// Simulate what deliverToVat does before a worker gets to resolve the
	// result itself: record v1 as decider and track the pending decision.
	// Terminating mid-flight (as if the vat crashed before resolving it)
	// must reject the promise rather than leave it unresolved forever.
	if err := store.SetPromiseDecider(ctx, nil, resultKP, "v1"); err != nil {
		t.Fatalf("set decider: %v", err)
	}
	if err := c.trackPendingDecision(ctx, nil, "v1", resultKP); err != nil {
		t.Fatalf("track pending decision: %v", err)
	}

	if err := c.TerminateVat(ctx, "v1"); err != nil {
		t.Fatalf("terminate vat: %v", err)
	}

	p, err := store.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseRejected {
		t.Fatalf("expected terminate vat to reject a promise it was deciding, got %s", p.State)
	}
}
