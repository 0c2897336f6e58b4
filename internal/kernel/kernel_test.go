package kernel

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/subcluster"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := *config.DefaultConfig()
	return New(cfg, kstore.NewMemoryStore(), nil, nil)
}

func TestLaunchSubclusterThenQueueMessage(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	sc := subcluster.Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []subcluster.VatSpec{{Name: "main", Bundle: "counter"}},
	}
	_, bootstrapResult, err := k.LaunchSubcluster(ctx, sc)
	if err != nil {
		t.Fatalf("launch subcluster: %v", err)
	}
	if bootstrapResult.IsError() {
		t.Fatalf("expected a successful bootstrap, got: %s", bootstrapResult.ErrorMessage())
	}

	// The subcluster launch allocates exactly one object, the bootstrap
	// vat's root, so it is the first object kref the store ever minted.
	root := domain.ObjectKRef(1)

	result, err := k.QueueMessage(ctx, root, "resume", domain.CapData{})
	if err != nil {
		t.Fatalf("queue message: %v", err)
	}
	if result.IsError() {
		t.Fatalf("expected a successful resume result, got: %s", result.ErrorMessage())
	}
}

func TestIsRevokedRejectsInvalidReference(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	if _, err := k.IsRevoked(ctx, "not-a-kref"); err == nil {
		t.Fatalf("expected an invalid reference error")
	}
}

func TestGetStatusReportsVatsAndSubclusters(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	sc := subcluster.Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []subcluster.VatSpec{{Name: "main", Bundle: "counter"}},
	}
	if _, _, err := k.LaunchSubcluster(ctx, sc); err != nil {
		t.Fatalf("launch subcluster: %v", err)
	}

	st, err := k.GetStatus(ctx)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if len(st.Vats) != 1 {
		t.Fatalf("expected one running vat, got %d", len(st.Vats))
	}
	if len(st.Subclusters) != 1 {
		t.Fatalf("expected one subcluster record, got %d", len(st.Subclusters))
	}
	if st.RemoteComms != nil {
		t.Fatalf("expected no remote comms status before InitRemoteComms")
	}
}

func TestQueueMessageToUnknownKRefFailsAfterTerminateVat(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	sc := subcluster.Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []subcluster.VatSpec{{Name: "main", Bundle: "counter"}},
	}
	sid, _, err := k.LaunchSubcluster(ctx, sc)
	if err != nil {
		t.Fatalf("launch subcluster: %v", err)
	}
	vats, err := k.GetSubclusterVats(ctx, sid)
	if err != nil {
		t.Fatalf("get subcluster vats: %v", err)
	}

	if err := k.TerminateVat(ctx, vats[0]); err != nil {
		t.Fatalf("terminate vat: %v", err)
	}
	if _, err := k.QueueMessage(ctx, domain.ObjectKRef(99), "resume", domain.CapData{}); err == nil {
		t.Fatalf("expected queueMessage against an unknown kref to fail")
	}
}
