package translator

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

func TestKToEIdempotent(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	tr := New(store)

	kref, err := store.AllocateObject(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}

	e1, err := tr.KToE(ctx, nil, "v2", kref, false)
	if err != nil {
		t.Fatalf("first KToE: %v", err)
	}
	e2, err := tr.KToE(ctx, nil, "v2", kref, false)
	if err != nil {
		t.Fatalf("second KToE: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected idempotent eref allocation, got %s then %s", e1, e2)
	}

	obj, err := store.GetObject(ctx, nil, kref)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Reachable != 1 {
		t.Fatalf("expected reachable=1 after idempotent insert, got %d", obj.Reachable)
	}

	got, err := tr.EToK(ctx, nil, "v2", e1)
	if err != nil || got != kref {
		t.Fatalf("EToK round trip: got=%v err=%v", got, err)
	}
}

func TestEToKUnknownIsReferenceError(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	tr := New(store)

	if _, err := tr.EToK(ctx, nil, "v1", domain.ObjectERef(false, 99)); err == nil {
		t.Fatalf("expected error for unknown c-list entry")
	}
}

func TestForgetDropsReachableKeepsRecognizable(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	tr := New(store)

	kref, err := store.AllocateObject(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v2", kref, false); err != nil {
		t.Fatalf("KToE: %v", err)
	}
	if err := tr.Forget(ctx, nil, "v2", kref); err != nil {
		t.Fatalf("forget: %v", err)
	}

	obj, err := store.GetObject(ctx, nil, kref)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Reachable != 0 {
		t.Fatalf("expected reachable=0 after forget, got %d", obj.Reachable)
	}
	if obj.Recognizable != 1 {
		t.Fatalf("expected recognizable to remain 1 after a plain forget, got %d", obj.Recognizable)
	}

	if err := tr.RetireRecognition(ctx, nil, "v2", kref); err != nil {
		t.Fatalf("retire recognition: %v", err)
	}
	obj, err = store.GetObject(ctx, nil, kref)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Recognizable != 0 {
		t.Fatalf("expected recognizable=0 after retire, got %d", obj.Recognizable)
	}
}

func TestBindExportRegistersVatMintedEref(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	tr := New(store)

	kp, err := store.AllocatePromise(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate promise: %v", err)
	}

	eref := domain.PromiseERef(true, 0)
	if err := tr.BindExport(ctx, nil, "v1", kp, eref); err != nil {
		t.Fatalf("bind export: %v", err)
	}

	got, err := tr.EToK(ctx, nil, "v1", eref)
	if err != nil || got != kp {
		t.Fatalf("EToK round trip: got=%v err=%v", got, err)
	}

	p, err := store.GetPromise(ctx, nil, kp)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.RefCount != 1 {
		t.Fatalf("expected ref count 1 after bind, got %d", p.RefCount)
	}

	// A second bind of the same (vat, kref) is a no-op: no double count.
	if err := tr.BindExport(ctx, nil, "v1", kp, eref); err != nil {
		t.Fatalf("second bind export: %v", err)
	}
	p, err = store.GetPromise(ctx, nil, kp)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.RefCount != 1 {
		t.Fatalf("expected ref count to remain 1 after a redundant bind, got %d", p.RefCount)
	}
}
