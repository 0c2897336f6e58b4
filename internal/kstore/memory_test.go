package kstore

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
)

func TestMemoryStoreObjectRefCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	kref, err := store.AllocateObject(ctx, nil, domain.ObjectOwner("v1"))
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}

	reach, recog, err := store.AdjustObjectRefCount(ctx, nil, kref, 1, 1)
	if err != nil {
		t.Fatalf("adjust refcount: %v", err)
	}
	if reach != 1 || recog != 1 {
		t.Fatalf("got reach=%d recog=%d, want 1,1", reach, recog)
	}

	if _, _, err := store.AdjustObjectRefCount(ctx, nil, kref, 2, 0); err == nil {
		t.Fatalf("expected invariant violation when reachable exceeds recognizable")
	}
}

func TestMemoryStoreCListIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	vat := domain.VatID("v1")
	kref := domain.ObjectKRef(1)
	eref := domain.ObjectERef(false, 0)

	inserted, err := store.CListInsert(ctx, nil, vat, kref, eref)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.CListInsert(ctx, nil, vat, kref, eref)
	if err != nil || inserted {
		t.Fatalf("second insert should be a no-op: inserted=%v err=%v", inserted, err)
	}

	got, ok, err := store.CListLookupByERef(ctx, nil, vat, eref)
	if err != nil || !ok || got != kref {
		t.Fatalf("lookup by eref: got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestMemoryStoreRunQueueFIFO(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := domain.SendItem("v1", domain.ObjectKRef(1), "foo", domain.CapData{}, "")
	b := domain.SendItem("v1", domain.ObjectKRef(2), "bar", domain.CapData{}, "")

	if err := store.EnqueueRunItem(ctx, nil, a); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := store.EnqueueRunItem(ctx, nil, b); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	item, _, ok, err := store.DequeueRunItem(ctx, nil)
	if err != nil || !ok || item.Method != "foo" {
		t.Fatalf("expected foo first, got %+v ok=%v err=%v", item, ok, err)
	}
	item, _, ok, err = store.DequeueRunItem(ctx, nil)
	if err != nil || !ok || item.Method != "bar" {
		t.Fatalf("expected bar second, got %+v ok=%v err=%v", item, ok, err)
	}

	empty, err := store.RunQueueEmpty(ctx, nil)
	if err != nil || !empty {
		t.Fatalf("expected queue empty, got empty=%v err=%v", empty, err)
	}
}

func TestMemoryStoreSavepointRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	kref, err := store.AllocateObject(ctx, nil, domain.OwnerKernel)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := store.Savepoint(ctx, nil, "crank_1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if err := store.SetRevoked(ctx, nil, kref, true); err != nil {
		t.Fatalf("set revoked: %v", err)
	}

	if err := store.RollbackToSavepoint(ctx, nil, "crank_1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	obj, err := store.GetObject(ctx, nil, kref)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Revoked {
		t.Fatalf("expected revoked to be rolled back to false")
	}
}
