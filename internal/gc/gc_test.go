package gc

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/translator"
)

func setup(t *testing.T) (*kstore.MemoryStore, *translator.Translator, *Collector) {
	t.Helper()
	store := kstore.NewMemoryStore()
	tr := translator.New(store)
	return store, tr, New(store, tr)
}

func TestDropImportNotifiesRemainingRecognizers(t *testing.T) {
	ctx := context.Background()
	store, tr, c := setup(t)

	kref, err := store.AllocateObject(ctx, nil, domain.ObjectOwner("v-owner"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-a", kref, false); err != nil {
		t.Fatalf("KToE v-a: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-b", kref, false); err != nil {
		t.Fatalf("KToE v-b: %v", err)
	}

	items, err := c.DropImport(ctx, nil, "v-a", kref)
	if err != nil {
		t.Fatalf("drop import: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no gc action while reachable > 0, got %d", len(items))
	}

	items, err = c.DropImport(ctx, nil, "v-b", kref)
	if err != nil {
		t.Fatalf("drop import: %v", err)
	}
	if len(items) != 1 || items[0].GCKind != domain.GCDropImports {
		t.Fatalf("expected one dropImports action, got %+v", items)
	}
}

func TestRetireImportDrainsToRetireExportsAndDeletesObject(t *testing.T) {
	ctx := context.Background()
	store, tr, c := setup(t)

	kref, err := store.AllocateObject(ctx, nil, domain.ObjectOwner("v-owner"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-owner", kref, true); err != nil {
		t.Fatalf("KToE owner: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-importer", kref, false); err != nil {
		t.Fatalf("KToE importer: %v", err)
	}

	if _, err := c.DropImport(ctx, nil, "v-owner", kref); err != nil {
		t.Fatalf("drop owner: %v", err)
	}
	if _, err := c.DropImport(ctx, nil, "v-importer", kref); err != nil {
		t.Fatalf("drop importer: %v", err)
	}

	if _, err := c.RetireImport(ctx, nil, "v-owner", kref); err != nil {
		t.Fatalf("retire owner: %v", err)
	}
	items, err := c.RetireImport(ctx, nil, "v-importer", kref)
	if err != nil {
		t.Fatalf("retire importer: %v", err)
	}

	foundRetireExports := false
	for _, it := range items {
		if it.GCKind == domain.GCRetireExports && it.Vat == "v-owner" {
			foundRetireExports = true
		}
	}
	if !foundRetireExports {
		t.Fatalf("expected retireExports to owner once recognizable drains to 0, got %+v", items)
	}

	if _, err := store.GetObject(ctx, nil, kref); err == nil {
		t.Fatalf("expected object to be deleted once fully retired")
	}
}

func TestVatTerminatedAbandonsOwnedExportsAndNotifiesImporters(t *testing.T) {
	ctx := context.Background()
	store, tr, c := setup(t)

	kref, err := store.AllocateObject(ctx, nil, domain.ObjectOwner(""))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := store.SetObjectOwner(ctx, nil, kref, domain.ObjectOwner("v-owner")); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-owner", kref, true); err != nil {
		t.Fatalf("KToE owner: %v", err)
	}
	if _, err := tr.KToE(ctx, nil, "v-importer", kref, false); err != nil {
		t.Fatalf("KToE importer: %v", err)
	}

	items, err := c.VatTerminated(ctx, nil, "v-owner")
	if err != nil {
		t.Fatalf("vat terminated: %v", err)
	}

	var sawAbandon, sawRetire bool
	for _, it := range items {
		if it.GCKind == domain.GCAbandonExports && it.Vat == "v-owner" {
			sawAbandon = true
		}
		if it.GCKind == domain.GCRetireImports && it.Vat == "v-importer" {
			sawRetire = true
		}
	}
	if !sawAbandon {
		t.Fatalf("expected abandonExports for v-owner, got %+v", items)
	}
	if !sawRetire {
		t.Fatalf("expected retireImports for remaining importer, got %+v", items)
	}

	obj, err := store.GetObject(ctx, nil, kref)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Owner != domain.OwnerAbandoned {
		t.Fatalf("expected owner cleared to abandoned, got %q", obj.Owner)
	}
}
