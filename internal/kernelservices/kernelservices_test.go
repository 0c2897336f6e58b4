package kernelservices

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

func TestRegistryKRefForIsStableAndMemoized(t *testing.T) {
	store := kstore.NewMemoryStore()
	defer store.Close()
	r := New(store)
	RegisterClock(r)
	ctx := context.Background()

	k1, err := r.KRefFor(ctx, nil, "clock")
	if err != nil {
		t.Fatalf("KRefFor: %v", err)
	}
	k2, err := r.KRefFor(ctx, nil, "clock")
	if err != nil {
		t.Fatalf("KRefFor (second call): %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected stable kref across calls, got %s then %s", k1, k2)
	}

	name, ok := r.ServiceForKRef(k1)
	if !ok || name != "clock" {
		t.Fatalf("expected ServiceForKRef to resolve back to 'clock', got %q, %v", name, ok)
	}
}

func TestRegistryUnknownServiceFailsFast(t *testing.T) {
	store := kstore.NewMemoryStore()
	defer store.Close()
	r := New(store)
	ctx := context.Background()

	if _, err := r.KRefFor(ctx, nil, "nonexistent"); err == nil {
		t.Fatalf("expected error for unregistered service")
	}
}

func TestRegistryCallDispatchesToHandler(t *testing.T) {
	store := kstore.NewMemoryStore()
	defer store.Close()
	r := New(store)
	RegisterClock(r)
	ctx := context.Background()

	kref, err := r.KRefFor(ctx, nil, "clock")
	if err != nil {
		t.Fatalf("KRefFor: %v", err)
	}
	result, err := r.Call(ctx, kref, "now", domain.CapData{Body: "#{}"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.IsError() {
		t.Fatalf("unexpected error CapData: %s", result.Body)
	}
}
