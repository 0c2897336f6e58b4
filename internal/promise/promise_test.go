package promise

import (
	"context"
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

func TestResolveNotifiesSubscribersAndDrainsQueue(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	sub := New(store)

	kp, err := sub.Allocate(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := sub.Subscribe(ctx, nil, "v2", kp); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	queuedSend := domain.SendItem("v3", kp, "foo", domain.CapData{}, "")
	if notify, err := sub.SendTo(ctx, nil, kp, queuedSend); err != nil {
		t.Fatalf("send to unresolved: %v", err)
	} else if notify != nil {
		t.Fatalf("expected no immediate redirect for unresolved promise")
	}

	items, err := sub.Resolve(ctx, nil, "v1", []ResolveEntry{
		{KP: kp, Value: domain.DataCapData(`"ok"`, nil)},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var sawNotify, sawRedirect bool
	for _, item := range items {
		if item.Type == domain.RunItemNotify && item.Vat == "v2" {
			sawNotify = true
		}
		if item.Type == domain.RunItemSend && item.Method == "foo" {
			sawRedirect = true
			if item.Target != kp {
				t.Fatalf("expected redirected send to target resolved promise, got %s", item.Target)
			}
		}
	}
	if !sawNotify {
		t.Fatalf("expected a notify for the subscriber, got %+v", items)
	}
	if !sawRedirect {
		t.Fatalf("expected the drained queue entry to be redirected, got %+v", items)
	}
}

func TestResolveSelfCycleRejected(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	sub := New(store)

	kp, err := sub.Allocate(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	_, err = sub.Resolve(ctx, nil, "v1", []ResolveEntry{{KP: kp, ForwardTo: kp}})
	if err == nil {
		t.Fatalf("expected cycle error resolving a promise to itself")
	}
}

func TestSubscribeAfterResolutionSchedulesImmediateNotify(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	sub := New(store)

	kp, err := sub.Allocate(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := sub.Resolve(ctx, nil, "v1", []ResolveEntry{{KP: kp, Value: domain.DataCapData(`1`, nil)}}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	notify, err := sub.Subscribe(ctx, nil, "v2", kp)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if notify == nil {
		t.Fatalf("expected an immediate notify since the promise is already resolved")
	}
}

func TestTerminateDeciderRejectsUndeliveredPromises(t *testing.T) {
	ctx := context.Background()
	store := kstore.NewMemoryStore()
	sub := New(store)

	kp, err := sub.Allocate(ctx, nil, "v1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	items, err := sub.TerminateDecider(ctx, nil, "v1", []domain.KRef{kp})
	if err != nil {
		t.Fatalf("terminate decider: %v", err)
	}
	_ = items

	p, err := store.GetPromise(ctx, nil, kp)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseRejected {
		t.Fatalf("expected promise to be rejected, got %s", p.State)
	}
}
