// Package promise implements the kernel promise lifecycle described in
// spec.md section 4.3: allocation, subscription, resolution, forwarding
// chain collapse, and pipelining of sends to unresolved promises.
package promise

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

type Subsystem struct {
	store kstore.KernelStore
}

func New(store kstore.KernelStore) *Subsystem {
	return &Subsystem{store: store}
}

// Allocate creates a new unresolved promise with the given decider.
func (s *Subsystem) Allocate(ctx context.Context, ex db.Executor, decider domain.VatID) (domain.KRef, error) {
	return s.store.AllocatePromise(ctx, ex, decider)
}

// Subscribe adds vat to kp's subscriber set. If kp is already resolved, a
// notify item is returned for the crank to enqueue instead of storing the
// subscription (spec 4.3: "if already resolved, schedules a notify").
// Subscribing the current decider is rejected per invariant 2 in spec.md
// section 3.
func (s *Subsystem) Subscribe(ctx context.Context, ex db.Executor, vat domain.VatID, kp domain.KRef) (notify *domain.RunItem, err error) {
	resolved, target, err := s.Resolution(ctx, ex, kp)
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		item := domain.NotifyItem(vat, target)
		return &item, nil
	}
	if err := s.store.AddPromiseSubscriber(ctx, ex, kp, vat); err != nil {
		return nil, err
	}
	return nil, nil
}

// Resolution chases forward pointers starting at kp, with cycle detection,
// and returns the terminal promise's state (nil if still unresolved) along
// with the terminal kref (kp itself if no forwarding occurred).
func (s *Subsystem) Resolution(ctx context.Context, ex db.Executor, kp domain.KRef) (*domain.Promise, domain.KRef, error) {
	visited := map[domain.KRef]bool{}
	cur := kp
	for {
		if visited[cur] {
			return nil, "", fmt.Errorf("%w: %s", domain.PromiseCycleError(), kp)
		}
		visited[cur] = true
		p, err := s.store.GetPromise(ctx, ex, cur)
		if err != nil {
			return nil, "", err
		}
		if p.IsResolved() && p.Forward != "" {
			cur = p.Forward
			continue
		}
		if p.IsResolved() {
			return p, cur, nil
		}
		return nil, cur, nil
	}
}

// ResolveEntry is one (kp, rejected, value) tuple passed to Resolve.
type ResolveEntry struct {
	KP       domain.KRef
	Rejected bool
	Value    domain.CapData
	// ForwardTo is set instead of Value when the decider resolves kp to
	// another promise rather than a terminal value.
	ForwardTo domain.KRef
}

// Resolve must be called by kp's current decider (callers are responsible
// for that check since the decider is a vat-identity concern owned by the
// crank/vat-supervisor layer). For each entry it sets state, stores the
// value (or forward pointer), drains the per-promise queue by re-targeting
// queued sends at the resolution (or rejecting them if the resolution is
// itself unresolvable), enqueues notifies to every subscriber, and returns
// the run-queue items the caller must enqueue.
func (s *Subsystem) Resolve(ctx context.Context, ex db.Executor, vat domain.VatID, entries []ResolveEntry) ([]domain.RunItem, error) {
	var toEnqueue []domain.RunItem

	for _, e := range entries {
		p, err := s.store.GetPromise(ctx, ex, e.KP)
		if err != nil {
			return nil, err
		}
		if p.Decider != vat {
			return nil, fmt.Errorf("vat %s is not the decider of %s", vat, e.KP)
		}
		if p.IsResolved() {
			return nil, fmt.Errorf("promise %s is already resolved", e.KP)
		}

		if e.ForwardTo != "" {
			if e.ForwardTo == e.KP {
				return nil, fmt.Errorf("%w: %s resolved to itself", domain.PromiseCycleError(), e.KP)
			}
			// Eagerly chase the forward target so resolution chains
			// collapse rather than growing, per spec section 9.
			resolved, terminal, err := s.Resolution(ctx, ex, e.ForwardTo)
			if err != nil {
				return nil, err
			}
			if resolved == nil {
				if err := s.store.ResolvePromise(ctx, ex, e.KP, domain.PromiseUnresolved, nil, terminal); err != nil {
					return nil, err
				}
			} else {
				state := domain.PromiseFulfilled
				if resolved.State == domain.PromiseRejected {
					state = domain.PromiseRejected
				}
				if err := s.store.ResolvePromise(ctx, ex, e.KP, state, resolved.Value, ""); err != nil {
					return nil, err
				}
			}
		} else {
			state := domain.PromiseFulfilled
			if e.Rejected {
				state = domain.PromiseRejected
			}
			value := e.Value
			if err := s.store.ResolvePromise(ctx, ex, e.KP, state, &value, ""); err != nil {
				return nil, err
			}
		}

		queued, err := s.store.DrainPromiseQueue(ctx, ex, e.KP)
		if err != nil {
			return nil, err
		}
		for _, item := range queued {
			redirected, err := s.redirect(ctx, ex, e.KP, item)
			if err != nil {
				return nil, err
			}
			toEnqueue = append(toEnqueue, redirected)
		}

		p, err = s.store.GetPromise(ctx, ex, e.KP)
		if err != nil {
			return nil, err
		}
		for _, sub := range p.Subscribers {
			toEnqueue = append(toEnqueue, domain.NotifyItem(sub, e.KP))
		}
	}

	return toEnqueue, nil
}

// redirect re-targets a queued send at a now-resolved promise's resolution
// target, per spec section 3 invariant 3: "any later send to it is
// re-queued to the resolution target (or notified-as-rejected if the
// resolution is unresolvable)".
func (s *Subsystem) redirect(ctx context.Context, ex db.Executor, kp domain.KRef, item domain.RunItem) (domain.RunItem, error) {
	resolved, target, err := s.Resolution(ctx, ex, kp)
	if err != nil {
		return domain.RunItem{}, err
	}
	if resolved == nil {
		item.Target = target
		return item, nil
	}
	if resolved.State == domain.PromiseRejected {
		item.Target = ""
		return item, nil
	}
	item.Target = target
	return item, nil
}

// SendTo appends a send to kp's per-promise queue while kp is unresolved
// (pipelining), or returns a redirected item immediately if kp is already
// resolved.
func (s *Subsystem) SendTo(ctx context.Context, ex db.Executor, kp domain.KRef, item domain.RunItem) (redirected *domain.RunItem, err error) {
	resolved, target, err := s.Resolution(ctx, ex, kp)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		if err := s.store.EnqueuePromiseItem(ctx, ex, target, item); err != nil {
			return nil, err
		}
		return nil, nil
	}
	out, err := s.redirect(ctx, ex, kp, item)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TerminateDecider rejects every promise whose decider is vat with a
// synthetic "vat terminated" error, per spec section 4.3's edge case.
func (s *Subsystem) TerminateDecider(ctx context.Context, ex db.Executor, vat domain.VatID, krefs []domain.KRef) ([]domain.RunItem, error) {
	var entries []ResolveEntry
	for _, kp := range krefs {
		p, err := s.store.GetPromise(ctx, ex, kp)
		if err != nil {
			return nil, err
		}
		if p.Decider != vat || p.IsResolved() {
			continue
		}
		entries = append(entries, ResolveEntry{
			KP:       kp,
			Rejected: true,
			Value:    domain.ErrorCapData(domain.VatTerminatedError().Error()),
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return s.Resolve(ctx, ex, vat, entries)
}
