// Package translator implements the per-vat kref<->eref translation
// described in spec.md section 4.2, maintaining the c-list invariants
// (reachable count = sum of c-list occurrences) on every allocation.
package translator

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

// Reserved vatstore keys used to allocate monotonic per-vat eref counters.
// These live in the same vatstore namespace as user keys but under a
// prefix no user-level vatstoreSet call is permitted to use (enforced by
// the crank's vatstore adapter rejecting keys starting with "_sys.").
const (
	exportCounterKey = "_sys.nextExportId"
	importCounterKey = "_sys.nextImportId"
)

type Translator struct {
	store kstore.KernelStore
}

func New(store kstore.KernelStore) *Translator {
	return &Translator{store: store}
}

// KToE translates a kernel reference to vat's local eref, allocating a new
// export or import eref on first mention and bumping the reachable count.
// Idempotent: a second call for the same (vat, kref) returns the existing
// eref without allocating again or double-counting the reference.
func (t *Translator) KToE(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef, isExport bool) (domain.ERef, error) {
	if existing, ok, err := t.store.CListLookupByKRef(ctx, ex, vat, kref); err != nil {
		return "", err
	} else if ok {
		return existing, nil
	}

	_, kind, _, err := domain.ParseKRef(string(kref))
	if err != nil {
		return "", err
	}

	id, err := t.nextCounter(ctx, ex, vat, isExport)
	if err != nil {
		return "", err
	}

	var eref domain.ERef
	switch kind {
	case domain.KindObject:
		eref = domain.ObjectERef(isExport, id)
	case domain.KindPromise:
		eref = domain.PromiseERef(isExport, id)
	default:
		return "", &domain.ErrInvalidReference{Ref: string(kref)}
	}

	inserted, err := t.store.CListInsert(ctx, ex, vat, kref, eref)
	if err != nil {
		return "", err
	}
	if inserted {
		// A new strong c-list entry is simultaneously a new reachable
		// reference and a new recognizer (spec section 4.5: reachable is
		// a subset of recognizable).
		if err := t.bumpCount(ctx, ex, kref, kind, 1, 1); err != nil {
			return "", err
		}
		if kind == domain.KindObject {
			if _, err := t.store.AddRecognizer(ctx, ex, vat, kref); err != nil {
				return "", err
			}
		}
	}
	return eref, nil
}

// BindExport registers kref as the kernel-side counterpart of eref, a
// reference the vat itself minted (e.g. the result promise of an outbound
// send syscall) rather than one discovered via KToE from an inbound
// delivery. Unlike KToE this never allocates an eref; the vat already chose
// one and the kernel just needs the c-list entry and ref-count bookkeeping
// that KToE would otherwise have done on first mention.
func (t *Translator) BindExport(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef, eref domain.ERef) error {
	_, kind, _, err := domain.ParseKRef(string(kref))
	if err != nil {
		return err
	}
	inserted, err := t.store.CListInsert(ctx, ex, vat, kref, eref)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if err := t.bumpCount(ctx, ex, kref, kind, 1, 1); err != nil {
		return err
	}
	if kind == domain.KindObject {
		if _, err := t.store.AddRecognizer(ctx, ex, vat, kref); err != nil {
			return err
		}
	}
	return nil
}

// EToK translates a vat's local eref to its kernel reference. Unlike KToE
// this never allocates: an unknown eref is a reference error per spec
// section 7.1 ("unknown c-list entry").
func (t *Translator) EToK(ctx context.Context, ex db.Executor, vat domain.VatID, eref domain.ERef) (domain.KRef, error) {
	if _, _, _, _, err := domain.ParseERef(string(eref)); err != nil {
		return "", err
	}
	kref, ok, err := t.store.CListLookupByERef(ctx, ex, vat, eref)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unknown c-list entry: vat %s eref %s", vat, eref)
	}
	return kref, nil
}

// Forget removes the (vat, kref) c-list entry, converting a strong
// (reachable) reference into a weak one: reachable drops but the vat
// remains a recognizer until an explicit RetireRecognition. This is the
// dropImports/dropExports half of the GC transition table in spec section
// 4.5; retireImports/retireExports is RetireRecognition below.
func (t *Translator) Forget(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	if _, ok, err := t.store.CListLookupByKRef(ctx, ex, vat, kref); err != nil {
		return err
	} else if !ok {
		return nil
	}
	_, kind, _, err := domain.ParseKRef(string(kref))
	if err != nil {
		return err
	}
	if err := t.store.CListDelete(ctx, ex, vat, kref); err != nil {
		return err
	}
	return t.bumpCount(ctx, ex, kref, kind, -1, 0)
}

// RetireRecognition removes vat from kref's recognizer set and decrements
// the recognizable count, completing the retireImports/retireExports half
// of the transition table.
func (t *Translator) RetireRecognition(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	if err := t.store.RemoveRecognizer(ctx, ex, vat, kref); err != nil {
		return err
	}
	_, kind, _, err := domain.ParseKRef(string(kref))
	if err != nil {
		return err
	}
	return t.bumpCount(ctx, ex, kref, kind, 0, -1)
}

func (t *Translator) bumpCount(ctx context.Context, ex db.Executor, kref domain.KRef, kind domain.RefKind, reachableDelta, recognizableDelta int64) error {
	switch kind {
	case domain.KindObject:
		_, _, err := t.store.AdjustObjectRefCount(ctx, ex, kref, reachableDelta, recognizableDelta)
		return err
	case domain.KindPromise:
		_, err := t.store.AdjustPromiseRefCount(ctx, ex, kref, reachableDelta)
		return err
	default:
		return nil
	}
}

func (t *Translator) nextCounter(ctx context.Context, ex db.Executor, vat domain.VatID, isExport bool) (uint64, error) {
	key := importCounterKey
	if isExport {
		key = exportCounterKey
	}
	raw, ok, err := t.store.VatstoreGet(ctx, ex, vat, key)
	if err != nil {
		return 0, err
	}
	var next uint64
	if ok {
		var cur uint64
		if _, err := fmt.Sscanf(raw, "%d", &cur); err != nil {
			return 0, fmt.Errorf("corrupt eref counter for vat %s: %w", vat, err)
		}
		next = cur + 1
	}
	if err := t.store.VatstoreSet(ctx, ex, vat, key, fmt.Sprintf("%d", next)); err != nil {
		return 0, err
	}
	return next, nil
}
