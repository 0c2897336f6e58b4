// Package gc implements the two-level distributed garbage collector
// described in spec.md section 4.5: a "reachable" count backed by c-list
// entries and a superset "recognizable" count backed by the recognizer set,
// with five GC actions (dropImports, retireImports, dropExports,
// retireExports, abandonExports) emitted on the transitions in its table.
//
// The collector does not dispatch actions itself; it returns run-queue
// items for the crank to enqueue, the same way the promise subsystem
// returns notify items on resolution. This keeps GC pure state-transition
// logic over the store, independent of delivery and scheduling.
package gc

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/translator"
)

type Collector struct {
	store kstore.KernelStore
	tr    *translator.Translator
}

func New(store kstore.KernelStore, tr *translator.Translator) *Collector {
	return &Collector{store: store, tr: tr}
}

// DropImport processes a vat's `dropImports` syscall: the vat no longer
// holds a strong reference to kref. If this was the last reachable
// reference, every vat still recognizing the object is told to drop it too.
func (c *Collector) DropImport(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) ([]domain.RunItem, error) {
	if err := c.tr.Forget(ctx, ex, vat, kref); err != nil {
		return nil, fmt.Errorf("drop import: %w", err)
	}
	obj, err := c.store.GetObject(ctx, ex, kref)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	if obj.Reachable == 0 && obj.Recognizable > 0 {
		return c.notify(ctx, ex, kref, domain.GCDropImports)
	}
	return nil, nil
}

// RetireImport processes a vat's `retireImports` syscall: the vat no longer
// recognizes kref at all, the final step after dropImports. When this
// drains recognizable to zero, every remaining recognizer is retired too,
// and if the exporter has also dropped its own reference the exporter is
// sent retireExports and the object is removed from the table.
func (c *Collector) RetireImport(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) ([]domain.RunItem, error) {
	if err := c.tr.RetireRecognition(ctx, ex, vat, kref); err != nil {
		return nil, fmt.Errorf("retire import: %w", err)
	}
	obj, err := c.store.GetObject(ctx, ex, kref)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	if obj.Recognizable != 0 {
		return nil, nil
	}

	var items []domain.RunItem
	more, err := c.notify(ctx, ex, kref, domain.GCRetireImports)
	if err != nil {
		return nil, err
	}
	items = append(items, more...)

	if ownerVat, ok := exporterStillOwns(obj.Owner); ok && obj.Reachable == 0 {
		items = append(items, domain.GCActionItem(ownerVat, domain.GCRetireExports, []domain.KRef{kref}))
		if err := c.store.DeleteObject(ctx, ex, kref); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// VatTerminated handles the "exporter vat terminated with reach > 0"
// transition for every object the terminated vat still owns: the owner is
// cleared to domain.OwnerAbandoned, abandonExports is delivered to the
// terminated vat's supervisor record (for bookkeeping), and every current
// recognizer is queued a retireImports for the next crank cycle. It also
// forgets and retires the terminated vat's own c-list/recognizer entries so
// its departure does not leave dangling reachable/recognizable counts.
func (c *Collector) VatTerminated(ctx context.Context, ex db.Executor, vat domain.VatID) ([]domain.RunItem, error) {
	krefs, err := c.store.CListKRefsForVat(ctx, ex, vat)
	if err != nil {
		return nil, err
	}

	var items []domain.RunItem
	for _, kref := range krefs {
		obj, err := c.store.GetObject(ctx, ex, kref)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			continue
		}

		if obj.Owner == domain.ObjectOwner(vat) && obj.Reachable > 0 {
			if err := c.store.SetObjectOwner(ctx, ex, kref, domain.OwnerAbandoned); err != nil {
				return nil, err
			}
			items = append(items, domain.GCActionItem(vat, domain.GCAbandonExports, []domain.KRef{kref}))
		}

		if err := c.tr.Forget(ctx, ex, vat, kref); err != nil {
			return nil, err
		}
		if err := c.tr.RetireRecognition(ctx, ex, vat, kref); err != nil {
			return nil, err
		}

		refreshed, err := c.store.GetObject(ctx, ex, kref)
		if err != nil {
			return nil, err
		}
		if refreshed == nil {
			continue
		}
		if refreshed.Owner == domain.OwnerAbandoned {
			more, err := c.notify(ctx, ex, kref, domain.GCRetireImports)
			if err != nil {
				return nil, err
			}
			items = append(items, more...)
		}
	}
	return items, nil
}

// BringOutYourDead builds the periodic reap run-item for vat. Scheduling
// (reapAllVats) lives in the crank package; this just constructs the item.
func BringOutYourDead(vat domain.VatID) domain.RunItem {
	return domain.BringOutYourDeadItem(vat)
}

func (c *Collector) notify(ctx context.Context, ex db.Executor, kref domain.KRef, kind domain.GCActionKind) ([]domain.RunItem, error) {
	vats, err := c.store.RecognizersForKRef(ctx, ex, kref)
	if err != nil {
		return nil, err
	}
	items := make([]domain.RunItem, 0, len(vats))
	for _, v := range vats {
		items = append(items, domain.GCActionItem(v, kind, []domain.KRef{kref}))
	}
	return items, nil
}

// exporterStillOwns reports whether owner names a local vat (as opposed to
// the kernel, a remote peer, or an already-abandoned object), returning
// that vat.
func exporterStillOwns(owner domain.ObjectOwner) (domain.VatID, bool) {
	if owner == domain.OwnerKernel || owner == domain.OwnerAbandoned {
		return "", false
	}
	if _, remote := owner.IsRemote(); remote {
		return "", false
	}
	return domain.VatID(owner), true
}
