package crank

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/metrics"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// handleGCAction implements a `gc-action` run item: item.Vat is told that
// one of its krefs has undergone a dropImports/retireImports/dropExports/
// retireExports/abandonExports transition, translated into its own eref
// space.
func (c *Crank) handleGCAction(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	vat := item.Vat
	if c.vats.IsTerminated(vat) {
		return nil
	}

	erefs := make([]domain.ERef, 0, len(item.KRefs))
	for _, kref := range item.KRefs {
		eref, err := c.translator.KToE(ctx, ex, vat, kref, false)
		if err != nil {
			return fmt.Errorf("gc action %s: %w", item.GCKind, err)
		}
		erefs = append(erefs, eref)
	}

	kv := newVatstoreKV(c.store, ex, vat)
	d := vatsupervisor.Delivery{
		Kind:   vatsupervisor.DeliverGCAction,
		GCKind: item.GCKind,
		ERefs:  erefs,
	}
	syscalls, err := c.vats.Deliver(ctx, vat, kv, d)
	if err != nil {
		return err
	}
	metrics.Global().RecordGCAction(string(item.GCKind))
	return c.applySyscalls(ctx, ex, vat, syscalls)
}
