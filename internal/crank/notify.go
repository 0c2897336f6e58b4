package crank

import (
	"context"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// handleNotify implements the `notify` run-item: item.Vat subscribed to
// item.KP, which has since been resolved (or its decider terminated), and
// is told the terminal state so it can update its own promise bookkeeping.
func (c *Crank) handleNotify(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	vat := item.Vat
	if c.vats.IsTerminated(vat) {
		return nil
	}

	resolved, terminal, err := c.promises.Resolution(ctx, ex, item.KP)
	if err != nil {
		return err
	}

	eref, err := c.translator.KToE(ctx, ex, vat, item.KP, false)
	if err != nil {
		return err
	}

	d := vatsupervisor.Delivery{Kind: vatsupervisor.DeliverNotify, KP: eref}
	if resolved == nil {
		d.Unresolved = true
	} else {
		d.Rejected = resolved.State == domain.PromiseRejected
		if resolved.Value != nil {
			value, err := c.translateArgsToVat(ctx, ex, vat, *resolved.Value)
			if err != nil {
				return err
			}
			d.Value = value
		}
	}
	_ = terminal

	kv := newVatstoreKV(c.store, ex, vat)
	syscalls, err := c.vats.Deliver(ctx, vat, kv, d)
	if err != nil {
		return err
	}
	return c.applySyscalls(ctx, ex, vat, syscalls)
}
