package crank

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// pendingDecisionPrefix namespaces the per-vat index of outstanding result
// promises that vat currently decides, tracked so TerminateVat/the crash
// path can build the []domain.KRef TerminateDecider requires without a
// dedicated "promises by decider" store query. The kref is embedded in the
// key itself; the value is unused.
const pendingDecisionPrefix = reservedVatstorePrefix + "pendingKp."

func pendingDecisionKey(kp domain.KRef) string {
	return pendingDecisionPrefix + string(kp)
}

// trackPendingDecision records that vat is the decider of kp, so it shows
// up in listPendingDecisions until resolved or the vat is cleaned up.
func (c *Crank) trackPendingDecision(ctx context.Context, ex db.Executor, vat domain.VatID, kp domain.KRef) error {
	return c.store.VatstoreSet(ctx, ex, vat, pendingDecisionKey(kp), "1")
}

// untrackPendingDecision removes kp once it stops being vat's concern
// (resolved, or forwarded away from vat's decidership).
func (c *Crank) untrackPendingDecision(ctx context.Context, ex db.Executor, vat domain.VatID, kp domain.KRef) error {
	return c.store.VatstoreDelete(ctx, ex, vat, pendingDecisionKey(kp))
}

// listPendingDecisions walks vat's vatstore prefix-scanning for tracked
// decisions, relying on VatstoreGetNextKey's documented lexicographic
// next-key semantics: since every tracked entry shares pendingDecisionPrefix,
// the scan can stop as soon as a returned key no longer carries it.
func (c *Crank) listPendingDecisions(ctx context.Context, ex db.Executor, vat domain.VatID) ([]domain.KRef, error) {
	var out []domain.KRef
	after := pendingDecisionPrefix
	for {
		key, ok, err := c.store.VatstoreGetNextKey(ctx, ex, vat, after)
		if err != nil {
			return nil, err
		}
		if !ok || !strings.HasPrefix(key, pendingDecisionPrefix) {
			return out, nil
		}
		out = append(out, domain.KRef(strings.TrimPrefix(key, pendingDecisionPrefix)))
		after = key
	}
}

// handleReap dispatches a bringOutYourDead run item: the vat worker is
// asked for any pending dropImports/retireImports it owes (spec.md section
// 4.4), with no result promise involved.
func (c *Crank) handleReap(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	vat := item.Vat
	if c.vats.IsTerminated(vat) {
		return nil
	}
	kv := newVatstoreKV(c.store, ex, vat)
	syscalls, err := c.vats.Deliver(ctx, vat, kv, vatsupervisor.Delivery{Kind: vatsupervisor.DeliverBringOutYourDead})
	if err != nil {
		return err
	}
	return c.applySyscalls(ctx, ex, vat, syscalls)
}

// ReapAllVats implements the `reapAllVats` Host API operation: enqueues a
// bringOutYourDead item for every currently registered vat, the same
// sweep the crank's periodic reap schedule performs (spec.md section
// 4.5: "scheduled periodically (reapAllVats) and on explicit request").
func (c *Crank) ReapAllVats(ctx context.Context) error {
	for _, vat := range c.vats.Vats() {
		if err := c.store.EnqueueRunItem(ctx, nil, domain.BringOutYourDeadItem(vat)); err != nil {
			return fmt.Errorf("crank: reap all vats: enqueue %s: %w", vat, err)
		}
	}
	_ = c.notifier.Notify(ctx, queue.QueueRun)
	return nil
}

// TerminateVat implements the `terminateVat` Host API operation (spec.md
// section 4.8): shuts the worker down, rejects every outstanding promise it
// decides with a synthetic "vat terminated" error, runs the GC
// vat-departure transition for every object it held, and discards its
// vatstore.
func (c *Crank) TerminateVat(ctx context.Context, vat domain.VatID) error {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("crank: terminate vat: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := c.terminateVatTx(ctx, tx, vat); err != nil {
		return fmt.Errorf("crank: terminate vat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("crank: terminate vat: commit: %w", err)
	}
	committed = true
	return nil
}

// terminateVatTx is the ex-scoped core of TerminateVat, reused by the
// exit-syscall path which already has a crank transaction open and must
// not nest a second one.
func (c *Crank) terminateVatTx(ctx context.Context, ex db.Executor, vat domain.VatID) error {
	if err := c.vats.TerminateVat(ctx, vat); err != nil {
		return err
	}
	return c.cleanupTerminatedVat(ctx, ex, vat)
}

// RestartVat implements the `restartVat` Host API operation: discards the
// worker's in-memory state and re-initializes it from durable vatstore
// content, without touching any outstanding promises or owned objects.
func (c *Crank) RestartVat(ctx context.Context, vat domain.VatID) error {
	return c.vats.RestartVat(ctx, vat)
}

// cleanupTerminatedVat performs the store-side consequences of vat no
// longer being able to run: rejecting its decided promises, the GC
// abandon/retire sweep over its owned and held objects, and discarding its
// vatstore (which also drops the pending-decision index entries this
// cleanup just consumed).
func (c *Crank) cleanupTerminatedVat(ctx context.Context, ex db.Executor, vat domain.VatID) error {
	krefs, err := c.listPendingDecisions(ctx, ex, vat)
	if err != nil {
		return fmt.Errorf("crank: list pending decisions for %s: %w", vat, err)
	}
	terminated, err := c.promises.TerminateDecider(ctx, ex, vat, krefs)
	if err != nil {
		return fmt.Errorf("crank: terminate decider %s: %w", vat, err)
	}
	if err := c.enqueueAll(ctx, ex, terminated); err != nil {
		return err
	}

	abandoned, err := c.gc.VatTerminated(ctx, ex, vat)
	if err != nil {
		return fmt.Errorf("crank: gc vat terminated %s: %w", vat, err)
	}
	if err := c.enqueueAll(ctx, ex, abandoned); err != nil {
		return err
	}

	if err := c.store.VatstoreDeleteAll(ctx, ex, vat); err != nil {
		return fmt.Errorf("crank: clear vatstore for %s: %w", vat, err)
	}
	return nil
}
