// Package crank implements the run-queue dispatch loop described in
// spec.md section 4.4: pop the head of the run queue, open a savepoint,
// dispatch by run-item tag, apply the syscalls the dispatch produced, and
// either release the savepoint (committing) or roll back and restart the
// owning vat. This is the single-threaded cooperative core the rest of the
// kernel's concurrency model (spec.md section 5) depends on: exactly one
// crank runs at a time, end to end, with no interleaving.
package crank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/gc"
	"github.com/oriys/vatkernel/internal/kernelservices"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/oriys/vatkernel/internal/metrics"
	"github.com/oriys/vatkernel/internal/observability"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/translator"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// KernelVat is the pseudo vat-identity used as the decider of record for
// promise resolutions the kernel itself synthesizes (revoked-object and
// no-endpoint rejections, kernel-service call results) rather than a real
// vat reaching its own `resolve` syscall. Promise.Resolve requires the
// acting vat to match the promise's decider; these resolutions happen
// before any real vat is ever involved, so the kernel claims the decider
// seat for itself first.
const KernelVat domain.VatID = "kernel"

// RemoteForwarder is the narrow surface RemoteComms exposes to the crank
// for delivering a send to an object proxied from another kernel. Defined
// here (rather than depended on from the remotecomms package) to keep
// crank buildable and testable without wiring a real transport.
type RemoteForwarder interface {
	Forward(ctx context.Context, peer domain.PeerID, target domain.KRef, item domain.RunItem) error
}

// Crank owns one kernel's run-queue dispatch loop.
type Crank struct {
	store      kstore.KernelStore
	translator *translator.Translator
	promises   *promise.Subsystem
	gc         *gc.Collector
	vats       *vatsupervisor.Manager
	services   *kernelservices.Registry
	notifier   queue.Notifier
	remote     RemoteForwarder
	cfg        config.CrankConfig
}

// New wires a Crank from its subsystems and configuration. remote may be
// nil; sends to remote-owned objects then fail with a no-endpoint
// rejection instead of being forwarded.
func New(
	store kstore.KernelStore,
	tr *translator.Translator,
	promises *promise.Subsystem,
	collector *gc.Collector,
	vats *vatsupervisor.Manager,
	services *kernelservices.Registry,
	notifier queue.Notifier,
	remote RemoteForwarder,
	cfg config.CrankConfig,
) *Crank {
	if cfg.SavepointPrefix == "" {
		cfg.SavepointPrefix = "crank"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Crank{
		store:      store,
		translator: tr,
		promises:   promises,
		gc:         collector,
		vats:       vats,
		services:   services,
		notifier:   notifier,
		remote:     remote,
		cfg:        cfg,
	}
}

// SetRemote installs the RemoteComms forwarder after construction, since
// RemoteComms itself is typically wired after the crank (it may need to
// enqueue run items back into the same crank on inbound frames).
func (c *Crank) SetRemote(remote RemoteForwarder) { c.remote = remote }

// Run drives the dispatch loop until ctx is cancelled, waking immediately
// on a notifier signal and otherwise polling at cfg.PollInterval.
func (c *Crank) Run(ctx context.Context) {
	wake := c.notifier.Subscribe(ctx, queue.QueueRun)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			ran, err := c.Step(ctx)
			if err != nil {
				logging.Op().Error("crank: step failed", "error", err)
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
		case <-ticker.C:
		}
	}
}

// Step pops and fully processes one run-queue item. Returns (false, nil)
// when the queue was empty. A non-nil error means a kind-7 internal
// invariant violation surfaced from dispatch; the transaction is rolled
// back and nothing was committed.
func (c *Crank) Step(ctx context.Context) (bool, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("crank: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	item, seq, ok, err := c.store.DequeueRunItem(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("crank: dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := c.runItem(ctx, tx, seq, *item); err != nil {
		return true, err
	}

	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("crank: commit: %w", err)
	}
	committed = true

	if empty, err := c.store.RunQueueEmpty(ctx, nil); err == nil {
		if empty {
			metrics.Global().SetRunQueueDepth(0)
		}
	}
	return true, nil
}

// RunUntilResolved drains the run queue, synchronously, until kp resolves
// or the queue runs dry with kp still pending (which means nothing left
// to dispatch can ever resolve it). Used by callers that need a direct
// result from a dispatch they just enqueued, such as a subcluster's
// bootstrap delivery, rather than subscribing and returning control to an
// independent Run loop.
func (c *Crank) RunUntilResolved(ctx context.Context, kp domain.KRef) (*domain.Promise, error) {
	for {
		p, err := c.store.GetPromise(ctx, nil, kp)
		if err != nil {
			return nil, fmt.Errorf("crank: run until resolved: %w", err)
		}
		if p.IsResolved() {
			return p, nil
		}

		ran, err := c.Step(ctx)
		if err != nil {
			return nil, err
		}
		if !ran {
			return nil, fmt.Errorf("crank: run queue drained before %s resolved", kp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// runItem implements the savepoint-scoped dispatch-and-replay described in
// spec.md section 4.4. The run-queue dequeue itself happened before this
// call, outside the savepoint: a crash replay re-dispatches the same
// in-memory item rather than relying on the queue to still hold it, since
// rolling back to the savepoint never undoes the dequeue.
func (c *Crank) runItem(ctx context.Context, ex db.Executor, seq int64, item domain.RunItem) error {
	spName := fmt.Sprintf("%s_%d", c.cfg.SavepointPrefix, seq)
	if err := c.store.Savepoint(ctx, ex, spName); err != nil {
		return fmt.Errorf("crank: open savepoint: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, "crank.dispatch",
		observability.AttrCrankSeq.Int64(seq),
		observability.AttrRunItemType.String(string(item.Type)),
		observability.AttrVatID.String(vatLabel(item)),
	)
	defer span.End()

	start := time.Now()
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		err = c.dispatch(ctx, ex, item)
		var crash *domain.VatCrashError
		if !errors.As(err, &crash) {
			break
		}

		if rbErr := c.store.RollbackToSavepoint(ctx, ex, spName); rbErr != nil {
			observability.SetSpanError(span, rbErr)
			return fmt.Errorf("crank: rollback after crash: %w", rbErr)
		}
		if spErr := c.store.Savepoint(ctx, ex, spName); spErr != nil {
			observability.SetSpanError(span, spErr)
			return fmt.Errorf("crank: reopen savepoint after crash: %w", spErr)
		}

		if c.vats.IsTerminated(crash.VatID) {
			if tErr := c.cleanupTerminatedVat(ctx, ex, crash.VatID); tErr != nil {
				observability.SetSpanError(span, tErr)
				return tErr
			}
			err = c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(domain.VatTerminatedError().Error()))
			break
		}
		if attempt == 2 {
			logging.Op().Error("crank: delivery failed twice after vat crash, abandoning item", "vat", crash.VatID)
			err = c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(fmt.Sprintf("vat %s crashed", crash.VatID)))
			break
		}
		logging.Op().Warn("crank: replaying delivery once after vat crash", "vat", crash.VatID)
	}

	var internal *domain.InternalError
	if errors.As(err, &internal) {
		metrics.Global().RecordCrank(vatLabel(item), time.Since(start).Milliseconds(), false)
		observability.SetSpanError(span, err)
		return err
	}
	if err != nil {
		logging.Op().Debug("crank: delivery completed with an application-level error", "error", err)
	}

	if err := c.store.ReleaseSavepoint(ctx, ex, spName); err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("crank: release savepoint: %w", err)
	}
	metrics.Global().RecordCrank(vatLabel(item), time.Since(start).Milliseconds(), err == nil)
	observability.SetSpanOK(span)
	return nil
}

// dispatch routes item to its type-specific handler. Only crash
// (*domain.VatCrashError) and invariant-violation (*domain.InternalError)
// returns are true Go errors the caller must react to; every other failure
// is converted into a rejected result promise and reported as a nil error
// so the crank still commits.
func (c *Crank) dispatch(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	switch item.Type {
	case domain.RunItemSend:
		return c.handleSend(ctx, ex, item)
	case domain.RunItemNotify:
		return c.handleNotify(ctx, ex, item)
	case domain.RunItemGCAction:
		return c.handleGCAction(ctx, ex, item)
	case domain.RunItemBringOutYourDead:
		return c.handleReap(ctx, ex, item)
	default:
		return &domain.InternalError{Invariant: fmt.Sprintf("unknown run item type %q", item.Type)}
	}
}

// enqueueAll enqueues every item the promise subsystem or GC handed back,
// notifying the queue so a waiting Run loop wakes immediately instead of
// waiting out a full poll interval.
func (c *Crank) enqueueAll(ctx context.Context, ex db.Executor, items []domain.RunItem) error {
	for _, it := range items {
		if err := c.store.EnqueueRunItem(ctx, ex, it); err != nil {
			return err
		}
	}
	if len(items) > 0 {
		_ = c.notifier.Notify(ctx, queue.QueueRun)
	}
	return nil
}

func vatLabel(item domain.RunItem) string {
	if item.Vat != "" {
		return string(item.Vat)
	}
	if item.FromVat != "" {
		return string(item.FromVat)
	}
	return "kernel"
}
