package crank

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/oriys/vatkernel/internal/metrics"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// handleSend implements the `send` branch of spec.md section 4.4 step 3:
// chase the target through any resolved promises, then route to a kernel
// service, a remote proxy, a local vat, or synthesize a rejection for a
// revoked, abandoned, or unreachable target.
func (c *Crank) handleSend(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	target := item.Target
	for target.IsPromise() {
		resolved, terminal, err := c.promises.Resolution(ctx, ex, target)
		if err != nil {
			return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(err.Error()))
		}
		if resolved == nil {
			// Still unresolved: pipeline the send onto the promise's own
			// queue instead of delivering now.
			return c.store.EnqueuePromiseItem(ctx, ex, terminal, item)
		}
		if resolved.State == domain.PromiseRejected {
			val := domain.ErrorCapData("target promise rejected")
			if resolved.Value != nil {
				val = *resolved.Value
			}
			return c.rejectResult(ctx, ex, item.ResultKP, val)
		}
		if resolved.Value == nil || len(resolved.Value.Slots) == 0 {
			return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData("target resolved to a non-capability value"))
		}
		target = resolved.Value.Slots[0]
	}

	obj, err := c.store.GetObject(ctx, ex, target)
	if errors.Is(err, kstore.ErrObjectNotFound) {
		return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(domain.NoEndpointError().Error()))
	}
	if err != nil {
		return err
	}
	if obj.Revoked {
		return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(domain.RevokedObjectError().Error()))
	}
	if peer, ok := obj.Owner.IsRemote(); ok {
		if c.remote == nil {
			return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(domain.NoEndpointError().Error()))
		}
		if err := c.remote.Forward(ctx, peer, target, item); err != nil {
			return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(err.Error()))
		}
		return nil
	}
	if obj.Owner == domain.OwnerKernel {
		result, callErr := c.services.Call(ctx, target, item.Method, item.Args)
		if callErr != nil {
			return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(callErr.Error()))
		}
		return c.resolveResult(ctx, ex, item.ResultKP, result)
	}
	if obj.Owner == domain.OwnerAbandoned {
		return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(domain.NoEndpointError().Error()))
	}

	return c.deliverToVat(ctx, ex, domain.VatID(obj.Owner), target, item)
}

// deliverToVat translates target, item.Args and item.ResultKP into vat's
// eref space, hands the delivery to its supervisor, and applies whatever
// syscalls the worker produced.
func (c *Crank) deliverToVat(ctx context.Context, ex db.Executor, vat domain.VatID, target domain.KRef, item domain.RunItem) error {
	eref, err := c.translator.KToE(ctx, ex, vat, target, false)
	if err != nil {
		return err
	}
	args, err := c.translateArgsToVat(ctx, ex, vat, item.Args)
	if err != nil {
		return err
	}

	var resultEref domain.ERef
	if item.ResultKP != "" {
		resultEref, err = c.translator.KToE(ctx, ex, vat, item.ResultKP, false)
		if err != nil {
			return err
		}
		if err := c.store.SetPromiseDecider(ctx, ex, item.ResultKP, vat); err != nil {
			return err
		}
		if err := c.trackPendingDecision(ctx, ex, vat, item.ResultKP); err != nil {
			return err
		}
	}

	kv := newVatstoreKV(c.store, ex, vat)
	syscalls, err := c.vats.Deliver(ctx, vat, kv, vatsupervisor.Delivery{
		Kind:       vatsupervisor.DeliverSend,
		Target:     eref,
		Method:     item.Method,
		Args:       args,
		ResultEref: resultEref,
	})
	if err != nil {
		// *domain.VatCrashError propagates for the caller's replay-once
		// handling; anything else is a kind-3 worker error.
		if _, isCrash := err.(*domain.VatCrashError); isCrash {
			return err
		}
		return c.rejectResult(ctx, ex, item.ResultKP, domain.ErrorCapData(fmt.Sprintf("worker error: %v", err)))
	}
	return c.applySyscalls(ctx, ex, vat, syscalls)
}

// translateArgsToVat rewrites a kernel-space CapData's slots into vat's
// local erefs for delivery. Slots are carried in the same domain.KRef
// field the kernel uses internally; by convention, once translated, each
// entry holds an eref string rather than a kref one, reusing the wire
// shape instead of introducing a parallel CapData type for vat-local data.
func (c *Crank) translateArgsToVat(ctx context.Context, ex db.Executor, vat domain.VatID, args domain.CapData) (domain.CapData, error) {
	if len(args.Slots) == 0 {
		return args, nil
	}
	slots := make([]domain.KRef, len(args.Slots))
	for i, kref := range args.Slots {
		eref, err := c.translator.KToE(ctx, ex, vat, kref, false)
		if err != nil {
			return domain.CapData{}, fmt.Errorf("translate arg slot %d: %w", i, err)
		}
		slots[i] = domain.KRef(eref)
	}
	return domain.CapData{Body: args.Body, Slots: slots}, nil
}

// translateArgsToKernel is the inverse of translateArgsToVat: slots
// produced by a worker carry vat-local erefs (stored as domain.KRef
// strings) that must resolve to real krefs before the kernel stores or
// forwards them.
func (c *Crank) translateArgsToKernel(ctx context.Context, ex db.Executor, vat domain.VatID, args domain.CapData) (domain.CapData, error) {
	if len(args.Slots) == 0 {
		return args, nil
	}
	slots := make([]domain.KRef, len(args.Slots))
	for i, slot := range args.Slots {
		kref, err := c.translator.EToK(ctx, ex, vat, domain.ERef(string(slot)))
		if err != nil {
			return domain.CapData{}, fmt.Errorf("translate arg slot %d: %w", i, err)
		}
		slots[i] = kref
	}
	return domain.CapData{Body: args.Body, Slots: slots}, nil
}

// rejectResult and resolveResult synthesize a kernel-authority resolution
// of a result promise the kernel itself is answering (revoked/no-endpoint
// rejections, kernel-service call results), before any real vat was ever
// involved as decider.
func (c *Crank) rejectResult(ctx context.Context, ex db.Executor, kp domain.KRef, value domain.CapData) error {
	return c.resolveAsKernel(ctx, ex, kp, true, value)
}

func (c *Crank) resolveResult(ctx context.Context, ex db.Executor, kp domain.KRef, value domain.CapData) error {
	return c.resolveAsKernel(ctx, ex, kp, false, value)
}

func (c *Crank) resolveAsKernel(ctx context.Context, ex db.Executor, kp domain.KRef, rejected bool, value domain.CapData) error {
	if kp == "" {
		return nil
	}
	p, err := c.store.GetPromise(ctx, ex, kp)
	if err != nil {
		return err
	}
	if p.IsResolved() {
		return nil
	}
	if p.Decider == "" {
		if err := c.store.SetPromiseDecider(ctx, ex, kp, KernelVat); err != nil {
			return err
		}
	} else if p.Decider != KernelVat {
		logging.Op().Warn("crank: kernel resolving a promise it is not the recorded decider of", "kp", kp, "decider", p.Decider)
	}

	items, err := c.promises.Resolve(ctx, ex, KernelVat, []promise.ResolveEntry{{KP: kp, Rejected: rejected, Value: value}})
	if err != nil {
		return err
	}
	metrics.Global().RecordPromiseResolution()
	if err := c.untrackPendingDecision(ctx, ex, KernelVat, kp); err != nil {
		return err
	}
	return c.enqueueAll(ctx, ex, items)
}

// applySyscalls applies the batch of syscalls a worker's delivery
// response carried, in order, capped at cfg.MaxSyscallBatch.
func (c *Crank) applySyscalls(ctx context.Context, ex db.Executor, vat domain.VatID, syscalls []vatsupervisor.Syscall) error {
	if max := c.cfg.MaxSyscallBatch; max > 0 && len(syscalls) > max {
		logging.Op().Warn("crank: syscall batch truncated", "vat", vat, "max", max, "got", len(syscalls))
		syscalls = syscalls[:max]
	}
	for _, sc := range syscalls {
		if err := c.applySyscall(ctx, ex, vat, sc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crank) applySyscall(ctx context.Context, ex db.Executor, vat domain.VatID, sc vatsupervisor.Syscall) error {
	switch sc.Kind {
	case vatsupervisor.SysSend:
		return c.applySend(ctx, ex, vat, sc)
	case vatsupervisor.SysSubscribe:
		return c.applySubscribe(ctx, ex, vat, sc)
	case vatsupervisor.SysResolve:
		return c.applyResolve(ctx, ex, vat, sc)
	case vatsupervisor.SysExit:
		return c.terminateVatTx(ctx, ex, vat)
	case vatsupervisor.SysDropImports:
		return c.applyForgetBatch(ctx, ex, vat, sc.ERefs, false)
	case vatsupervisor.SysRetireImports, vatsupervisor.SysRetireExports:
		return c.applyForgetBatch(ctx, ex, vat, sc.ERefs, true)
	case vatsupervisor.SysAbandonExports:
		// Acknowledgment only: the owner transition already happened
		// when gc.Collector.VatTerminated cleared the object's owner.
		return nil
	case vatsupervisor.SysCallKernelService:
		return c.applyCallKernelService(ctx, ex, vat, sc)
	default:
		return &domain.InternalError{Invariant: fmt.Sprintf("unknown syscall kind %q", sc.Kind)}
	}
}

func (c *Crank) applySend(ctx context.Context, ex db.Executor, vat domain.VatID, sc vatsupervisor.Syscall) error {
	target, err := c.translator.EToK(ctx, ex, vat, sc.Target)
	if err != nil {
		return fmt.Errorf("send syscall: %w", err)
	}
	args, err := c.translateArgsToKernel(ctx, ex, vat, sc.Args)
	if err != nil {
		return fmt.Errorf("send syscall: %w", err)
	}
	resultKP, err := c.bindFreshResult(ctx, ex, vat, sc.ResultEref)
	if err != nil {
		return fmt.Errorf("send syscall: %w", err)
	}
	return c.enqueueAll(ctx, ex, []domain.RunItem{domain.SendItem(vat, target, sc.Method, args, resultKP)})
}

func (c *Crank) applyCallKernelService(ctx context.Context, ex db.Executor, vat domain.VatID, sc vatsupervisor.Syscall) error {
	target, err := c.services.KRefFor(ctx, ex, sc.Service)
	if err != nil {
		return fmt.Errorf("call kernel service: %w", err)
	}
	args, err := c.translateArgsToKernel(ctx, ex, vat, sc.Args)
	if err != nil {
		return fmt.Errorf("call kernel service: %w", err)
	}
	resultKP, err := c.bindFreshResult(ctx, ex, vat, sc.ResultEref)
	if err != nil {
		return fmt.Errorf("call kernel service: %w", err)
	}
	return c.enqueueAll(ctx, ex, []domain.RunItem{domain.SendItem(vat, target, sc.Method, args, resultKP)})
}

// bindFreshResult allocates a new kernel promise for a vat-minted result
// eref, if any was given ("" means the caller discarded the result).
func (c *Crank) bindFreshResult(ctx context.Context, ex db.Executor, vat domain.VatID, resultEref domain.ERef) (domain.KRef, error) {
	if resultEref == "" {
		return "", nil
	}
	kp, err := c.promises.Allocate(ctx, ex, "")
	if err != nil {
		return "", fmt.Errorf("allocate result promise: %w", err)
	}
	if err := c.translator.BindExport(ctx, ex, vat, kp, resultEref); err != nil {
		return "", fmt.Errorf("bind result promise: %w", err)
	}
	return kp, nil
}

func (c *Crank) applySubscribe(ctx context.Context, ex db.Executor, vat domain.VatID, sc vatsupervisor.Syscall) error {
	kp, err := c.translator.EToK(ctx, ex, vat, sc.KP)
	if err != nil {
		return fmt.Errorf("subscribe syscall: %w", err)
	}
	notify, err := c.promises.Subscribe(ctx, ex, vat, kp)
	if err != nil {
		return err
	}
	if notify == nil {
		return nil
	}
	return c.enqueueAll(ctx, ex, []domain.RunItem{*notify})
}

func (c *Crank) applyResolve(ctx context.Context, ex db.Executor, vat domain.VatID, sc vatsupervisor.Syscall) error {
	entries := make([]promise.ResolveEntry, 0, len(sc.Resolutions))
	krefs := make([]domain.KRef, 0, len(sc.Resolutions))
	for _, r := range sc.Resolutions {
		kp, err := c.translator.EToK(ctx, ex, vat, r.KP)
		if err != nil {
			return fmt.Errorf("resolve syscall: %w", err)
		}
		entry := promise.ResolveEntry{KP: kp, Rejected: r.Rejected}
		if r.ForwardTo != "" {
			fwd, err := c.translator.EToK(ctx, ex, vat, r.ForwardTo)
			if err != nil {
				return fmt.Errorf("resolve syscall forward target: %w", err)
			}
			entry.ForwardTo = fwd
		} else {
			value, err := c.translateArgsToKernel(ctx, ex, vat, r.Value)
			if err != nil {
				return fmt.Errorf("resolve syscall value: %w", err)
			}
			entry.Value = value
		}
		entries = append(entries, entry)
		krefs = append(krefs, kp)
	}

	items, err := c.promises.Resolve(ctx, ex, vat, entries)
	if err != nil {
		return err
	}
	metrics.Global().RecordPromiseResolution()
	for _, kp := range krefs {
		if err := c.untrackPendingDecision(ctx, ex, vat, kp); err != nil {
			return err
		}
	}
	return c.enqueueAll(ctx, ex, items)
}

func (c *Crank) applyForgetBatch(ctx context.Context, ex db.Executor, vat domain.VatID, erefs []domain.ERef, retire bool) error {
	for _, eref := range erefs {
		kref, err := c.translator.EToK(ctx, ex, vat, eref)
		if err != nil {
			return fmt.Errorf("forget %s: %w", eref, err)
		}
		var items []domain.RunItem
		if retire {
			items, err = c.gc.RetireImport(ctx, ex, vat, kref)
		} else {
			items, err = c.gc.DropImport(ctx, ex, vat, kref)
		}
		if err != nil {
			return err
		}
		if retire {
			metrics.Global().RecordGCAction(string(domain.GCRetireImports))
		} else {
			metrics.Global().RecordGCAction(string(domain.GCDropImports))
		}
		if err := c.enqueueAll(ctx, ex, items); err != nil {
			return err
		}
	}
	return nil
}
