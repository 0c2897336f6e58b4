package vatsupervisor

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/marshal"
)

// CounterWorker is a minimal reference Worker grounded on the counter-
// persistence scenario in spec.md section 8: bootstrap initializes a
// persisted counter to 1, resume increments and returns it. It exists to
// exercise VatSupervisor, the crank, and the subcluster launch path end to
// end without depending on an out-of-scope user-code sandbox. Its "echo"
// method additionally exercises the full marshal round trip, so a
// capability passed in as an argument slot comes back out as one too
// instead of this worker only ever emitting scalar results.
type CounterWorker struct {
	restarts int
}

func NewCounterWorker() *CounterWorker { return &CounterWorker{} }

const counterVatstoreKey = "count"

func (w *CounterWorker) Deliver(ctx context.Context, kv KVAccess, d Delivery) ([]Syscall, error) {
	if d.Kind != DeliverSend {
		return nil, nil
	}

	switch d.Method {
	case "bootstrap":
		if err := kv.Set(ctx, counterVatstoreKey, "1"); err != nil {
			return nil, fmt.Errorf("counter worker: persist initial count: %w", err)
		}
		return w.resultMessage(d, false, "Counter initialized with count: 1")

	case "resume":
		raw, ok, err := kv.Get(ctx, counterVatstoreKey)
		if err != nil {
			return nil, fmt.Errorf("counter worker: read count: %w", err)
		}
		count := 0
		if ok {
			if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
				return nil, fmt.Errorf("counter worker: corrupt count: %w", err)
			}
		}
		count++
		if err := kv.Set(ctx, counterVatstoreKey, fmt.Sprintf("%d", count)); err != nil {
			return nil, fmt.Errorf("counter worker: persist count: %w", err)
		}
		return w.resultMessage(d, false, fmt.Sprintf("Counter incremented to: %d", count))

	case "echo":
		decoded, err := marshal.Decode(d.Args)
		if err != nil {
			return w.resultMessage(d, true, fmt.Sprintf("echo: invalid args: %v", err))
		}
		return w.resultValue(d, false, decoded)

	default:
		return w.resultMessage(d, true, fmt.Sprintf("unknown method %q", d.Method))
	}
}

// resultMessage builds the resolve syscall for a plain string result,
// routed through marshal.Encode rather than a hand-quoted JSON literal so
// every worker reply uses the same (body, slots) codec the Host API and
// bootstrap args do.
func (w *CounterWorker) resultMessage(d Delivery, rejected bool, message string) ([]Syscall, error) {
	if rejected {
		return w.resolveSyscalls(d, true, domain.ErrorCapData(message)), nil
	}
	value, err := marshal.Encode(message)
	if err != nil {
		return nil, fmt.Errorf("counter worker: encode result: %w", err)
	}
	return w.resolveSyscalls(d, false, value), nil
}

// resultValue encodes an arbitrary decoded value (as produced by
// marshal.Decode), re-establishing any domain.KRef it carries as a fresh
// capability slot in the reply.
func (w *CounterWorker) resultValue(d Delivery, rejected bool, value any) ([]Syscall, error) {
	cd, err := marshal.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("counter worker: encode echoed value: %w", err)
	}
	return w.resolveSyscalls(d, rejected, cd), nil
}

func (w *CounterWorker) resolveSyscalls(d Delivery, rejected bool, value domain.CapData) []Syscall {
	if d.ResultEref == "" {
		return nil
	}
	return []Syscall{{
		Kind: SysResolve,
		Resolutions: []SyscallResolution{{
			KP:       d.ResultEref,
			Rejected: rejected,
			Value:    value,
		}},
	}}
}

func (w *CounterWorker) Restart(ctx context.Context) error {
	w.restarts++
	return nil
}

func (w *CounterWorker) Terminate(ctx context.Context) error { return nil }
