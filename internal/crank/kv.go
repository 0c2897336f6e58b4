package crank

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
)

// reservedVatstorePrefix namespaces the kernel's own bookkeeping keys
// (translator eref counters, the pending-decision index) away from
// user-level vatstoreSet/Get calls. The vat supervisor's contract assumes
// the kernel may use this namespace freely; user code is rejected here
// rather than silently corrupting kernel state.
const reservedVatstorePrefix = "_sys."

// vatstoreKV adapts the kstore vatstore accessors, scoped to one vat and
// one delivery's transaction, to vatsupervisor.KVAccess.
type vatstoreKV struct {
	store kstore.KernelStore
	ex    db.Executor
	vat   domain.VatID
}

func newVatstoreKV(store kstore.KernelStore, ex db.Executor, vat domain.VatID) *vatstoreKV {
	return &vatstoreKV{store: store, ex: ex, vat: vat}
}

func (k *vatstoreKV) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasPrefix(key, reservedVatstorePrefix) {
		return "", false, fmt.Errorf("vatstore key %q is reserved", key)
	}
	return k.store.VatstoreGet(ctx, k.ex, k.vat, key)
}

func (k *vatstoreKV) Set(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, reservedVatstorePrefix) {
		return fmt.Errorf("vatstore key %q is reserved", key)
	}
	return k.store.VatstoreSet(ctx, k.ex, k.vat, key, value)
}

func (k *vatstoreKV) Delete(ctx context.Context, key string) error {
	if strings.HasPrefix(key, reservedVatstorePrefix) {
		return fmt.Errorf("vatstore key %q is reserved", key)
	}
	return k.store.VatstoreDelete(ctx, k.ex, k.vat, key)
}

func (k *vatstoreKV) GetNextKey(ctx context.Context, after string) (string, bool, error) {
	for {
		key, ok, err := k.store.VatstoreGetNextKey(ctx, k.ex, k.vat, after)
		if err != nil || !ok {
			return key, ok, err
		}
		if !strings.HasPrefix(key, reservedVatstorePrefix) {
			return key, true, nil
		}
		after = key
	}
}
