package kstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

// MemoryStore is an in-process fake of KernelStore, grounded on the
// ambient-stack plan to test store-dependent packages (promise, gc,
// translator, crank) without a live Postgres instance, the way the teacher
// tests business logic against table-driven fixtures rather than a real
// database wherever the logic itself is what's under test. It is not
// concurrency-safe across independent transactions the way Postgres is;
// every operation is serialized by a single mutex, which is sufficient
// because the crank model itself never runs two deliveries concurrently.
type MemoryStore struct {
	mu sync.Mutex

	objects  map[domain.KRef]*domain.Object
	promises map[domain.KRef]*domain.Promise
	k2e      map[domain.VatID]map[domain.KRef]domain.ERef
	e2k      map[domain.VatID]map[domain.ERef]domain.KRef
	runQueue []runQueueEntry
	runSeq   int64
	pqueue   map[domain.KRef][]domain.RunItem
	vatstore    map[domain.VatID]map[string]string
	subs        map[domain.SubclusterID]SubclusterRecord
	tokens      map[string]ocapEntry
	recognizers map[domain.KRef]map[domain.VatID]bool

	nextObjectID, nextPromiseID uint64

	savepoints map[string]*memorySnapshot
}

type runQueueEntry struct {
	seq  int64
	item domain.RunItem
}

type ocapEntry struct {
	kref domain.KRef
	peer domain.PeerID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  map[domain.KRef]*domain.Object{},
		promises: map[domain.KRef]*domain.Promise{},
		k2e:      map[domain.VatID]map[domain.KRef]domain.ERef{},
		e2k:      map[domain.VatID]map[domain.ERef]domain.KRef{},
		pqueue:   map[domain.KRef][]domain.RunItem{},
		vatstore: map[domain.VatID]map[string]string{},
		subs:        map[domain.SubclusterID]SubclusterRecord{},
		tokens:      map[string]ocapEntry{},
		recognizers: map[domain.KRef]map[domain.VatID]bool{},

		savepoints: map[string]*memorySnapshot{},
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- fake transaction / savepoint plumbing ---

type memoryTx struct{ store *MemoryStore }

func (t *memoryTx) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	return nil, fmt.Errorf("memory store does not execute raw SQL")
}
func (t *memoryTx) QueryRow(ctx context.Context, sql string, args ...any) db.Row { return nil }
func (t *memoryTx) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, fmt.Errorf("memory store does not execute raw SQL")
}
func (t *memoryTx) Commit(ctx context.Context) error   { return nil }
func (t *memoryTx) Rollback(ctx context.Context) error { return t.store.rollbackAll() }
func (t *memoryTx) Savepoint(ctx context.Context, name string) error {
	return t.store.savepoint(name)
}
func (t *memoryTx) RollbackToSavepoint(ctx context.Context, name string) error {
	return t.store.rollbackToSavepoint(name)
}
func (t *memoryTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return t.store.releaseSavepoint(name)
}

func (m *MemoryStore) BeginTx(ctx context.Context) (db.Tx, error) {
	return &memoryTx{store: m}, nil
}

func (m *MemoryStore) Savepoint(ctx context.Context, ex db.Executor, name string) error {
	return m.savepoint(name)
}
func (m *MemoryStore) RollbackToSavepoint(ctx context.Context, ex db.Executor, name string) error {
	return m.rollbackToSavepoint(name)
}
func (m *MemoryStore) ReleaseSavepoint(ctx context.Context, ex db.Executor, name string) error {
	return m.releaseSavepoint(name)
}

type memorySnapshot struct {
	objects      map[domain.KRef]domain.Object
	promises     map[domain.KRef]domain.Promise
	k2e          map[domain.VatID]map[domain.KRef]domain.ERef
	e2k          map[domain.VatID]map[domain.ERef]domain.KRef
	runQueue     []runQueueEntry
	runSeq       int64
	pqueue       map[domain.KRef][]domain.RunItem
	vatstore     map[domain.VatID]map[string]string
	nextObjectID  uint64
	nextPromiseID uint64
	recognizers   map[domain.KRef]map[domain.VatID]bool
}

func (m *MemoryStore) snapshot() *memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &memorySnapshot{
		objects:       map[domain.KRef]domain.Object{},
		promises:      map[domain.KRef]domain.Promise{},
		k2e:           map[domain.VatID]map[domain.KRef]domain.ERef{},
		e2k:           map[domain.VatID]map[domain.ERef]domain.KRef{},
		pqueue:        map[domain.KRef][]domain.RunItem{},
		vatstore:      map[domain.VatID]map[string]string{},
		runQueue:      append([]runQueueEntry{}, m.runQueue...),
		runSeq:        m.runSeq,
		nextObjectID:  m.nextObjectID,
		nextPromiseID: m.nextPromiseID,
		recognizers:   map[domain.KRef]map[domain.VatID]bool{},
	}
	for k, v := range m.objects {
		snap.objects[k] = *v
	}
	for k, v := range m.promises {
		snap.promises[k] = *v
	}
	for vat, mm := range m.k2e {
		cp := map[domain.KRef]domain.ERef{}
		for k, v := range mm {
			cp[k] = v
		}
		snap.k2e[vat] = cp
	}
	for vat, mm := range m.e2k {
		cp := map[domain.ERef]domain.KRef{}
		for k, v := range mm {
			cp[k] = v
		}
		snap.e2k[vat] = cp
	}
	for kp, items := range m.pqueue {
		snap.pqueue[kp] = append([]domain.RunItem{}, items...)
	}
	for vat, kv := range m.vatstore {
		cp := map[string]string{}
		for k, v := range kv {
			cp[k] = v
		}
		snap.vatstore[vat] = cp
	}
	for kref, vats := range m.recognizers {
		cp := map[domain.VatID]bool{}
		for v := range vats {
			cp[v] = true
		}
		snap.recognizers[kref] = cp
	}
	return snap
}

func (m *MemoryStore) restore(snap *memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = map[domain.KRef]*domain.Object{}
	for k, v := range snap.objects {
		cp := v
		m.objects[k] = &cp
	}
	m.promises = map[domain.KRef]*domain.Promise{}
	for k, v := range snap.promises {
		cp := v
		m.promises[k] = &cp
	}
	m.k2e = snap.k2e
	m.e2k = snap.e2k
	m.pqueue = snap.pqueue
	m.vatstore = snap.vatstore
	m.runQueue = snap.runQueue
	m.runSeq = snap.runSeq
	m.nextObjectID = snap.nextObjectID
	m.nextPromiseID = snap.nextPromiseID
	m.recognizers = snap.recognizers
}

func (m *MemoryStore) savepoint(name string) error {
	if !db.ValidSavepointName(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	m.savepoints[name] = m.snapshot()
	return nil
}

func (m *MemoryStore) rollbackToSavepoint(name string) error {
	snap, ok := m.savepoints[name]
	if !ok {
		return fmt.Errorf("unknown savepoint %q", name)
	}
	m.restore(snap)
	return nil
}

func (m *MemoryStore) releaseSavepoint(name string) error {
	delete(m.savepoints, name)
	return nil
}

func (m *MemoryStore) rollbackAll() error {
	return nil
}

// --- objects ---

func (m *MemoryStore) AllocateObject(ctx context.Context, ex db.Executor, owner domain.ObjectOwner) (domain.KRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObjectID++
	kref := domain.ObjectKRef(m.nextObjectID)
	m.objects[kref] = &domain.Object{KRef: kref, Owner: owner}
	return kref, nil
}

func (m *MemoryStore) GetObject(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[kref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, kref)
	}
	cp := *obj
	return &cp, nil
}

func (m *MemoryStore) SetObjectOwner(ctx context.Context, ex db.Executor, kref domain.KRef, owner domain.ObjectOwner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[kref]
	if !ok {
		return fmt.Errorf("object not found: %s", kref)
	}
	obj.Owner = owner
	return nil
}

func (m *MemoryStore) SetRevoked(ctx context.Context, ex db.Executor, kref domain.KRef, revoked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[kref]
	if !ok {
		return fmt.Errorf("object not found: %s", kref)
	}
	obj.Revoked = revoked
	return nil
}

func (m *MemoryStore) AdjustObjectRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, reachableDelta, recognizableDelta int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[kref]
	if !ok {
		return 0, 0, fmt.Errorf("object not found: %s", kref)
	}
	obj.Reachable += reachableDelta
	obj.Recognizable += recognizableDelta
	if obj.Reachable > obj.Recognizable {
		return 0, 0, &domain.InternalError{Invariant: fmt.Sprintf("reachable(%d) > recognizable(%d) for %s", obj.Reachable, obj.Recognizable, kref)}
	}
	return obj.Reachable, obj.Recognizable, nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, ex db.Executor, kref domain.KRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, kref)
	return nil
}

// --- promises ---

func (m *MemoryStore) AllocatePromise(ctx context.Context, ex db.Executor, decider domain.VatID) (domain.KRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPromiseID++
	kref := domain.PromiseKRef(m.nextPromiseID)
	m.promises[kref] = &domain.Promise{KRef: kref, State: domain.PromiseUnresolved, Decider: decider}
	return kref, nil
}

func (m *MemoryStore) GetPromise(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Promise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promises[kref]
	if !ok {
		return nil, fmt.Errorf("promise not found: %s", kref)
	}
	cp := *p
	cp.Subscribers = append([]domain.VatID{}, p.Subscribers...)
	return &cp, nil
}

func (m *MemoryStore) SetPromiseDecider(ctx context.Context, ex db.Executor, kref domain.KRef, decider domain.VatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promises[kref]
	if !ok {
		return fmt.Errorf("promise not found: %s", kref)
	}
	p.Decider = decider
	return nil
}

func (m *MemoryStore) AddPromiseSubscriber(ctx context.Context, ex db.Executor, kref domain.KRef, vat domain.VatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promises[kref]
	if !ok {
		return fmt.Errorf("promise not found: %s", kref)
	}
	if p.Decider == vat {
		return fmt.Errorf("promise decider cannot also be a subscriber: %s", vat)
	}
	for _, v := range p.Subscribers {
		if v == vat {
			return nil
		}
	}
	p.Subscribers = append(p.Subscribers, vat)
	return nil
}

func (m *MemoryStore) ResolvePromise(ctx context.Context, ex db.Executor, kref domain.KRef, state domain.PromiseState, value *domain.CapData, forward domain.KRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promises[kref]
	if !ok {
		return fmt.Errorf("promise not found: %s", kref)
	}
	p.State = state
	p.Value = value
	p.Forward = forward
	return nil
}

func (m *MemoryStore) AdjustPromiseRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promises[kref]
	if !ok {
		return 0, fmt.Errorf("promise not found: %s", kref)
	}
	p.RefCount += delta
	return p.RefCount, nil
}

func (m *MemoryStore) DeletePromise(ctx context.Context, ex db.Executor, kref domain.KRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.promises, kref)
	return nil
}

// --- c-lists ---

func (m *MemoryStore) CListInsert(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef, eref domain.ERef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.k2e[vat] == nil {
		m.k2e[vat] = map[domain.KRef]domain.ERef{}
		m.e2k[vat] = map[domain.ERef]domain.KRef{}
	}
	if existing, ok := m.k2e[vat][kref]; ok {
		if existing != eref {
			return false, fmt.Errorf("c-list conflict for vat %s kref %s: have %s, want %s", vat, kref, existing, eref)
		}
		return false, nil
	}
	m.k2e[vat][kref] = eref
	m.e2k[vat][eref] = kref
	return true, nil
}

func (m *MemoryStore) CListLookupByKRef(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (domain.ERef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.k2e[vat][kref]
	return e, ok, nil
}

func (m *MemoryStore) CListLookupByERef(ctx context.Context, ex db.Executor, vat domain.VatID, eref domain.ERef) (domain.KRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.e2k[vat][eref]
	return k, ok, nil
}

func (m *MemoryStore) CListDelete(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.k2e[vat][kref]
	if !ok {
		return nil
	}
	delete(m.k2e[vat], kref)
	delete(m.e2k[vat], e)
	return nil
}

func (m *MemoryStore) CListVatsForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vats []domain.VatID
	for vat, mm := range m.k2e {
		if _, ok := mm[kref]; ok {
			vats = append(vats, vat)
		}
	}
	return vats, nil
}

func (m *MemoryStore) CListKRefsForVat(ctx context.Context, ex db.Executor, vat domain.VatID) ([]domain.KRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var krefs []domain.KRef
	for k := range m.k2e[vat] {
		krefs = append(krefs, k)
	}
	return krefs, nil
}

// --- queues ---

func (m *MemoryStore) EnqueueRunItem(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runSeq++
	m.runQueue = append(m.runQueue, runQueueEntry{seq: m.runSeq, item: item})
	return nil
}

func (m *MemoryStore) DequeueRunItem(ctx context.Context, ex db.Executor) (*domain.RunItem, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runQueue) == 0 {
		return nil, 0, false, nil
	}
	head := m.runQueue[0]
	m.runQueue = m.runQueue[1:]
	return &head.item, head.seq, true, nil
}

func (m *MemoryStore) RunQueueEmpty(ctx context.Context, ex db.Executor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runQueue) == 0, nil
}

func (m *MemoryStore) EnqueuePromiseItem(ctx context.Context, ex db.Executor, kp domain.KRef, item domain.RunItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pqueue[kp] = append(m.pqueue[kp], item)
	return nil
}

func (m *MemoryStore) DrainPromiseQueue(ctx context.Context, ex db.Executor, kp domain.KRef) ([]domain.RunItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.pqueue[kp]
	delete(m.pqueue, kp)
	return items, nil
}

// --- vatstore ---

func (m *MemoryStore) VatstoreGet(ctx context.Context, ex db.Executor, vat domain.VatID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vatstore[vat][key]
	return v, ok, nil
}

func (m *MemoryStore) VatstoreSet(ctx context.Context, ex db.Executor, vat domain.VatID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vatstore[vat] == nil {
		m.vatstore[vat] = map[string]string{}
	}
	m.vatstore[vat][key] = value
	return nil
}

func (m *MemoryStore) VatstoreDelete(ctx context.Context, ex db.Executor, vat domain.VatID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vatstore[vat], key)
	return nil
}

func (m *MemoryStore) VatstoreGetNextKey(ctx context.Context, ex db.Executor, vat domain.VatID, after string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	found := false
	for k := range m.vatstore[vat] {
		if k > after && (!found || k < best) {
			best = k
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) VatstoreDeleteAll(ctx context.Context, ex db.Executor, vat domain.VatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vatstore, vat)
	return nil
}

// --- subclusters / ocap tokens ---

func (m *MemoryStore) SaveSubcluster(ctx context.Context, ex db.Executor, rec SubclusterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) (*SubclusterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subcluster not found: %s", id)
	}
	cp := rec
	return &cp, nil
}

func (m *MemoryStore) ListSubclusters(ctx context.Context, ex db.Executor) ([]SubclusterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []SubclusterRecord
	for _, rec := range m.subs {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *MemoryStore) DeleteSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) SaveOcapToken(ctx context.Context, ex db.Executor, token string, kref domain.KRef, peer domain.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = ocapEntry{kref: kref, peer: peer}
	return nil
}

func (m *MemoryStore) LookupOcapToken(ctx context.Context, ex db.Executor, token string) (domain.KRef, domain.PeerID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tokens[token]
	if !ok {
		return "", "", false, nil
	}
	return e.kref, e.peer, true, nil
}

func (m *MemoryStore) AddRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recognizers[kref] == nil {
		m.recognizers[kref] = map[domain.VatID]bool{}
	}
	if m.recognizers[kref][vat] {
		return false, nil
	}
	m.recognizers[kref][vat] = true
	return true, nil
}

func (m *MemoryStore) RemoveRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recognizers[kref], vat)
	return nil
}

func (m *MemoryStore) RecognizersForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vats []domain.VatID
	for vat := range m.recognizers[kref] {
		vats = append(vats, vat)
	}
	return vats, nil
}

var _ KernelStore = (*MemoryStore)(nil)
