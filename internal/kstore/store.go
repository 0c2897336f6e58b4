// Package kstore is the typed overlay described in spec section 4.1: object
// and promise tables, c-lists, run queue and per-promise queues, vatstore,
// subcluster records, and savepoints, over a pluggable KV-capable database.
//
// The accessor prefixes spec.md names (ko<N>.owner, cl.<vat>.k2e.<kref>, ...)
// are realized here as relational tables rather than literal key strings;
// the operations and their atomicity/ordering guarantees are unchanged.
package kstore

import (
	"context"
	"errors"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

// ErrObjectNotFound is returned by GetObject (wrapped with the missing
// kref) when no row exists for it, so callers can distinguish "the object
// is simply gone" from a genuine storage failure without parsing error
// text.
var ErrObjectNotFound = errors.New("object not found")

// KernelStore is the full set of durable operations the crank, promise
// subsystem, GC, translator, and subcluster manager need. Executor-scoped
// methods accept a db.Executor so a caller can run them against the shared
// pool or against the active crank transaction.
type KernelStore interface {
	// Transactions and savepoints.
	BeginTx(ctx context.Context) (db.Tx, error)
	Savepoint(ctx context.Context, ex db.Executor, name string) error
	RollbackToSavepoint(ctx context.Context, ex db.Executor, name string) error
	ReleaseSavepoint(ctx context.Context, ex db.Executor, name string) error

	// Object table.
	AllocateObject(ctx context.Context, ex db.Executor, owner domain.ObjectOwner) (domain.KRef, error)
	GetObject(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Object, error)
	SetObjectOwner(ctx context.Context, ex db.Executor, kref domain.KRef, owner domain.ObjectOwner) error
	SetRevoked(ctx context.Context, ex db.Executor, kref domain.KRef, revoked bool) error
	AdjustObjectRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, reachableDelta, recognizableDelta int64) (reachable, recognizable int64, err error)
	DeleteObject(ctx context.Context, ex db.Executor, kref domain.KRef) error

	// Promise table.
	AllocatePromise(ctx context.Context, ex db.Executor, decider domain.VatID) (domain.KRef, error)
	GetPromise(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Promise, error)
	SetPromiseDecider(ctx context.Context, ex db.Executor, kref domain.KRef, decider domain.VatID) error
	AddPromiseSubscriber(ctx context.Context, ex db.Executor, kref domain.KRef, vat domain.VatID) error
	ResolvePromise(ctx context.Context, ex db.Executor, kref domain.KRef, state domain.PromiseState, value *domain.CapData, forward domain.KRef) error
	AdjustPromiseRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, delta int64) (int64, error)
	DeletePromise(ctx context.Context, ex db.Executor, kref domain.KRef) error

	// C-lists.
	CListInsert(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef, eref domain.ERef) (inserted bool, err error)
	CListLookupByKRef(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (domain.ERef, bool, error)
	CListLookupByERef(ctx context.Context, ex db.Executor, vat domain.VatID, eref domain.ERef) (domain.KRef, bool, error)
	CListDelete(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error
	CListVatsForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error)
	CListKRefsForVat(ctx context.Context, ex db.Executor, vat domain.VatID) ([]domain.KRef, error)

	// Recognizer set: a superset of (or equal to) the current c-list
	// holders of a kref, used by GC to track the "recognizable" ref count
	// independently of the "reachable" (strong, c-list-backed) one. A vat
	// remains a recognizer after dropping its reachable c-list entry
	// (makeWeak / dropImports) until an explicit retire removes it.
	AddRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (added bool, err error)
	RemoveRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error
	RecognizersForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error)

	// Run queue.
	EnqueueRunItem(ctx context.Context, ex db.Executor, item domain.RunItem) error
	DequeueRunItem(ctx context.Context, ex db.Executor) (*domain.RunItem, int64, bool, error)
	RunQueueEmpty(ctx context.Context, ex db.Executor) (bool, error)

	// Per-promise queues.
	EnqueuePromiseItem(ctx context.Context, ex db.Executor, kp domain.KRef, item domain.RunItem) error
	DrainPromiseQueue(ctx context.Context, ex db.Executor, kp domain.KRef) ([]domain.RunItem, error)

	// Vatstore.
	VatstoreGet(ctx context.Context, ex db.Executor, vat domain.VatID, key string) (string, bool, error)
	VatstoreSet(ctx context.Context, ex db.Executor, vat domain.VatID, key, value string) error
	VatstoreDelete(ctx context.Context, ex db.Executor, vat domain.VatID, key string) error
	VatstoreGetNextKey(ctx context.Context, ex db.Executor, vat domain.VatID, after string) (string, bool, error)
	VatstoreDeleteAll(ctx context.Context, ex db.Executor, vat domain.VatID) error

	// Subclusters.
	SaveSubcluster(ctx context.Context, ex db.Executor, rec SubclusterRecord) error
	GetSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) (*SubclusterRecord, error)
	ListSubclusters(ctx context.Context, ex db.Executor) ([]SubclusterRecord, error)
	DeleteSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) error

	// OCAP URL tokens.
	SaveOcapToken(ctx context.Context, ex db.Executor, token string, kref domain.KRef, peer domain.PeerID) error
	LookupOcapToken(ctx context.Context, ex db.Executor, token string) (domain.KRef, domain.PeerID, bool, error)

	Close() error
}

// SubclusterRecord is the persisted shape of spec section 3's subcluster
// record: {id, bootstrap_vat, vats[], services[], config_blob}.
type SubclusterRecord struct {
	ID           domain.SubclusterID `json:"id"`
	BootstrapVat domain.VatID        `json:"bootstrap_vat"`
	Vats         []domain.VatID      `json:"vats"`
	Services     []string            `json:"services"`
	ConfigBlob   []byte              `json:"config_blob"`
}
