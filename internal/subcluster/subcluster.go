// Package subcluster implements the SubclusterManager described in
// spec.md section 4.8: launching, reloading, and terminating named groups
// of vats that share a bootstrap vat and a restricted set of kernel
// services.
package subcluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/crank"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kernelservices"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/oriys/vatkernel/internal/marshal"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

// VatSpec names one vat co-launched within a subcluster: a logical id
// local to the config (re-keyed to a fresh domain.VatID on every launch)
// and the worker bundle that implements it.
type VatSpec struct {
	Name   string `yaml:"name"`
	Bundle string `yaml:"bundle"`
}

// Config is the YAML shape of a subcluster definition, grounded on the
// teacher's spec.FunctionSpec: a small declarative record with a bootstrap
// reference and a services allow-list, parsed the same way from a
// directory of YAML documents.
type Config struct {
	ID           domain.SubclusterID `yaml:"id"`
	BootstrapVat string              `yaml:"bootstrapVat"`
	Vats         []VatSpec           `yaml:"vats"`
	Services     []string            `yaml:"services"`
	ForceReset   bool                `yaml:"forceReset"`
}

// WorkerFactory builds a fresh Worker for a named bundle. Unknown bundle
// names fail the launch fast, the same way an unknown kernel service name
// does (spec.md section 4.8).
type WorkerFactory func(bundle string) (vatsupervisor.Worker, error)

// DefaultWorkerFactory recognizes the "counter" reference bundle; real
// deployments install additional bundles (e.g. a WASM or process-isolated
// vat runtime) by supplying their own WorkerFactory to New.
func DefaultWorkerFactory(bundle string) (vatsupervisor.Worker, error) {
	switch bundle {
	case "counter":
		return vatsupervisor.NewCounterWorker(), nil
	default:
		return nil, fmt.Errorf("unknown vat bundle %q", bundle)
	}
}

// Manager launches, reloads, and terminates subclusters.
type Manager struct {
	cfg      config.SubclusterConfig
	store    kstore.KernelStore
	vats     *vatsupervisor.Manager
	crank    *crank.Crank
	promises *promise.Subsystem
	services *kernelservices.Registry
	workers  WorkerFactory
}

// New wires a Manager. workers may be nil, in which case
// DefaultWorkerFactory is used.
func New(
	cfg config.SubclusterConfig,
	store kstore.KernelStore,
	vats *vatsupervisor.Manager,
	ck *crank.Crank,
	promises *promise.Subsystem,
	services *kernelservices.Registry,
	workers WorkerFactory,
) *Manager {
	if workers == nil {
		workers = DefaultWorkerFactory
	}
	return &Manager{cfg: cfg, store: store, vats: vats, crank: ck, promises: promises, services: services, workers: workers}
}

// LoadConfigDir parses every *.yaml/*.yml file under cfg.ConfigDir into a
// Config, the directory-of-manifests layout spec.FunctionSpec.ParseFile
// uses for function bundles.
func (m *Manager) LoadConfigDir() ([]Config, error) {
	entries, err := os.ReadDir(m.cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("subcluster: read config dir %s: %w", m.cfg.ConfigDir, err)
	}
	var out []Config
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := loadConfigFile(filepath.Join(m.cfg.ConfigDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("subcluster: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("subcluster: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Launch implements launchSubcluster(config): allocate vat ids, register
// a worker per vat, dispatch a synthetic bootstrap delivery to the
// designated bootstrap vat, and persist the subcluster record.
//
// Unknown service names fail fast, before any vat is registered. An unknown
// bundle fails when its vat is reached, and the vats registered before it
// are rolled back. A failure during the bootstrap delivery itself is an
// initialization error (spec.md section 7 class 5) and is reported with
// the "Subcluster initialization failed" prefix; the partially-launched
// vats are torn down rather than left dangling.
func (m *Manager) Launch(ctx context.Context, sc Config) (domain.SubclusterID, domain.CapData, error) {
	if sc.BootstrapVat == "" {
		return "", domain.CapData{}, fmt.Errorf("subcluster: bootstrapVat is required")
	}
	if _, ok := findVat(sc.Vats, sc.BootstrapVat); !ok {
		return "", domain.CapData{}, fmt.Errorf("subcluster: bootstrapVat %q is not among vats", sc.BootstrapVat)
	}
	for _, svc := range sc.Services {
		if !m.services.Has(svc) {
			return "", domain.CapData{}, fmt.Errorf("no registered kernel service '%s'", svc)
		}
	}

	if sc.ForceReset {
		m.discardPersisted(ctx, sc.ID)
	}

	vatIDs := make(map[string]domain.VatID, len(sc.Vats))
	roots := make(map[string]domain.KRef, len(sc.Vats))
	var launched []domain.VatID

	for _, spec := range sc.Vats {
		worker, err := m.workers(spec.Bundle)
		if err != nil {
			m.rollback(ctx, launched)
			return "", domain.CapData{}, fmt.Errorf("subcluster: vat %q: %w", spec.Name, err)
		}
		vid := domain.VatID(fmt.Sprintf("%s-%s", spec.Name, uuid.New().String()[:8]))
		m.vats.Register(vid, worker)
		launched = append(launched, vid)

		root, err := m.store.AllocateObject(ctx, nil, domain.ObjectOwner(vid))
		if err != nil {
			m.rollback(ctx, launched)
			return "", domain.CapData{}, fmt.Errorf("subcluster: allocate root object for %q: %w", spec.Name, err)
		}
		vatIDs[spec.Name] = vid
		roots[spec.Name] = root
	}

	bootstrapArgs, err := buildBootstrapArgs(roots, sc.Services)
	if err != nil {
		m.rollback(ctx, launched)
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %w", err)
	}

	bootstrapVat := vatIDs[sc.BootstrapVat]
	bootstrapRoot := roots[sc.BootstrapVat]

	resultKP, err := m.promises.Allocate(ctx, nil, "")
	if err != nil {
		m.rollback(ctx, launched)
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %w", err)
	}
	item := domain.SendItem("", bootstrapRoot, "bootstrap", bootstrapArgs, resultKP)
	if err := m.store.EnqueueRunItem(ctx, nil, item); err != nil {
		m.rollback(ctx, launched)
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %w", err)
	}

	p, err := m.crank.RunUntilResolved(ctx, resultKP)
	if err != nil {
		m.rollback(ctx, launched)
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %w", err)
	}
	if p.State == domain.PromiseRejected {
		m.rollback(ctx, launched)
		msg := ""
		if p.Value != nil {
			msg = p.Value.ErrorMessage()
		}
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %s", msg)
	}

	rec := kstore.SubclusterRecord{
		ID:           sc.ID,
		BootstrapVat: bootstrapVat,
		Vats:         launched,
		Services:     sc.Services,
	}
	if blob, err := yaml.Marshal(sc); err == nil {
		rec.ConfigBlob = blob
	}
	if err := m.store.SaveSubcluster(ctx, nil, rec); err != nil {
		m.rollback(ctx, launched)
		return "", domain.CapData{}, fmt.Errorf("Subcluster initialization failed: %w", err)
	}

	result := domain.CapData{}
	if p.Value != nil {
		result = *p.Value
	}
	return sc.ID, result, nil
}

// ReloadSubcluster terminates every vat in sid and re-launches it from the
// stored config with fresh vat ids.
func (m *Manager) ReloadSubcluster(ctx context.Context, sid domain.SubclusterID) (domain.CapData, error) {
	rec, err := m.store.GetSubcluster(ctx, nil, sid)
	if err != nil {
		return domain.CapData{}, fmt.Errorf("subcluster: reload %s: %w", sid, err)
	}
	var sc Config
	if err := yaml.Unmarshal(rec.ConfigBlob, &sc); err != nil {
		return domain.CapData{}, fmt.Errorf("subcluster: reload %s: decode stored config: %w", sid, err)
	}
	if err := m.terminateVats(ctx, rec.Vats); err != nil {
		return domain.CapData{}, fmt.Errorf("subcluster: reload %s: %w", sid, err)
	}
	_, result, err := m.Launch(ctx, sc)
	return result, err
}

// TerminateSubcluster terminates every vat in sid (their owned krefs
// follow the abandon path) and removes the subcluster record.
func (m *Manager) TerminateSubcluster(ctx context.Context, sid domain.SubclusterID) error {
	rec, err := m.store.GetSubcluster(ctx, nil, sid)
	if err != nil {
		return fmt.Errorf("subcluster: terminate %s: %w", sid, err)
	}
	if err := m.terminateVats(ctx, rec.Vats); err != nil {
		return fmt.Errorf("subcluster: terminate %s: %w", sid, err)
	}
	return m.store.DeleteSubcluster(ctx, nil, sid)
}

// Reload applies ReloadSubcluster to every known subcluster, used at
// daemon startup to resume whatever was running before the last crash.
func (m *Manager) Reload(ctx context.Context) error {
	recs, err := m.store.ListSubclusters(ctx, nil)
	if err != nil {
		return fmt.Errorf("subcluster: reload all: %w", err)
	}
	for _, rec := range recs {
		if _, err := m.ReloadSubcluster(ctx, rec.ID); err != nil {
			logging.Op().Error("subcluster: reload failed", "subcluster", rec.ID, "error", err)
		}
	}
	return nil
}

// GetSubclusters lists every persisted subcluster record.
func (m *Manager) GetSubclusters(ctx context.Context) ([]kstore.SubclusterRecord, error) {
	return m.store.ListSubclusters(ctx, nil)
}

// GetSubclusterVats returns the vats launched for sid.
func (m *Manager) GetSubclusterVats(ctx context.Context, sid domain.SubclusterID) ([]domain.VatID, error) {
	rec, err := m.store.GetSubcluster(ctx, nil, sid)
	if err != nil {
		return nil, err
	}
	return rec.Vats, nil
}

// IsVatInSubcluster reports whether vid was launched as part of sid.
func (m *Manager) IsVatInSubcluster(ctx context.Context, vid domain.VatID, sid domain.SubclusterID) (bool, error) {
	rec, err := m.store.GetSubcluster(ctx, nil, sid)
	if err != nil {
		return false, err
	}
	for _, v := range rec.Vats {
		if v == vid {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) terminateVats(ctx context.Context, vats []domain.VatID) error {
	for _, vid := range vats {
		if err := m.crank.TerminateVat(ctx, vid); err != nil {
			return fmt.Errorf("terminate vat %s: %w", vid, err)
		}
	}
	return nil
}

// rollback tears down vats registered earlier in a launch attempt that did
// not complete, so a failed launch never leaves half a subcluster running.
func (m *Manager) rollback(ctx context.Context, launched []domain.VatID) {
	for _, vid := range launched {
		if err := m.crank.TerminateVat(ctx, vid); err != nil {
			logging.Op().Warn("subcluster: rollback failed to terminate vat", "vat", vid, "error", err)
		}
	}
}

// discardPersisted drops a previous subcluster record's vats and the
// record itself before a forceReset launch. Per-vat state lives under the
// old (now-discarded) vat ids, so it becomes unreachable once those vats
// are gone; there is nothing further to scrub.
func (m *Manager) discardPersisted(ctx context.Context, sid domain.SubclusterID) {
	rec, err := m.store.GetSubcluster(ctx, nil, sid)
	if err != nil {
		return
	}
	if err := m.terminateVats(ctx, rec.Vats); err != nil {
		logging.Op().Warn("subcluster: forceReset failed to terminate previous vats", "subcluster", sid, "error", err)
	}
	if err := m.store.DeleteSubcluster(ctx, nil, sid); err != nil {
		logging.Op().Warn("subcluster: forceReset failed to delete previous record", "subcluster", sid, "error", err)
	}
}

func findVat(vats []VatSpec, name string) (VatSpec, bool) {
	for _, v := range vats {
		if v.Name == name {
			return v, true
		}
	}
	return VatSpec{}, false
}

// buildBootstrapArgs marshals the two bootstrap arguments spec.md section
// 4.8 describes: a record of the co-launched vats' root objects (krefs),
// and a record of the configured service names. Root krefs are plain
// domain.KRef values in the encoded map, so marshal.Encode substitutes
// each one with its own "@qslot" marker and capability slot the same way
// it would for any other capability-bearing argument.
func buildBootstrapArgs(roots map[string]domain.KRef, services []string) (domain.CapData, error) {
	vats := make(map[string]any, len(roots))
	for name, root := range roots {
		vats[name] = root
	}
	value := map[string]any{
		"vats":     vats,
		"services": services,
	}
	cd, err := marshal.Encode(value)
	if err != nil {
		return domain.CapData{}, fmt.Errorf("encode bootstrap args: %w", err)
	}
	return cd, nil
}
