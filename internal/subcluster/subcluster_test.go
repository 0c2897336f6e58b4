package subcluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/crank"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/gc"
	"github.com/oriys/vatkernel/internal/kernelservices"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/translator"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := kstore.NewMemoryStore()
	tr := translator.New(store)
	proms := promise.New(store)
	collector := gc.New(store, tr)
	vats := vatsupervisor.NewManager(3)
	services := kernelservices.New(store)
	ck := crank.New(store, tr, proms, collector, vats, services, queue.NewNoopNotifier(), nil, config.CrankConfig{})
	return New(config.SubclusterConfig{LaunchParallel: 4}, store, vats, ck, proms, services, nil)
}

func TestLaunchDispatchesBootstrapToDesignatedVat(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	sc := Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []VatSpec{{Name: "main", Bundle: "counter"}},
	}

	sid, result, err := m.Launch(ctx, sc)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if sid != "counters" {
		t.Fatalf("expected subcluster id 'counters', got %s", sid)
	}
	if result.IsError() {
		t.Fatalf("expected a successful bootstrap result, got error: %s", result.ErrorMessage())
	}

	vats, err := m.GetSubclusterVats(ctx, sid)
	if err != nil {
		t.Fatalf("get subcluster vats: %v", err)
	}
	if len(vats) != 1 {
		t.Fatalf("expected exactly one launched vat, got %d", len(vats))
	}

	in, err := m.IsVatInSubcluster(ctx, vats[0], sid)
	if err != nil {
		t.Fatalf("is vat in subcluster: %v", err)
	}
	if !in {
		t.Fatalf("expected launched vat to be recorded as part of the subcluster")
	}
}

func TestLaunchRejectsUnknownService(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	sc := Config{
		ID:           "bad",
		BootstrapVat: "main",
		Vats:         []VatSpec{{Name: "main", Bundle: "counter"}},
		Services:     []string{"does-not-exist"},
	}

	if _, _, err := m.Launch(ctx, sc); err == nil {
		t.Fatalf("expected an unknown-service error")
	}
}

func TestLaunchRejectsUnknownBundle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	sc := Config{
		ID:           "bad-bundle",
		BootstrapVat: "main",
		Vats:         []VatSpec{{Name: "main", Bundle: "does-not-exist"}},
	}

	if _, _, err := m.Launch(ctx, sc); err == nil {
		t.Fatalf("expected an unknown-bundle error")
	}
}

func TestReloadSubclusterRelaunchesWithFreshVatIDs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	sc := Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []VatSpec{{Name: "main", Bundle: "counter"}},
	}
	if _, _, err := m.Launch(ctx, sc); err != nil {
		t.Fatalf("launch: %v", err)
	}
	before, err := m.GetSubclusterVats(ctx, "counters")
	if err != nil {
		t.Fatalf("get subcluster vats: %v", err)
	}

	if _, err := m.ReloadSubcluster(ctx, "counters"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, err := m.GetSubclusterVats(ctx, "counters")
	if err != nil {
		t.Fatalf("get subcluster vats after reload: %v", err)
	}
	if after[0] == before[0] {
		t.Fatalf("expected reload to allocate a fresh vat id, got the same one: %s", after[0])
	}
}

func TestTerminateSubclusterRemovesRecord(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	sc := Config{
		ID:           "counters",
		BootstrapVat: "main",
		Vats:         []VatSpec{{Name: "main", Bundle: "counter"}},
	}
	if _, _, err := m.Launch(ctx, sc); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := m.TerminateSubcluster(ctx, "counters"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := m.GetSubclusterVats(ctx, "counters"); err == nil {
		t.Fatalf("expected subcluster record to be gone after terminate")
	}
}

func TestLoadConfigDirParsesYAMLManifests(t *testing.T) {
	dir := t.TempDir()
	manifest := `
id: counters
bootstrapVat: main
vats:
  - name: main
    bundle: counter
services: []
`
	if err := os.WriteFile(filepath.Join(dir, "counters.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m := New(config.SubclusterConfig{ConfigDir: dir}, kstore.NewMemoryStore(), nil, nil, nil, nil, nil)
	configs, err := m.LoadConfigDir()
	if err != nil {
		t.Fatalf("load config dir: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected one config, got %d", len(configs))
	}
	if configs[0].ID != domain.SubclusterID("counters") {
		t.Fatalf("expected id 'counters', got %s", configs[0].ID)
	}
	if configs[0].Vats[0].Bundle != "counter" {
		t.Fatalf("expected vat bundle 'counter', got %s", configs[0].Vats[0].Bundle)
	}
}
