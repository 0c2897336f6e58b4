// Package scheduler drives the periodic bringOutYourDead reap sweep
// described in spec.md section 4.5, replacing the teacher's cron-driven
// function invocation with cron-driven per-vat GC reap requests.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/robfig/cron/v3"
)

// Scheduler enqueues a bringOutYourDead run-queue item for every vat in
// every live subcluster on a cron schedule, and on explicit request.
type Scheduler struct {
	cron    *cron.Cron
	store   kstore.KernelStore
	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// New creates a Scheduler backed by store.
func New(store kstore.KernelStore) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithParser(cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		store: store,
	}
}

// Start registers reapAllVats on cronExpr (e.g. "@every 30s") and starts the
// cron scheduler.
func (s *Scheduler) Start(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	entryID, err := s.cron.AddFunc(cronExpr, s.reapAllVats)
	if err != nil {
		return fmt.Errorf("register reap schedule: %w", err)
	}
	s.entryID = entryID
	s.started = true

	s.cron.Start()
	logging.Op().Info("reap scheduler started", "schedule", cronExpr)
	return nil
}

// Stop stops the cron scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cron.Stop()
	s.started = false
}

// ReapVat enqueues an explicit bringOutYourDead request for one vat,
// independent of the periodic sweep.
func (s *Scheduler) ReapVat(ctx context.Context, vat domain.VatID) error {
	return s.store.EnqueueRunItem(ctx, nil, domain.BringOutYourDeadItem(vat))
}

// reapAllVats enqueues bringOutYourDead for every vat in every live
// subcluster. Run by the cron schedule registered in Start.
func (s *Scheduler) reapAllVats() {
	ctx := context.Background()
	subclusters, err := s.store.ListSubclusters(ctx, nil)
	if err != nil {
		logging.Op().Error("reap sweep: list subclusters failed", "error", err)
		return
	}

	count := 0
	for _, sc := range subclusters {
		for _, vat := range sc.Vats {
			if err := s.store.EnqueueRunItem(ctx, nil, domain.BringOutYourDeadItem(vat)); err != nil {
				logging.Op().Warn("reap sweep: enqueue failed", "vat", vat, "error", err)
				continue
			}
			count++
		}
	}
	logging.Op().Debug("reap sweep enqueued", "vats", count)
}
