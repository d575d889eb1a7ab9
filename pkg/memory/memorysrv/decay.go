package memorysrv

import (
	"context"
	"time"

	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

// DecayScheduler runs the periodic review sweep over every project:
// expiring stale QUICK units, compressing eligible clusters and enforcing
// the per-project unit cap. Every step is idempotent, so a crashed sweep
// restarts from scratch safely.
type DecayScheduler struct {
	repo        memory.UnitRepository
	index       memory.VectorIndex
	leases      memory.LeaseManager
	compression *CompressionEngine
	cfg         *config.MemoryConfig
}

func NewDecayScheduler(
	repo memory.UnitRepository,
	index memory.VectorIndex,
	leases memory.LeaseManager,
	compression *CompressionEngine,
	cfg *config.MemoryConfig,
) *DecayScheduler {
	return &DecayScheduler{
		repo:        repo,
		index:       index,
		leases:      leases,
		compression: compression,
		cfg:         cfg,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *DecayScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReviewInterval)
	defer ticker.Stop()

	logx.Infof("🧹 Decay scheduler started (interval %s)", s.cfg.ReviewInterval)

	s.sweepAll(ctx)

	for {
		select {
		case <-ctx.Done():
			logx.Info("Decay scheduler stopped")
			return
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *DecayScheduler) sweepAll(ctx context.Context) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		logx.Errorf("failed to list projects for sweep: %v", err)
		return
	}

	for _, projectID := range projects {
		if ctx.Err() != nil {
			return
		}

		report, err := s.SweepProject(ctx, projectID)
		if err != nil {
			logx.WithFields(logx.Fields{"project_id": projectID.String()}).
				Errorf("sweep failed: %v", err)
			continue
		}
		if report.Skipped {
			continue
		}
		if report.Expired+report.Compressed+report.Evicted > 0 {
			logx.WithFields(logx.Fields{
				"project_id": projectID.String(),
				"expired":    report.Expired,
				"compressed": report.Compressed,
				"evicted":    report.Evicted,
			}).Infof("sweep completed")
		}
	}
}

// SweepProject runs one sweep for a project under the project's sweep lease.
// A sweep already in flight elsewhere returns Skipped=true, not an error.
func (s *DecayScheduler) SweepProject(ctx context.Context, projectID kernel.ProjectID) (memory.SweepReport, error) {
	report := memory.SweepReport{
		ProjectID: projectID,
		SweptAt:   time.Now(),
	}

	key := "sweep:" + projectID.String()
	token, acquired, err := s.leases.TryAcquire(ctx, key, s.cfg.SweepLeaseTTL)
	if err != nil {
		return report, err
	}
	if !acquired {
		logx.Warnf("sweep already in flight for project %s, skipping", projectID.String())
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := s.leases.Release(ctx, key, token); err != nil {
			logx.Warnf("failed to release sweep lease for %s: %v", projectID.String(), err)
		}
	}()

	expired, err := s.expireStale(ctx, projectID)
	report.Expired = expired
	if err != nil {
		return report, err
	}

	// A provider outage during compression must not block expiry/eviction
	compressed, err := s.compression.CompressProject(ctx, projectID)
	report.Compressed = compressed
	if err != nil {
		logx.WithFields(logx.Fields{"project_id": projectID.String()}).
			Warnf("compression pass failed: %v", err)
	}

	evicted, err := s.enforceCap(ctx, projectID)
	report.Evicted = evicted
	if err != nil {
		return report, err
	}

	if err := s.leases.SetLastSweep(ctx, projectID, report.SweptAt); err != nil {
		logx.Warnf("failed to record sweep time for %s: %v", projectID.String(), err)
	}

	return report, nil
}

// expireStale flips QUICK units past QUICK_TTL to EXPIRED. A unit claimed by
// a concurrent compression is skipped silently.
func (s *DecayScheduler) expireStale(ctx context.Context, projectID kernel.ProjectID) (int, error) {
	cutoff := time.Now().Add(-s.cfg.QuickTTL)
	units, err := s.repo.FindByProject(ctx, projectID, memory.UnitFilter{
		States:     []memory.State{memory.StateQuick},
		OlderThan:  &cutoff,
		OrderByAsc: true,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	now := time.Now()
	for _, u := range units {
		err := s.repo.UpdateState(ctx, u.ID, memory.StateQuick, memory.StateExpired, now)
		if err != nil {
			if errx.IsCode(err, memory.CodeStaleState) || errx.IsCode(err, memory.CodeUnitNotFound) {
				continue
			}
			return expired, err
		}

		// Expired vectors always leave the index; the fallback policy only
		// covers ARCHIVED units.
		if err := s.index.Delete(ctx, projectID, u.ID); err != nil {
			logx.Warnf("failed to delete expired vector %s: %v", u.ID.String(), err)
		}
		expired++
	}

	return expired, nil
}

// enforceCap brings the project back under MAX_MEMORY_UNITS. Victims are
// taken in eviction order: EXPIRED units absorb overage first (they already
// await retention cleanup, no state change), then LONG_TERM units by
// ascending quality and oldest last_reviewed_at, then the oldest QUICK units.
func (s *DecayScheduler) enforceCap(ctx context.Context, projectID kernel.ProjectID) (int, error) {
	counts, err := s.repo.CountByState(ctx, projectID)
	if err != nil {
		return 0, err
	}

	overage := counts.Live() - s.cfg.MaxMemoryUnits
	if overage <= 0 {
		return 0, nil
	}

	victims, err := s.repo.ListEvictable(ctx, projectID, overage)
	if err != nil {
		return 0, err
	}

	batch := make([]*memory.MemoryUnit, 0, len(victims))
	for _, victim := range victims {
		if victim.State == memory.StateExpired {
			continue
		}
		batch = append(batch, victim)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	evicted, err := s.archiveVictims(ctx, projectID, batch)
	if err != nil {
		return evicted, err
	}

	if evicted > 0 {
		logx.WithFields(logx.Fields{
			"project_id": projectID.String(),
			"evicted":    evicted,
			"live":       counts.Live(),
			"max_units":  s.cfg.MaxMemoryUnits,
		}).Infof("evicted units over capacity")
	}

	return evicted, nil
}

// archiveVictims flips the batch to ARCHIVED in one transaction when it can.
// A victim claimed concurrently aborts the batch with StaleState; the
// fallback then archives per unit so the unclaimed rest still goes out.
func (s *DecayScheduler) archiveVictims(ctx context.Context, projectID kernel.ProjectID, victims []*memory.MemoryUnit) (int, error) {
	ids := make([]kernel.UnitID, 0, len(victims))
	for _, victim := range victims {
		ids = append(ids, victim.ID)
	}

	now := time.Now()
	err := s.repo.BulkArchive(ctx, ids, now)
	if err == nil {
		for _, victim := range victims {
			s.dropFromIndex(ctx, projectID, victim.ID)
		}
		return len(victims), nil
	}
	if !errx.IsCode(err, memory.CodeStaleState) {
		return 0, err
	}

	evicted := 0
	for _, victim := range victims {
		err := s.repo.UpdateState(ctx, victim.ID, victim.State, memory.StateArchived, now)
		if err != nil {
			if errx.IsCode(err, memory.CodeStaleState) || errx.IsCode(err, memory.CodeUnitNotFound) {
				continue
			}
			return evicted, err
		}
		s.dropFromIndex(ctx, projectID, victim.ID)
		evicted++
	}
	return evicted, nil
}

func (s *DecayScheduler) dropFromIndex(ctx context.Context, projectID kernel.ProjectID, id kernel.UnitID) {
	var err error
	if s.cfg.ArchiveSearchback {
		err = s.index.SetState(ctx, projectID, id, memory.StateArchived)
	} else {
		err = s.index.Delete(ctx, projectID, id)
	}
	if err != nil {
		logx.Warnf("failed to update index for %s: %v", id.String(), err)
	}
}
