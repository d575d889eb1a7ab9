package memorysrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/fsx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

const purgeBatchSize = 500

// RetentionService hard-deletes terminal units once they outlive the
// retention grace period. Each batch is exported to blob storage as JSONL
// before any row is removed; a failed export aborts the batch.
type RetentionService struct {
	repo    memory.UnitRepository
	index   memory.VectorIndex
	storage fsx.FileSystem
	cfg     *config.MemoryConfig
}

func NewRetentionService(
	repo memory.UnitRepository,
	index memory.VectorIndex,
	storage fsx.FileSystem,
	cfg *config.MemoryConfig,
) *RetentionService {
	return &RetentionService{
		repo:    repo,
		index:   index,
		storage: storage,
		cfg:     cfg,
	}
}

// Start runs the purge loop until the context is cancelled.
func (s *RetentionService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	logx.Infof("🗑️ Retention service started (interval %s, grace %s)",
		s.cfg.RetentionInterval, s.cfg.RetentionGracePeriod)

	s.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			logx.Info("Retention service stopped")
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *RetentionService) purge(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.PurgeBatch(ctx)
		if err != nil {
			logx.Errorf("retention purge failed: %v", err)
			return
		}
		if n < purgeBatchSize {
			return
		}
	}
}

// PurgeBatch exports and deletes one batch of purgeable units, returning
// how many were removed.
func (s *RetentionService) PurgeBatch(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.RetentionGracePeriod)
	units, err := s.repo.ListPurgeable(ctx, cutoff, purgeBatchSize)
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 0, nil
	}

	// Snapshot before delete. Nothing is removed without an export.
	if err := s.export(ctx, units); err != nil {
		return 0, err
	}

	ids := make([]kernel.UnitID, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	if err := s.repo.DeleteUnits(ctx, ids); err != nil {
		return 0, err
	}

	for _, u := range units {
		if err := s.index.Delete(ctx, u.ProjectID, u.ID); err != nil {
			logx.Warnf("failed to delete vector for purged unit %s: %v", u.ID.String(), err)
		}
	}

	logx.WithFields(logx.Fields{"purged": len(units)}).
		Infof("🗑️ Purged terminal units past retention grace")
	return len(units), nil
}

func (s *RetentionService) export(ctx context.Context, units []*memory.MemoryUnit) error {
	byProject := make(map[kernel.ProjectID][]*memory.MemoryUnit)
	for _, u := range units {
		byProject[u.ProjectID] = append(byProject[u.ProjectID], u)
	}

	stamp := time.Now().UTC().Format("20060102T150405.000Z")
	for projectID, group := range byProject {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, u := range group {
			if err := enc.Encode(u); err != nil {
				return err
			}
		}

		path := fmt.Sprintf("snapshots/%s/%s.jsonl", projectID.String(), stamp)
		if err := s.storage.WriteFile(ctx, path, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
