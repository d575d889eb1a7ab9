package memorysrv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Abraxas-365/recall/pkg/ai/embedding"
	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

// MemoryService is the facade the transport layer talks to: ingestion,
// retrieval, out-of-cycle review and per-project status.
type MemoryService struct {
	repo     memory.UnitRepository
	index    memory.VectorIndex
	leases   memory.LeaseManager
	embedder embedding.Embedder
	ranker   *RetrievalRanker
	injector *ContextInjector
	decay    *DecayScheduler
	cache    memory.RetrievalCache // nil disables retrieval caching
	cfg      *config.MemoryConfig
}

func NewMemoryService(
	repo memory.UnitRepository,
	index memory.VectorIndex,
	leases memory.LeaseManager,
	embedder embedding.Embedder,
	ranker *RetrievalRanker,
	injector *ContextInjector,
	decay *DecayScheduler,
	cache memory.RetrievalCache,
	cfg *config.MemoryConfig,
) *MemoryService {
	return &MemoryService{
		repo:     repo,
		index:    index,
		leases:   leases,
		embedder: embedder,
		ranker:   ranker,
		injector: injector,
		decay:    decay,
		cache:    cache,
		cfg:      cfg,
	}
}

// Ingest captures one conversation turn as a QUICK unit: embed, store, index.
// An index failure rolls the stored row back so no half-ingested unit remains.
func (s *MemoryService) Ingest(ctx context.Context, req memory.IngestRequest) (*memory.IngestResponse, error) {
	projectID := kernel.ProjectID(strings.TrimSpace(req.ProjectID))
	role := strings.TrimSpace(req.Role)
	content := strings.TrimSpace(req.Content)

	if projectID == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "project_id")
	}
	if role == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "role")
	}
	if content == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "content")
	}

	createdAt := time.Now()
	if req.Timestamp != nil {
		createdAt = *req.Timestamp
	}

	embedded, err := s.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		return nil, err
	}

	unit := memory.NewQuickUnit(projectID, role, content, createdAt)
	if err := s.repo.Create(ctx, unit); err != nil {
		return nil, err
	}

	if err := s.index.Upsert(ctx, projectID, unit.ID, embedded[0].Vector, memory.StateQuick); err != nil {
		if rollbackErr := s.repo.DeleteUnits(ctx, []kernel.UnitID{unit.ID}); rollbackErr != nil {
			logx.Errorf("failed to roll back unit %s after index failure: %v", unit.ID.String(), rollbackErr)
		}
		return nil, memory.ErrIngestionFailed().WithCause(err)
	}

	logx.WithFields(logx.Fields{
		"project_id": projectID.String(),
		"unit_id":    unit.ID.String(),
		"tokens":     unit.TokenCount,
	}).Debugf("ingested quick unit")

	return &memory.IngestResponse{
		UnitID:     unit.ID,
		TokenCount: unit.TokenCount,
		State:      unit.State,
	}, nil
}

// Retrieve assembles the injected context for a query: rank, pack, render.
// Pipeline failures degrade to an empty context so the conversation can go
// on; only invalid input and isolation violations surface as errors.
func (s *MemoryService) Retrieve(ctx context.Context, req memory.RetrieveRequest) (*memory.RetrievedContext, error) {
	projectID := kernel.ProjectID(strings.TrimSpace(req.ProjectID))
	query := strings.TrimSpace(req.Query)

	if projectID == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "project_id")
	}
	if query == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "query")
	}

	cacheKey := s.retrievalCacheKey(projectID, query, req.TokenBudget)
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
			logx.Warnf("retrieval cache read failed: %v", err)
		} else if ok {
			return cached, nil
		}
	}

	selected, total, err := s.ranker.Select(ctx, projectID, query, req.TokenBudget)
	if err != nil {
		if errx.IsCode(err, memory.CodeInvalidInput) || errx.IsCode(err, memory.CodeIsolationViolation) {
			return nil, err
		}
		// A ranking outage yields an empty context, never a failed turn.
		// The degraded result stays out of the cache so recovery is immediate.
		logx.WithFields(logx.Fields{
			"project_id": projectID.String(),
		}).Warnf("retrieval degraded to empty context: %v", memory.ErrRetrievalFailed().WithCause(err))
		return &memory.RetrievedContext{UnitIDs: []kernel.UnitID{}}, nil
	}

	ordered := Chronological(selected)
	ids := make([]kernel.UnitID, 0, len(ordered))
	for _, u := range ordered {
		ids = append(ids, u.ID)
	}

	result := &memory.RetrievedContext{
		Context:    s.injector.Render(selected),
		UnitIDs:    ids,
		TokenCount: total,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, *result, s.cfg.RetrievalCacheTTL); err != nil {
			logx.Warnf("retrieval cache write failed: %v", err)
		}
	}

	return result, nil
}

// ForceReview runs a sweep for the project outside the regular cycle.
func (s *MemoryService) ForceReview(ctx context.Context, projectID kernel.ProjectID) (memory.SweepReport, error) {
	if projectID == "" {
		return memory.SweepReport{}, memory.ErrInvalidInput().WithDetail("field", "project_id")
	}
	return s.decay.SweepProject(ctx, projectID)
}

// Status reports per-state counts, the last sweep time and the configured
// limits for a project.
func (s *MemoryService) Status(ctx context.Context, projectID kernel.ProjectID) (*memory.StatusResponse, error) {
	if projectID == "" {
		return nil, memory.ErrInvalidInput().WithDetail("field", "project_id")
	}

	counts, err := s.repo.CountByState(ctx, projectID)
	if err != nil {
		return nil, err
	}

	lastSweep, err := s.leases.LastSweep(ctx, projectID)
	if err != nil {
		logx.Warnf("failed to read last sweep time for %s: %v", projectID.String(), err)
		lastSweep = nil
	}

	return &memory.StatusResponse{
		ProjectID:   projectID,
		Counts:      counts,
		LastSweepAt: lastSweep,
		Limits: memory.StatusLimits{
			MaxUnits:    s.cfg.MaxMemoryUnits,
			TokenBudget: s.cfg.TokenBudgetLimit,
		},
	}, nil
}

func (s *MemoryService) retrievalCacheKey(projectID kernel.ProjectID, query string, budget int) string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%s", projectID.String(), s.cfg.Isolation, s.cfg.SharedScope, budget, query)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
