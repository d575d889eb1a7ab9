package memorysrv

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/Abraxas-365/recall/pkg/ai/embedding"
	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

// Scoring weights. Similarity dominates; recency, quality and state share
// the rest so a fresh high-quality summary outranks a stale near-duplicate.
const (
	weightSimilarity = 0.50
	weightRecency    = 0.20
	weightQuality    = 0.20
	weightState      = 0.10
)

// RetrievalRanker turns a free-text query into a budget-packed unit
// selection: vector search over the project scope, weighted scoring,
// then greedy packing against the token budget.
type RetrievalRanker struct {
	repo     memory.UnitRepository
	index    memory.VectorIndex
	embedder embedding.Embedder
	cfg      *config.MemoryConfig
}

func NewRetrievalRanker(
	repo memory.UnitRepository,
	index memory.VectorIndex,
	embedder embedding.Embedder,
	cfg *config.MemoryConfig,
) *RetrievalRanker {
	return &RetrievalRanker{
		repo:     repo,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
	}
}

type scoredUnit struct {
	unit       *memory.MemoryUnit
	similarity float64
	score      float64
}

// Select returns the units packed into the token budget, highest score
// first, together with their combined token count. An empty selection is a
// valid outcome, not an error.
func (r *RetrievalRanker) Select(ctx context.Context, projectID kernel.ProjectID, query string, tokenBudget int) ([]*memory.MemoryUnit, int, error) {
	if query == "" {
		return nil, 0, memory.ErrInvalidInput().WithDetail("field", "query")
	}
	if tokenBudget < 0 {
		return nil, 0, memory.ErrInvalidInput().WithDetail("field", "token_budget")
	}

	budget := r.cfg.TokenBudgetLimit
	if tokenBudget > 0 && tokenBudget < budget {
		budget = tokenBudget
	}

	queryEmbedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	candidates, err := r.index.Search(ctx, r.searchScope(projectID), queryEmbedding.Vector, r.cfg.RetrievalTopK, r.cfg.ArchiveSearchback)
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	ids := make([]kernel.UnitID, 0, len(candidates))
	similarity := make(map[kernel.UnitID]float64, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.UnitID)
		similarity[c.UnitID] = c.Similarity
	}

	// Index hits without a backing row are dropped, never surfaced as errors:
	// the store may have purged a unit between search and load.
	units, err := r.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	scored := make([]scoredUnit, 0, len(units))
	for _, u := range units {
		if u.State == memory.StateExpired {
			continue
		}
		if u.State == memory.StateArchived && !r.cfg.ArchiveSearchback {
			continue
		}
		sim := similarity[u.ID]
		scored = append(scored, scoredUnit{
			unit:       u,
			similarity: sim,
			score:      r.score(u, sim, now),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].unit.CreatedAt.Equal(scored[j].unit.CreatedAt) {
			return scored[i].unit.CreatedAt.After(scored[j].unit.CreatedAt)
		}
		return scored[i].unit.ID.String() > scored[j].unit.ID.String()
	})

	selected := make([]*memory.MemoryUnit, 0, len(scored))
	total := 0
	for _, s := range scored {
		if total+s.unit.TokenCount > budget {
			continue
		}
		selected = append(selected, s.unit)
		total += s.unit.TokenCount
	}

	if r.cfg.TouchOnRead && len(selected) > 0 {
		touched := make([]kernel.UnitID, 0, len(selected))
		for _, u := range selected {
			touched = append(touched, u.ID)
		}
		if err := r.repo.TouchUnits(ctx, touched, now); err != nil {
			logx.Warnf("failed to touch retrieved units: %v", err)
		}
	}

	return selected, total, nil
}

// score combines similarity, recency, stored quality and state weight.
// Recency decays exponentially with RECENCY_HALF_LIFE over created_at.
func (r *RetrievalRanker) score(u *memory.MemoryUnit, similarity float64, now time.Time) float64 {
	recency := 0.0
	if r.cfg.RecencyHalfLife > 0 {
		age := now.Sub(u.CreatedAt)
		if age < 0 {
			age = 0
		}
		recency = math.Exp(-math.Ln2 * float64(age) / float64(r.cfg.RecencyHalfLife))
	}

	return weightSimilarity*similarity +
		weightRecency*recency +
		weightQuality*u.QualityScore +
		weightState*stateWeight(u.State)
}

func stateWeight(s memory.State) float64 {
	switch s {
	case memory.StateLongTerm:
		return 1.0
	case memory.StateQuick:
		return 0.6
	default:
		return 0.3
	}
}

// searchScope resolves the projects a query may read. Strict isolation pins
// the query to its own project; shared mode adds the shared scope project.
func (r *RetrievalRanker) searchScope(projectID kernel.ProjectID) []kernel.ProjectID {
	projects := []kernel.ProjectID{projectID}
	if r.cfg.Isolation == config.IsolationShared && r.cfg.SharedScope != "" {
		shared := kernel.ProjectID(r.cfg.SharedScope)
		if shared != projectID {
			projects = append(projects, shared)
		}
	}
	return projects
}
