package memoryinfra

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/philippgille/chromem-go"
)

// ChromemIndex implements memory.VectorIndex on chromem-go with one
// collection per project. Vectors are always supplied explicitly; the
// embedding func is a guard that refuses implicit embedding calls.
type ChromemIndex struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemIndex(db *chromem.DB) *ChromemIndex {
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}
}

func collectionName(projectID kernel.ProjectID) string {
	return "units_" + projectID.String()
}

func rejectImplicitEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vector index only accepts precomputed embeddings")
}

func (x *ChromemIndex) getOrCreate(projectID kernel.ProjectID) (*chromem.Collection, error) {
	name := collectionName(projectID)

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}

	col, err := x.db.GetOrCreateCollection(name, nil, rejectImplicitEmbedding)
	if err != nil {
		return nil, errx.Wrap(err, "failed to create vector collection", errx.TypeInternal).
			WithDetail("collection", name)
	}
	x.collections[name] = col

	return col, nil
}

// get returns the project's collection, or nil when nothing was ever indexed
// for it.
func (x *ChromemIndex) get(projectID kernel.ProjectID) *chromem.Collection {
	name := collectionName(projectID)

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col
	}

	col = x.db.GetCollection(name, rejectImplicitEmbedding)
	if col == nil {
		return nil
	}

	x.mu.Lock()
	x.collections[name] = col
	x.mu.Unlock()

	return col
}

func searchableFlag(state memory.State) string {
	if state.IsTerminal() {
		return "false"
	}
	return "true"
}

// Upsert stores or replaces the vector for a unit, with state metadata so
// terminal units can be filtered out of search.
func (x *ChromemIndex) Upsert(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, vector []float32, state memory.State) error {
	if len(vector) == 0 {
		return memory.ErrInvalidInput().WithDetail("reason", "empty vector")
	}

	col, err := x.getOrCreate(projectID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        unitID.String(),
		Embedding: vector,
		Metadata: map[string]string{
			"project_id": projectID.String(),
			"state":      string(state),
			"searchable": searchableFlag(state),
		},
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return errx.Wrap(err, "failed to upsert vector", errx.TypeInternal).
			WithDetail("unit_id", unitID.String()).
			WithDetail("project_id", projectID.String())
	}

	return nil
}

// Delete removes a unit's vector. Deleting an unindexed unit is a no-op.
func (x *ChromemIndex) Delete(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) error {
	col := x.get(projectID)
	if col == nil {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, unitID.String()); err != nil {
		return errx.Wrap(err, "failed to delete vector", errx.TypeInternal).
			WithDetail("unit_id", unitID.String()).
			WithDetail("project_id", projectID.String())
	}

	return nil
}

// SetState rewrites the state metadata of an indexed unit, keeping its
// vector.
func (x *ChromemIndex) SetState(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, state memory.State) error {
	col := x.get(projectID)
	if col == nil {
		return memory.ErrUnitNotFound().
			WithDetail("unit_id", unitID.String()).
			WithDetail("source", "vector index")
	}

	doc, err := col.GetByID(ctx, unitID.String())
	if err != nil {
		return memory.ErrUnitNotFound().
			WithDetail("unit_id", unitID.String()).
			WithDetail("source", "vector index")
	}

	return x.Upsert(ctx, projectID, unitID, doc.Embedding, state)
}

// Search queries every listed project collection, merges hits by similarity
// and re-checks each hit against the allowed project set. The index enforces
// isolation itself: a foreign hit aborts with IsolationViolation rather than
// being dropped.
func (x *ChromemIndex) Search(ctx context.Context, projects []kernel.ProjectID, vector []float32, k int, includeArchived bool) ([]memory.Candidate, error) {
	if len(vector) == 0 {
		return nil, memory.ErrInvalidInput().WithDetail("reason", "empty query vector")
	}
	if k <= 0 {
		return nil, memory.ErrInvalidInput().WithDetail("reason", "k must be positive")
	}

	allowed := make(map[string]bool, len(projects))
	for _, p := range projects {
		allowed[p.String()] = true
	}

	var where map[string]string
	if !includeArchived {
		where = map[string]string{"searchable": "true"}
	}

	var merged []memory.Candidate
	for _, projectID := range projects {
		col := x.get(projectID)
		if col == nil {
			continue
		}

		n := k
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}

		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, errx.Wrap(err, "vector search failed", errx.TypeInternal).
				WithDetail("project_id", projectID.String())
		}

		for _, res := range results {
			owner := res.Metadata["project_id"]
			if !allowed[owner] {
				return nil, memory.ErrIsolationViolation().
					WithDetail("unit_id", res.ID).
					WithDetail("owner_project", owner).
					WithDetail("queried_project", projectID.String())
			}
			merged = append(merged, memory.Candidate{
				UnitID:     kernel.UnitIDFrom(res.ID),
				ProjectID:  kernel.NewProjectID(owner),
				Similarity: float64(res.Similarity),
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	return merged, nil
}

// Embedding returns the stored vector for a unit; compression reads vectors
// back for cohesion scoring.
func (x *ChromemIndex) Embedding(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) ([]float32, error) {
	col := x.get(projectID)
	if col == nil {
		return nil, memory.ErrUnitNotFound().
			WithDetail("unit_id", unitID.String()).
			WithDetail("source", "vector index")
	}

	doc, err := col.GetByID(ctx, unitID.String())
	if err != nil {
		return nil, memory.ErrUnitNotFound().
			WithDetail("unit_id", unitID.String()).
			WithDetail("source", "vector index")
	}

	return doc.Embedding, nil
}
