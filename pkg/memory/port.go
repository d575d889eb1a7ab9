package memory

import (
	"context"
	"time"

	"github.com/Abraxas-365/recall/pkg/kernel"
)

// UnitFilter narrows FindByProject queries.
type UnitFilter struct {
	States     []State
	OlderThan  *time.Time // created_at strictly before
	Limit      int        // 0 means no limit
	OrderByAsc bool       // created_at ascending when true, descending otherwise
}

// UnitRepository is the relational persistence contract for memory units.
// All multi-unit writes are atomic; partial application is never observable.
type UnitRepository interface {
	Create(ctx context.Context, unit MemoryUnit) error
	Get(ctx context.Context, id kernel.UnitID) (*MemoryUnit, error)
	// GetMany returns the units that still exist, silently omitting missing
	// ids (retrieval treats a concurrently archived unit as a soft miss).
	GetMany(ctx context.Context, ids []kernel.UnitID) ([]*MemoryUnit, error)
	FindByProject(ctx context.Context, projectID kernel.ProjectID, filter UnitFilter) ([]*MemoryUnit, error)
	// UpdateState is a compare-and-swap on the unit's state. A mismatch with
	// expectedState fails with StaleState; a missing unit with UnitNotFound.
	UpdateState(ctx context.Context, id kernel.UnitID, expectedState, newState State, reviewedAt time.Time) error
	// BulkArchive flips every listed unit to ARCHIVED from its current state,
	// guarded per row; any non-archivable unit aborts the whole batch.
	BulkArchive(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error
	// CompressCluster atomically inserts the summary unit and archives all
	// source units, each guarded against expectedState. Any source that was
	// claimed concurrently rolls the transaction back with StaleState.
	CompressCluster(ctx context.Context, summary MemoryUnit, sources []kernel.UnitID, expectedState State, reviewedAt time.Time) error
	CountByState(ctx context.Context, projectID kernel.ProjectID) (StateCounts, error)
	// ListEvictable returns eviction victims in priority order: EXPIRED
	// (oldest last_reviewed_at first), then LONG_TERM by ascending
	// quality_score and oldest last_reviewed_at, then QUICK oldest first.
	ListEvictable(ctx context.Context, projectID kernel.ProjectID, limit int) ([]*MemoryUnit, error)
	// ListPurgeable returns terminal units whose last_reviewed_at is older
	// than the cutoff, across every project.
	ListPurgeable(ctx context.Context, olderThan time.Time, limit int) ([]*MemoryUnit, error)
	// DeleteUnits hard-deletes. Retention cleanup is the only caller.
	DeleteUnits(ctx context.Context, ids []kernel.UnitID) error
	// TouchUnits updates last_reviewed_at on retrieval hits (touch-on-read).
	TouchUnits(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error
	ListProjects(ctx context.Context) ([]kernel.ProjectID, error)
}

// Candidate is a similarity hit from the vector index.
type Candidate struct {
	UnitID     kernel.UnitID
	ProjectID  kernel.ProjectID
	Similarity float64
}

// VectorIndex is the similarity-search contract. The index owns vector
// storage and enforces project isolation itself: a hit outside the allowed
// project set is an IsolationViolation, never silently dropped.
type VectorIndex interface {
	Upsert(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, vector []float32, state State) error
	Delete(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) error
	// SetState rewrites the state metadata of an indexed document, keeping
	// its vector (archived-units-stay-searchable policy).
	SetState(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, state State) error
	// Search queries every listed project collection and merges results by
	// similarity. Terminal-state documents are excluded unless
	// includeArchived is set.
	Search(ctx context.Context, projects []kernel.ProjectID, vector []float32, k int, includeArchived bool) ([]Candidate, error)
	// Embedding returns the stored vector for a unit (cohesion scoring).
	Embedding(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) ([]float32, error)
}

// LeaseManager provides the cluster "attempt leases" and per-project sweep
// single-flight, plus the bounded-retry bookkeeping for compression-exempt
// clusters. Crash recovery relies on lease TTL expiry.
type LeaseManager interface {
	// TryAcquire takes the lease if free and returns an owner token; a held
	// lease returns acquired=false without error.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	// Release frees the lease only if the token still owns it.
	Release(ctx context.Context, key, token string) error
	// RecordFailure bumps the failure counter for a cluster key; reaching
	// maxAttempts marks the key exempt for the cooldown and resets the count.
	RecordFailure(ctx context.Context, key string, maxAttempts int, cooldown time.Duration) (exempt bool, err error)
	IsExempt(ctx context.Context, key string) (bool, error)
	ClearFailures(ctx context.Context, key string) error
	SetLastSweep(ctx context.Context, projectID kernel.ProjectID, at time.Time) error
	LastSweep(ctx context.Context, projectID kernel.ProjectID) (*time.Time, error)
}

// RetrievalCache is an optional read-through cache for identical retrievals.
// Correctness never depends on it; errors are logged and ignored.
type RetrievalCache interface {
	Get(ctx context.Context, key string) (*RetrievedContext, bool, error)
	Set(ctx context.Context, key string, value RetrievedContext, ttl time.Duration) error
}
