package memorysrv

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Abraxas-365/recall/pkg/ai/embedding"
	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
)

func testMemoryConfig() *config.MemoryConfig {
	return &config.MemoryConfig{
		QuickTTL:             time.Hour,
		ReviewInterval:       time.Hour,
		MaxMemoryUnits:       100,
		QualityThreshold:     0.5,
		CompressionWindow:    time.Hour,
		CompressionMinAge:    30 * time.Minute,
		CompressionAttempts:  3,
		CompressionCooldown:  time.Hour,
		RetrievalTopK:        10,
		TokenBudgetLimit:     1000,
		RecencyHalfLife:      72 * time.Hour,
		Isolation:            config.IsolationStrict,
		SharedScope:          "global",
		TouchOnRead:          false,
		ArchiveSearchback:    false,
		RetentionGracePeriod: 7 * 24 * time.Hour,
		RetentionInterval:    time.Hour,
		RetrievalCacheTTL:    time.Minute,
		SweepLeaseTTL:        30 * time.Second,
		ClusterLeaseTTL:      30 * time.Second,
	}
}

// ----------------------------------------------------------------------------
// Unit repository fake
// ----------------------------------------------------------------------------

type fakeUnitRepo struct {
	mu    sync.Mutex
	units map[kernel.UnitID]*memory.MemoryUnit

	createErr   error
	compressErr error
	deleteErr   error

	// evictableHook runs after a ListEvictable snapshot is taken, so a test
	// can claim a victim in the window before the archive lands.
	evictableHook func()

	deleteCalls [][]kernel.UnitID
	touchCalls  [][]kernel.UnitID
}

func newFakeUnitRepo() *fakeUnitRepo {
	return &fakeUnitRepo{units: map[kernel.UnitID]*memory.MemoryUnit{}}
}

func (r *fakeUnitRepo) add(u memory.MemoryUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := u
	r.units[u.ID] = &clone
}

func (r *fakeUnitRepo) stateOf(id kernel.UnitID) memory.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.units[id]; ok {
		return u.State
	}
	return ""
}

func (r *fakeUnitRepo) byState(state memory.State) []*memory.MemoryUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*memory.MemoryUnit, 0)
	for _, u := range r.units {
		if u.State == state {
			clone := *u
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *fakeUnitRepo) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

func (r *fakeUnitRepo) Create(ctx context.Context, unit memory.MemoryUnit) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.add(unit)
	return nil
}

func (r *fakeUnitRepo) Get(ctx context.Context, id kernel.UnitID) (*memory.MemoryUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	if !ok {
		return nil, memory.ErrUnitNotFound()
	}
	clone := *u
	return &clone, nil
}

func (r *fakeUnitRepo) GetMany(ctx context.Context, ids []kernel.UnitID) ([]*memory.MemoryUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*memory.MemoryUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.units[id]; ok {
			clone := *u
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeUnitRepo) FindByProject(ctx context.Context, projectID kernel.ProjectID, filter memory.UnitFilter) ([]*memory.MemoryUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wantState := map[memory.State]bool{}
	for _, s := range filter.States {
		wantState[s] = true
	}

	out := make([]*memory.MemoryUnit, 0)
	for _, u := range r.units {
		if u.ProjectID != projectID {
			continue
		}
		if len(wantState) > 0 && !wantState[u.State] {
			continue
		}
		if filter.OlderThan != nil && !u.CreatedAt.Before(*filter.OlderThan) {
			continue
		}
		clone := *u
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		if filter.OrderByAsc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *fakeUnitRepo) UpdateState(ctx context.Context, id kernel.UnitID, expectedState, newState memory.State, reviewedAt time.Time) error {
	if err := memory.ValidateTransition(expectedState, newState); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	if !ok {
		return memory.ErrUnitNotFound()
	}
	if u.State != expectedState {
		return memory.ErrStaleState().
			WithDetail("expected", string(expectedState)).
			WithDetail("current", string(u.State))
	}
	u.State = newState
	u.LastReviewedAt = reviewedAt
	return nil
}

func (r *fakeUnitRepo) BulkArchive(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		u, ok := r.units[id]
		if !ok || (u.State != memory.StateQuick && u.State != memory.StateLongTerm) {
			return memory.ErrStaleState()
		}
	}
	for _, id := range ids {
		r.units[id].State = memory.StateArchived
		r.units[id].LastReviewedAt = reviewedAt
	}
	return nil
}

func (r *fakeUnitRepo) CompressCluster(ctx context.Context, summary memory.MemoryUnit, sources []kernel.UnitID, expectedState memory.State, reviewedAt time.Time) error {
	if r.compressErr != nil {
		return r.compressErr
	}
	if len(sources) == 0 {
		return memory.ErrInvalidInput()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sources {
		u, ok := r.units[id]
		if !ok || u.State != expectedState || u.ProjectID != summary.ProjectID {
			return memory.ErrStaleState()
		}
	}
	clone := summary
	r.units[summary.ID] = &clone
	for _, id := range sources {
		r.units[id].State = memory.StateArchived
		r.units[id].LastReviewedAt = reviewedAt
	}
	return nil
}

func (r *fakeUnitRepo) CountByState(ctx context.Context, projectID kernel.ProjectID) (memory.StateCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts memory.StateCounts
	for _, u := range r.units {
		if u.ProjectID != projectID {
			continue
		}
		switch u.State {
		case memory.StateQuick:
			counts.Quick++
		case memory.StateLongTerm:
			counts.LongTerm++
		case memory.StateArchived:
			counts.Archived++
		case memory.StateExpired:
			counts.Expired++
		}
	}
	return counts, nil
}

func (r *fakeUnitRepo) ListEvictable(ctx context.Context, projectID kernel.ProjectID, limit int) ([]*memory.MemoryUnit, error) {
	r.mu.Lock()

	out := make([]*memory.MemoryUnit, 0)
	for _, u := range r.units {
		if u.ProjectID != projectID {
			continue
		}
		if u.State == memory.StateArchived {
			continue
		}
		clone := *u
		out = append(out, &clone)
	}

	rank := func(s memory.State) int {
		switch s {
		case memory.StateExpired:
			return 0
		case memory.StateLongTerm:
			return 1
		default:
			return 2
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if rank(out[i].State) != rank(out[j].State) {
			return rank(out[i].State) < rank(out[j].State)
		}
		if out[i].State == memory.StateLongTerm && out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore < out[j].QualityScore
		}
		return out[i].LastReviewedAt.Before(out[j].LastReviewedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	r.mu.Unlock()

	if r.evictableHook != nil {
		r.evictableHook()
	}
	return out, nil
}

func (r *fakeUnitRepo) ListPurgeable(ctx context.Context, olderThan time.Time, limit int) ([]*memory.MemoryUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*memory.MemoryUnit, 0)
	for _, u := range r.units {
		if !u.State.IsTerminal() {
			continue
		}
		if !u.LastReviewedAt.Before(olderThan) {
			continue
		}
		clone := *u
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastReviewedAt.Before(out[j].LastReviewedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeUnitRepo) DeleteUnits(ctx context.Context, ids []kernel.UnitID) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.units, id)
	}
	r.deleteCalls = append(r.deleteCalls, ids)
	return nil
}

func (r *fakeUnitRepo) TouchUnits(ctx context.Context, ids []kernel.UnitID, reviewedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if u, ok := r.units[id]; ok {
			u.LastReviewedAt = reviewedAt
		}
	}
	r.touchCalls = append(r.touchCalls, ids)
	return nil
}

func (r *fakeUnitRepo) ListProjects(ctx context.Context) ([]kernel.ProjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[kernel.ProjectID]bool{}
	out := make([]kernel.ProjectID, 0)
	for _, u := range r.units {
		if !seen[u.ProjectID] {
			seen[u.ProjectID] = true
			out = append(out, u.ProjectID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ----------------------------------------------------------------------------
// Vector index fake
// ----------------------------------------------------------------------------

type indexedDoc struct {
	vector []float32
	state  memory.State
}

type fakeVectorIndex struct {
	mu   sync.Mutex
	docs map[kernel.ProjectID]map[kernel.UnitID]indexedDoc

	upsertErr error
	searchErr error
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{docs: map[kernel.ProjectID]map[kernel.UnitID]indexedDoc{}}
}

func (f *fakeVectorIndex) seed(projectID kernel.ProjectID, id kernel.UnitID, vector []float32, state memory.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[projectID] == nil {
		f.docs[projectID] = map[kernel.UnitID]indexedDoc{}
	}
	f.docs[projectID][id] = indexedDoc{vector: vector, state: state}
}

func (f *fakeVectorIndex) has(projectID kernel.ProjectID, id kernel.UnitID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[projectID][id]
	return ok
}

func (f *fakeVectorIndex) stateOf(projectID kernel.ProjectID, id kernel.UnitID) memory.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[projectID][id].state
}

func (f *fakeVectorIndex) count(projectID kernel.ProjectID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[projectID])
}

func (f *fakeVectorIndex) Upsert(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, vector []float32, state memory.State) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.seed(projectID, unitID, vector, state)
	return nil
}

func (f *fakeVectorIndex) Delete(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs[projectID], unitID)
	return nil
}

func (f *fakeVectorIndex) SetState(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID, state memory.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[projectID][unitID]
	if !ok {
		return memory.ErrUnitNotFound()
	}
	doc.state = state
	f.docs[projectID][unitID] = doc
	return nil
}

func (f *fakeVectorIndex) Search(ctx context.Context, projects []kernel.ProjectID, vector []float32, k int, includeArchived bool) ([]memory.Candidate, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]memory.Candidate, 0)
	for _, projectID := range projects {
		for id, doc := range f.docs[projectID] {
			if doc.state.IsTerminal() && !includeArchived {
				continue
			}
			out = append(out, memory.Candidate{
				UnitID:     id,
				ProjectID:  projectID,
				Similarity: cosine32(vector, doc.vector),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeVectorIndex) Embedding(ctx context.Context, projectID kernel.ProjectID, unitID kernel.UnitID) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[projectID][unitID]
	if !ok {
		return nil, memory.ErrUnitNotFound()
	}
	return doc.vector, nil
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ----------------------------------------------------------------------------
// Lease manager fake
// ----------------------------------------------------------------------------

type fakeLeaseManager struct {
	mu       sync.Mutex
	held     map[string]string
	failures map[string]int
	exempt   map[string]bool
	sweeps   map[kernel.ProjectID]time.Time
	denied   map[string]bool
	denyAll  bool
	nextTok  int

	acquired []string
	released []string
}

func newFakeLeaseManager() *fakeLeaseManager {
	return &fakeLeaseManager{
		held:     map[string]string{},
		failures: map[string]int{},
		exempt:   map[string]bool{},
		sweeps:   map[kernel.ProjectID]time.Time{},
		denied:   map[string]bool{},
	}
}

func (l *fakeLeaseManager) deny(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denied[key] = true
}

func (l *fakeLeaseManager) failureCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[key]
}

func (l *fakeLeaseManager) totalFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.failures {
		total += n
	}
	return total
}

func (l *fakeLeaseManager) exemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.exempt)
}

func (l *fakeLeaseManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.denied[key] {
		return "", false, nil
	}
	if _, taken := l.held[key]; taken {
		return "", false, nil
	}
	l.nextTok++
	token := fmt.Sprintf("tok-%d", l.nextTok)
	l.held[key] = token
	l.acquired = append(l.acquired, key)
	return token, true, nil
}

func (l *fakeLeaseManager) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}

func (l *fakeLeaseManager) RecordFailure(ctx context.Context, key string, maxAttempts int, cooldown time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key]++
	if l.failures[key] >= maxAttempts {
		l.exempt[key] = true
		delete(l.failures, key)
		return true, nil
	}
	return false, nil
}

func (l *fakeLeaseManager) IsExempt(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exempt[key], nil
}

func (l *fakeLeaseManager) ClearFailures(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
	return nil
}

func (l *fakeLeaseManager) SetLastSweep(ctx context.Context, projectID kernel.ProjectID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweeps[projectID] = at
	return nil
}

func (l *fakeLeaseManager) LastSweep(ctx context.Context, projectID kernel.ProjectID) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.sweeps[projectID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// ----------------------------------------------------------------------------
// Summarizer and embedder fakes
// ----------------------------------------------------------------------------

type fakeSummarizer struct {
	mu     sync.Mutex
	output string
	err    error
	calls  int
}

func (s *fakeSummarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.output != "" {
		return s.output, nil
	}
	return "summary of the conversation", nil
}

type fakeEmbedder struct {
	mu         sync.Mutex
	vectors    map[string][]float32 // by exact text; fallback is a unit vector
	err        error
	queryCalls int
	docCalls   int
}

func (e *fakeEmbedder) vectorFor(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return v
	}
	return []float32{1, 0, 0}
}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, documents []string, opts ...embedding.Option) ([]embedding.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docCalls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]embedding.Embedding, len(documents))
	for i, doc := range documents {
		out[i] = embedding.Embedding{Vector: e.vectorFor(doc)}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, text string, opts ...embedding.Option) (embedding.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryCalls++
	if e.err != nil {
		return embedding.Embedding{}, e.err
	}
	return embedding.Embedding{Vector: e.vectorFor(text)}, nil
}

// ----------------------------------------------------------------------------
// Snapshot storage and cache fakes
// ----------------------------------------------------------------------------

type fakeSnapshotStore struct {
	mu       sync.Mutex
	files    map[string][]byte
	writeErr error
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{files: map[string][]byte{}}
}

func (s *fakeSnapshotStore) WriteFile(ctx context.Context, path string, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
	return nil
}

func (s *fakeSnapshotStore) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func (s *fakeSnapshotStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok, nil
}

func (s *fakeSnapshotStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

func (s *fakeSnapshotStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for path := range s.files {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeRetrievalCache struct {
	mu      sync.Mutex
	entries map[string]memory.RetrievedContext
	hits    int
	sets    int
}

func newFakeRetrievalCache() *fakeRetrievalCache {
	return &fakeRetrievalCache{entries: map[string]memory.RetrievedContext{}}
}

func (c *fakeRetrievalCache) Get(ctx context.Context, key string) (*memory.RetrievedContext, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	clone := value
	return &clone, true, nil
}

func (c *fakeRetrievalCache) Set(ctx context.Context, key string, value memory.RetrievedContext, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}
