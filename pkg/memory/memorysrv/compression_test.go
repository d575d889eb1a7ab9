package memorysrv

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
)

func newCompressionHarness(cfg *config.MemoryConfig) (*CompressionEngine, *fakeUnitRepo, *fakeVectorIndex, *fakeLeaseManager, *fakeSummarizer) {
	repo := newFakeUnitRepo()
	index := newFakeVectorIndex()
	leases := newFakeLeaseManager()
	summarizer := &fakeSummarizer{}
	embedder := &fakeEmbedder{}
	engine := NewCompressionEngine(repo, index, leases, summarizer, embedder, cfg)
	return engine, repo, index, leases, summarizer
}

// seedQuickCluster plants n QUICK units a couple of hours old, minutes apart
// so they land in the same compression window.
func seedQuickCluster(repo *fakeUnitRepo, index *fakeVectorIndex, projectID kernel.ProjectID, n int, vectors [][]float32) []kernel.UnitID {
	base := time.Now().Add(-2 * time.Hour).Truncate(time.Hour)
	ids := make([]kernel.UnitID, n)
	for i := 0; i < n; i++ {
		unit := memory.NewQuickUnit(projectID, "user", "turn number "+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		repo.add(unit)
		index.seed(projectID, unit.ID, vectors[i], memory.StateQuick)
		ids[i] = unit.ID
	}
	return ids
}

func TestCompressProjectFoldsCohesiveCluster(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, leases, summarizer := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-fold")

	vec := []float32{1, 0, 0}
	ids := seedQuickCluster(repo, index, projectID, 3, [][]float32{vec, vec, vec})

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 1 {
		t.Fatalf("compressed = %d, want 1", compressed)
	}

	for _, id := range ids {
		if got := repo.stateOf(id); got != memory.StateArchived {
			t.Errorf("source %s state = %s, want ARCHIVED", id, got)
		}
		if index.has(projectID, id) {
			t.Errorf("source %s vector still indexed", id)
		}
	}

	summaries := repo.byState(memory.StateLongTerm)
	if len(summaries) != 1 {
		t.Fatalf("long-term units = %d, want 1", len(summaries))
	}
	summary := summaries[0]
	if summary.Content != "summary of the conversation" {
		t.Errorf("summary content = %q", summary.Content)
	}
	if len(summary.SourceCluster) != 3 {
		t.Errorf("source cluster size = %d, want 3", len(summary.SourceCluster))
	}

	// Three identical vectors: cohesion 1, size factor 3/4.
	if math.Abs(summary.QualityScore-0.75) > 1e-9 {
		t.Errorf("quality = %f, want 0.75", summary.QualityScore)
	}

	if !index.has(projectID, summary.ID) {
		t.Error("summary vector not indexed")
	}
	if got := index.stateOf(projectID, summary.ID); got != memory.StateLongTerm {
		t.Errorf("summary vector state = %s, want LONG_TERM", got)
	}

	if summarizer.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", summarizer.calls)
	}
	if leases.totalFailures() != 0 {
		t.Errorf("failure counters = %d, want 0", leases.totalFailures())
	}
}

func TestCompressProjectKeepsLowQualityClusters(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, leases, summarizer := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-lowq")

	// Orthogonal vectors: cohesion 0, quality 0, stays below any threshold.
	ids := seedQuickCluster(repo, index, projectID, 2, [][]float32{{1, 0, 0}, {0, 1, 0}})

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 0 {
		t.Fatalf("compressed = %d, want 0", compressed)
	}

	for _, id := range ids {
		if got := repo.stateOf(id); got != memory.StateQuick {
			t.Errorf("unit %s state = %s, want QUICK", id, got)
		}
	}

	// Low quality is an expected verdict, not a failure: no summary call, no
	// strike against the cluster.
	if summarizer.calls != 0 {
		t.Errorf("summarizer calls = %d, want 0", summarizer.calls)
	}
	if leases.totalFailures() != 0 {
		t.Errorf("failure counters = %d, want 0", leases.totalFailures())
	}
}

func TestCompressProjectSearchbackKeepsArchivedVectors(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.ArchiveSearchback = true
	engine, repo, index, _, _ := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-flag")

	vec := []float32{1, 0, 0}
	ids := seedQuickCluster(repo, index, projectID, 2, [][]float32{vec, vec})

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 1 {
		t.Fatalf("compressed = %d, want 1", compressed)
	}

	for _, id := range ids {
		if !index.has(projectID, id) {
			t.Errorf("source %s vector removed despite searchback", id)
		}
		if got := index.stateOf(projectID, id); got != memory.StateArchived {
			t.Errorf("source %s vector state = %s, want ARCHIVED", id, got)
		}
	}
}

func TestCompressProjectRecordsFailuresUntilExempt(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, leases, summarizer := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-strikes")

	vec := []float32{1, 0, 0}
	ids := seedQuickCluster(repo, index, projectID, 2, [][]float32{vec, vec})
	summarizer.err = errx.New("provider down", errx.TypeUnavailable)

	// CompressionAttempts is 3: three failing passes strike the cluster out.
	for i := 0; i < 3; i++ {
		compressed, err := engine.CompressProject(context.Background(), projectID)
		if err != nil {
			t.Fatalf("pass %d: CompressProject failed: %v", i+1, err)
		}
		if compressed != 0 {
			t.Fatalf("pass %d: compressed = %d, want 0", i+1, compressed)
		}
	}
	if summarizer.calls != 3 {
		t.Fatalf("summarizer calls = %d, want 3", summarizer.calls)
	}
	if leases.exemptCount() != 1 {
		t.Fatalf("exempt clusters = %d, want 1", leases.exemptCount())
	}

	// The exempt cluster sits out later passes entirely.
	if _, err := engine.CompressProject(context.Background(), projectID); err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if summarizer.calls != 3 {
		t.Errorf("summarizer calls = %d after exemption, want 3", summarizer.calls)
	}

	for _, id := range ids {
		if got := repo.stateOf(id); got != memory.StateQuick {
			t.Errorf("unit %s state = %s, want QUICK", id, got)
		}
	}
}

func TestCompressProjectRemovesOrphanVectorOnStoreFailure(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, leases, _ := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-orphan")

	vec := []float32{1, 0, 0}
	ids := seedQuickCluster(repo, index, projectID, 2, [][]float32{vec, vec})
	repo.compressErr = errx.New("store down", errx.TypeUnavailable)

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 0 {
		t.Fatalf("compressed = %d, want 0", compressed)
	}

	// The summary vector written ahead of the transaction must be gone again:
	// only the two source vectors remain.
	if got := index.count(projectID); got != 2 {
		t.Errorf("indexed vectors = %d, want 2", got)
	}
	for _, id := range ids {
		if got := repo.stateOf(id); got != memory.StateQuick {
			t.Errorf("unit %s state = %s, want QUICK", id, got)
		}
	}
	if len(repo.byState(memory.StateLongTerm)) != 0 {
		t.Error("summary row present despite store failure")
	}
	if leases.totalFailures() != 1 {
		t.Errorf("failure counters = %d, want 1", leases.totalFailures())
	}
}

func TestCompressProjectSkipsHeldLeases(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, leases, summarizer := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-lease")

	vec := []float32{1, 0, 0}
	seedQuickCluster(repo, index, projectID, 2, [][]float32{vec, vec})
	leases.denyAll = true

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 0 {
		t.Errorf("compressed = %d, want 0", compressed)
	}
	if summarizer.calls != 0 {
		t.Errorf("summarizer calls = %d, want 0", summarizer.calls)
	}
	if leases.totalFailures() != 0 {
		t.Errorf("failure counters = %d, want 0", leases.totalFailures())
	}
}

func TestCompressProjectIgnoresSingletonsAndFreshUnits(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, _, summarizer := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-thin")

	vec := []float32{1, 0, 0}
	seedQuickCluster(repo, index, projectID, 1, [][]float32{vec})

	// Fresh units sit under the minimum age and never reach clustering.
	for i := 0; i < 2; i++ {
		unit := memory.NewQuickUnit(projectID, "user", "fresh turn", time.Now())
		repo.add(unit)
		index.seed(projectID, unit.ID, vec, memory.StateQuick)
	}

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 0 {
		t.Errorf("compressed = %d, want 0", compressed)
	}
	if summarizer.calls != 0 {
		t.Errorf("summarizer calls = %d, want 0", summarizer.calls)
	}
}

func TestCompressProjectSplitsClustersByWindow(t *testing.T) {
	cfg := testMemoryConfig()
	engine, repo, index, _, _ := newCompressionHarness(cfg)
	projectID := kernel.ProjectID("proj-windows")
	vec := []float32{1, 0, 0}

	// Two old units in different hour windows: each bucket is a singleton.
	for _, age := range []time.Duration{5 * time.Hour, 3 * time.Hour} {
		at := time.Now().Add(-age).Truncate(time.Hour).Add(10 * time.Minute)
		unit := memory.NewQuickUnit(projectID, "user", "isolated turn", at)
		repo.add(unit)
		index.seed(projectID, unit.ID, vec, memory.StateQuick)
	}

	compressed, err := engine.CompressProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CompressProject failed: %v", err)
	}
	if compressed != 0 {
		t.Errorf("compressed = %d, want 0", compressed)
	}
	if len(repo.byState(memory.StateQuick)) != 2 {
		t.Error("units changed state without compression")
	}
}
