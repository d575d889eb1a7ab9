package memorysrv

import (
	"context"
	"testing"
	"time"

	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
)

func newRankerHarness(cfg *config.MemoryConfig) (*RetrievalRanker, *fakeUnitRepo, *fakeVectorIndex, *fakeEmbedder) {
	repo := newFakeUnitRepo()
	index := newFakeVectorIndex()
	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	return NewRetrievalRanker(repo, index, embedder, cfg), repo, index, embedder
}

func seedRankedUnit(repo *fakeUnitRepo, index *fakeVectorIndex, projectID kernel.ProjectID, id string, state memory.State, tokens int, createdAt time.Time, vector []float32) {
	repo.add(memory.MemoryUnit{
		ID:             kernel.UnitID(id),
		ProjectID:      projectID,
		Role:           "user",
		Content:        "content of " + id,
		EmbeddingRef:   id,
		State:          state,
		QualityScore:   1.0,
		TokenCount:     tokens,
		CreatedAt:      createdAt,
		LastReviewedAt: createdAt,
	})
	index.seed(projectID, kernel.UnitID(id), vector, state)
}

func selectedIDs(units []*memory.MemoryUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID.String()
	}
	return out
}

func TestSelectPacksGreedilyAndSkipsOversized(t *testing.T) {
	cfg := testMemoryConfig()
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-pack")
	at := time.Now().Add(-time.Hour)

	// The query embeds to [1 0 0]; similarity decides the score order.
	seedRankedUnit(repo, index, projectID, "unit-top", memory.StateQuick, 400, at, []float32{1, 0, 0})
	seedRankedUnit(repo, index, projectID, "unit-mid", memory.StateQuick, 300, at, []float32{1, 1, 0})
	seedRankedUnit(repo, index, projectID, "unit-low", memory.StateQuick, 150, at, []float32{1, 2, 0})

	selected, total, err := ranker.Select(context.Background(), projectID, "flight change", 600)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// unit-mid would overflow the budget and is skipped; unit-low still fits.
	got := selectedIDs(selected)
	want := []string{"unit-top", "unit-low"}
	if len(got) != len(want) {
		t.Fatalf("selected %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selected %v, want %v", got, want)
		}
	}
	if total != 550 {
		t.Errorf("total tokens = %d, want 550", total)
	}
}

func TestSelectEmptyIndexIsNotAnError(t *testing.T) {
	ranker, _, _, _ := newRankerHarness(testMemoryConfig())

	selected, total, err := ranker.Select(context.Background(), "proj-empty", "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 0 || total != 0 {
		t.Errorf("selected %d units (%d tokens), want none", len(selected), total)
	}
}

func TestSelectDropsTerminalUnits(t *testing.T) {
	cfg := testMemoryConfig()
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-terminal")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-live", memory.StateQuick, 10, at, []float32{1, 0, 0})

	// Stale index entries: the store already moved these on, the index lags.
	seedRankedUnit(repo, index, projectID, "unit-expired", memory.StateExpired, 10, at, []float32{1, 0, 0})
	index.seed(projectID, "unit-expired", []float32{1, 0, 0}, memory.StateQuick)
	seedRankedUnit(repo, index, projectID, "unit-archived", memory.StateArchived, 10, at, []float32{1, 0, 0})
	index.seed(projectID, "unit-archived", []float32{1, 0, 0}, memory.StateQuick)

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 1 || selected[0].ID != "unit-live" {
		t.Errorf("selected %v, want only unit-live", selectedIDs(selected))
	}
}

func TestSelectIncludesArchivedWithSearchback(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.ArchiveSearchback = true
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-searchback")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-archived", memory.StateArchived, 10, at, []float32{1, 0, 0})

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 1 || selected[0].ID != "unit-archived" {
		t.Errorf("selected %v, want unit-archived", selectedIDs(selected))
	}
}

func TestSelectClampsBudgetToConfiguredLimit(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.TokenBudgetLimit = 100
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-clamp")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-big", memory.StateQuick, 150, at, []float32{1, 0, 0})
	seedRankedUnit(repo, index, projectID, "unit-small", memory.StateQuick, 80, at, []float32{1, 1, 0})

	// A requested budget above the limit is clamped down to it.
	selected, total, err := ranker.Select(context.Background(), projectID, "anything", 10000)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 1 || selected[0].ID != "unit-small" {
		t.Errorf("selected %v, want only unit-small", selectedIDs(selected))
	}
	if total != 80 {
		t.Errorf("total tokens = %d, want 80", total)
	}
}

func TestSelectRejectsBadInput(t *testing.T) {
	ranker, _, _, _ := newRankerHarness(testMemoryConfig())

	_, _, err := ranker.Select(context.Background(), "proj", "", 0)
	if !errx.IsCode(err, memory.CodeInvalidInput) {
		t.Errorf("empty query: got %v, want INVALID_INPUT", err)
	}

	_, _, err = ranker.Select(context.Background(), "proj", "query", -1)
	if !errx.IsCode(err, memory.CodeInvalidInput) {
		t.Errorf("negative budget: got %v, want INVALID_INPUT", err)
	}
}

func TestSelectBreaksScoreTies(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.RecencyHalfLife = 0 // take recency out so identical units tie exactly
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-ties")

	newer := time.Now().Add(-time.Hour)
	older := time.Now().Add(-48 * time.Hour)
	vec := []float32{1, 0, 0}

	seedRankedUnit(repo, index, projectID, "unit-a", memory.StateQuick, 10, newer, vec)
	seedRankedUnit(repo, index, projectID, "unit-b", memory.StateQuick, 10, newer, vec)
	seedRankedUnit(repo, index, projectID, "unit-old", memory.StateQuick, 10, older, vec)

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// Equal scores: newest created_at wins, then the higher unit id.
	got := selectedIDs(selected)
	want := []string{"unit-b", "unit-a", "unit-old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selected %v, want %v", got, want)
		}
	}
}

func TestSelectPrefersLongTermOnEqualSimilarity(t *testing.T) {
	cfg := testMemoryConfig()
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-stateweight")
	at := time.Now().Add(-time.Hour)
	vec := []float32{1, 0, 0}

	seedRankedUnit(repo, index, projectID, "unit-quick", memory.StateQuick, 10, at, vec)
	repo.add(memory.MemoryUnit{
		ID:             "unit-summary",
		ProjectID:      projectID,
		Content:        "compressed summary",
		EmbeddingRef:   "unit-summary",
		State:          memory.StateLongTerm,
		QualityScore:   1.0,
		TokenCount:     10,
		CreatedAt:      at,
		LastReviewedAt: at,
	})
	index.seed(projectID, "unit-summary", vec, memory.StateLongTerm)

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 2 || selected[0].ID != "unit-summary" {
		t.Errorf("selected %v, want unit-summary first", selectedIDs(selected))
	}
}

func TestSelectDropsIndexHitsWithoutRows(t *testing.T) {
	cfg := testMemoryConfig()
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-ghost")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-real", memory.StateQuick, 10, at, []float32{1, 0, 0})
	index.seed(projectID, "unit-ghost", []float32{1, 0, 0}, memory.StateQuick)

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 1 || selected[0].ID != "unit-real" {
		t.Errorf("selected %v, want only unit-real", selectedIDs(selected))
	}
}

func TestSelectTouchesUnitsWhenConfigured(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.TouchOnRead = true
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-touch")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-a", memory.StateQuick, 10, at, []float32{1, 0, 0})

	if _, _, err := ranker.Select(context.Background(), projectID, "anything", 0); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if len(repo.touchCalls) != 1 {
		t.Fatalf("touch calls = %d, want 1", len(repo.touchCalls))
	}
	if len(repo.touchCalls[0]) != 1 || repo.touchCalls[0][0] != "unit-a" {
		t.Errorf("touched %v, want [unit-a]", repo.touchCalls[0])
	}
}

func TestSelectSharedScopeWidensSearch(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.Isolation = config.IsolationShared
	cfg.SharedScope = "global"
	ranker, repo, index, _ := newRankerHarness(cfg)
	projectID := kernel.ProjectID("proj-shared")
	at := time.Now().Add(-time.Hour)

	seedRankedUnit(repo, index, projectID, "unit-own", memory.StateQuick, 10, at, []float32{1, 0, 0})
	seedRankedUnit(repo, index, "global", "unit-shared", memory.StateQuick, 10, at, []float32{1, 0, 0})

	selected, _, err := ranker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %v, want units from both scopes", selectedIDs(selected))
	}

	// Strict mode never leaves the project.
	strict := testMemoryConfig()
	strictRanker := NewRetrievalRanker(repo, index, &fakeEmbedder{}, strict)
	selected, _, err = strictRanker.Select(context.Background(), projectID, "anything", 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(selected) != 1 || selected[0].ID != "unit-own" {
		t.Errorf("selected %v, want only unit-own", selectedIDs(selected))
	}
}
