package memory

import (
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
)

// State is the lifecycle state of a memory unit.
//
//	QUICK ──compression──> LONG_TERM ──later compression / eviction──> ARCHIVED
//	QUICK ──decay timeout──> EXPIRED
//	QUICK ──absorbed as compression source──> ARCHIVED
//
// ARCHIVED and EXPIRED are terminal; only retention cleanup removes them.
type State string

const (
	StateQuick    State = "QUICK"
	StateLongTerm State = "LONG_TERM"
	StateArchived State = "ARCHIVED"
	StateExpired  State = "EXPIRED"
)

func (s State) Valid() bool {
	switch s {
	case StateQuick, StateLongTerm, StateArchived, StateExpired:
		return true
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateArchived || s == StateExpired
}

// CanTransition reports whether the edge s -> to exists in the state machine.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateQuick:
		return to == StateLongTerm || to == StateExpired || to == StateArchived
	case StateLongTerm:
		return to == StateArchived
	default:
		return false
	}
}

// ValidateTransition returns InvalidTransition for an edge the machine does
// not define. Every state change in the engine passes through here first.
func ValidateTransition(from, to State) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition().
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return nil
}

// MemoryUnit is the atomic stored record of conversational content, either a
// raw dialogue turn (QUICK) or a compressed summary (LONG_TERM).
type MemoryUnit struct {
	ID             kernel.UnitID    `json:"id"`
	ProjectID      kernel.ProjectID `json:"project_id"`
	Role           string           `json:"role,omitempty"` // dialogue role; empty for summaries
	Content        string           `json:"content"`
	EmbeddingRef   string           `json:"embedding_ref"`
	State          State            `json:"state"`
	QualityScore   float64          `json:"quality_score"`
	TokenCount     int              `json:"token_count"`
	SourceCluster  []kernel.UnitID  `json:"source_cluster,omitempty"` // read-only id list, LONG_TERM only
	CreatedAt      time.Time        `json:"created_at"`
	LastReviewedAt time.Time        `json:"last_reviewed_at"`
}

// NewQuickUnit builds a fresh QUICK unit for an ingested dialogue turn.
// The embedding ref equals the unit id; the vector index owns the vector.
func NewQuickUnit(projectID kernel.ProjectID, role, content string, createdAt time.Time) MemoryUnit {
	id := kernel.NewUnitID()
	return MemoryUnit{
		ID:             id,
		ProjectID:      projectID,
		Role:           role,
		Content:        content,
		EmbeddingRef:   id.String(),
		State:          StateQuick,
		QualityScore:   1.0,
		TokenCount:     EstimateTokens(content),
		CreatedAt:      createdAt,
		LastReviewedAt: createdAt,
	}
}

// NewSummaryUnit builds the LONG_TERM unit a compression produces. The
// quality score must already have cleared the configured threshold.
func NewSummaryUnit(projectID kernel.ProjectID, content string, sources []kernel.UnitID, quality float64, createdAt time.Time) MemoryUnit {
	id := kernel.NewUnitID()
	return MemoryUnit{
		ID:             id,
		ProjectID:      projectID,
		Content:        content,
		EmbeddingRef:   id.String(),
		State:          StateLongTerm,
		QualityScore:   quality,
		TokenCount:     EstimateTokens(content),
		SourceCluster:  sources,
		CreatedAt:      createdAt,
		LastReviewedAt: createdAt,
	}
}

// EstimateTokens approximates the token cost of content for budget
// arithmetic, at roughly 2.5 characters per token with a floor of 8 for any
// non-empty text and never below 1. Recomputed wherever content is produced.
func EstimateTokens(content string) int {
	runes := utf8.RuneCountInString(content)
	if runes == 0 {
		return 1
	}
	n := runes * 2 / 5
	if n < 8 {
		n = 8
	}
	return n
}

// ============================================================================
// DTOs
// ============================================================================

type IngestRequest struct {
	ProjectID string     `json:"project_id" validate:"required"`
	Role      string     `json:"role" validate:"required"`
	Content   string     `json:"content" validate:"required"`
	Timestamp *time.Time `json:"timestamp,omitempty"` // capture time; defaults to now
}

type IngestResponse struct {
	UnitID     kernel.UnitID `json:"unit_id"`
	TokenCount int           `json:"token_count"`
	State      State         `json:"state"`
}

type RetrieveRequest struct {
	ProjectID   string `json:"project_id" validate:"required"`
	Query       string `json:"query" validate:"required"`
	TokenBudget int    `json:"token_budget,omitempty"` // 0 means the configured limit
}

// RetrievedContext is the rendered injection payload plus the audit trail of
// unit ids it was assembled from, in injection order.
type RetrievedContext struct {
	Context    string          `json:"context"`
	UnitIDs    []kernel.UnitID `json:"unit_ids"`
	TokenCount int             `json:"token_count"`
}

// SweepReport summarizes one decay sweep over a project.
type SweepReport struct {
	ProjectID  kernel.ProjectID `json:"project_id"`
	Expired    int              `json:"expired"`
	Compressed int              `json:"compressed"` // clusters folded into LONG_TERM units
	Evicted    int              `json:"evicted"`
	Skipped    bool             `json:"skipped"` // another sweep held the project lease
	SweptAt    time.Time        `json:"swept_at"`
}

type StateCounts struct {
	Quick    int `json:"quick"`
	LongTerm int `json:"long_term"`
	Archived int `json:"archived"`
	Expired  int `json:"expired"`
}

// Live is the number of units counted against MAX_MEMORY_UNITS: everything
// not yet absorbed into a summary (ARCHIVED units await cleanup only).
func (c StateCounts) Live() int {
	return c.Quick + c.LongTerm + c.Expired
}

type StatusLimits struct {
	MaxUnits    int `json:"max_units"`
	TokenBudget int `json:"token_budget"`
}

type StatusResponse struct {
	ProjectID   kernel.ProjectID `json:"project_id"`
	Counts      StateCounts      `json:"counts"`
	LastSweepAt *time.Time       `json:"last_sweep_at,omitempty"`
	Limits      StatusLimits     `json:"limits"`
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("MEMORY")

var (
	CodeProviderUnavailable = ErrRegistry.Register("PROVIDER_UNAVAILABLE", errx.TypeUnavailable, http.StatusServiceUnavailable, "Embedding or AI provider unavailable")
	CodeInvalidInput        = ErrRegistry.Register("INVALID_INPUT", errx.TypeValidation, http.StatusBadRequest, "Invalid input")
	CodeStaleState          = ErrRegistry.Register("STALE_STATE", errx.TypeConflict, http.StatusConflict, "Unit state changed concurrently")
	CodeInvalidTransition   = ErrRegistry.Register("INVALID_TRANSITION", errx.TypeConflict, http.StatusConflict, "State transition not allowed")
	CodeInsufficientQuality = ErrRegistry.Register("INSUFFICIENT_QUALITY", errx.TypeBusiness, http.StatusUnprocessableEntity, "Cluster quality below compression threshold")
	CodeIsolationViolation  = ErrRegistry.Register("ISOLATION_VIOLATION", errx.TypeAuthorization, http.StatusForbidden, "Cross-project access denied")
	CodeUnitNotFound        = ErrRegistry.Register("UNIT_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Memory unit not found")
	CodeIngestionFailed     = ErrRegistry.Register("INGESTION_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to ingest dialogue turn")
	CodeRetrievalFailed     = ErrRegistry.Register("RETRIEVAL_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to retrieve context")
)

func ErrProviderUnavailable() *errx.Error {
	return ErrRegistry.New(CodeProviderUnavailable)
}

func ErrInvalidInput() *errx.Error {
	return ErrRegistry.New(CodeInvalidInput)
}

func ErrStaleState() *errx.Error {
	return ErrRegistry.New(CodeStaleState)
}

func ErrInvalidTransition() *errx.Error {
	return ErrRegistry.New(CodeInvalidTransition)
}

func ErrInsufficientQuality() *errx.Error {
	return ErrRegistry.New(CodeInsufficientQuality)
}

func ErrIsolationViolation() *errx.Error {
	return ErrRegistry.New(CodeIsolationViolation)
}

func ErrUnitNotFound() *errx.Error {
	return ErrRegistry.New(CodeUnitNotFound)
}

func ErrIngestionFailed() *errx.Error {
	return ErrRegistry.New(CodeIngestionFailed)
}

func ErrRetrievalFailed() *errx.Error {
	return ErrRegistry.New(CodeRetrievalFailed)
}
