package memorysrv

import (
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/recall/pkg/memory"
)

// ContextInjector renders a unit selection into a prompt-ready context
// block. Rendering is pure: the same units always produce the same string.
type ContextInjector struct{}

func NewContextInjector() *ContextInjector {
	return &ContextInjector{}
}

// Chronological returns a copy of units ordered by created_at ascending,
// unit ID breaking ties.
func Chronological(units []*memory.MemoryUnit) []*memory.MemoryUnit {
	ordered := make([]*memory.MemoryUnit, len(units))
	copy(ordered, units)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
	return ordered
}

// Render lays the units out in chronological order regardless of retrieval
// score, one block per unit:
//
//	### [2026-01-02T15:04:05Z] user
//	<content>
//
// Summary units carry no conversational role and render as "summary".
// Blocks are separated by a blank line; there is no trailing newline.
func (in *ContextInjector) Render(units []*memory.MemoryUnit) string {
	if len(units) == 0 {
		return ""
	}

	var b strings.Builder
	for i, u := range Chronological(units) {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### [")
		b.WriteString(u.CreatedAt.UTC().Format(time.RFC3339))
		b.WriteString("] ")
		b.WriteString(roleLabel(u))
		b.WriteString("\n")
		b.WriteString(u.Content)
	}
	return b.String()
}

func roleLabel(u *memory.MemoryUnit) string {
	if u.Role == "" {
		return "summary"
	}
	return u.Role
}
