// Package kernel holds the shared identity types used across domains.
package kernel

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ProjectID is the isolation scope every memory unit belongs to.
type ProjectID string

func NewProjectID(id string) ProjectID {
	return ProjectID(id)
}

func (id ProjectID) String() string {
	return string(id)
}

func (id ProjectID) IsZero() bool {
	return id == ""
}

// UnitID identifies a memory unit. IDs are ULIDs so lexicographic order
// follows creation order, which the stores rely on for stable pagination.
type UnitID string

// NewUnitID generates a fresh time-ordered unit id.
func NewUnitID() UnitID {
	return UnitID(ulid.Make().String())
}

func UnitIDFrom(id string) UnitID {
	return UnitID(id)
}

func (id UnitID) String() string {
	return string(id)
}

func (id UnitID) IsZero() bool {
	return id == ""
}

// APIKeyID identifies a provisioned API key.
type APIKeyID string

func NewAPIKeyID(id string) APIKeyID {
	return APIKeyID(id)
}

func (id APIKeyID) String() string {
	return string(id)
}

// AuthContext is the resolved identity of a request, set by the auth
// middleware and consumed by handlers. ProjectID is empty for operator
// credentials that may address any project.
type AuthContext struct {
	KeyID     APIKeyID  `json:"key_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	ProjectID ProjectID `json:"project_id,omitempty"`
	Scopes    []string  `json:"scopes"`
	IsAPIKey  bool      `json:"is_api_key"`
}

// IsValid reports whether the context carries an authenticated principal.
func (a *AuthContext) IsValid() bool {
	return a.Subject != "" || a.KeyID != ""
}

// BoundTo reports whether the context may act on the given project. An
// unbound context (no project claim) may act on any project its scopes allow.
func (a *AuthContext) BoundTo(projectID ProjectID) bool {
	if a.ProjectID.IsZero() {
		return true
	}
	return a.ProjectID == projectID
}

// HasScope reports whether the context holds the scope, honoring the "*"
// super scope and "area:*" wildcards.
func (a *AuthContext) HasScope(scope string) bool {
	for _, granted := range a.Scopes {
		if scopeMatches(granted, scope) {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the context holds at least one of the scopes.
func (a *AuthContext) HasAnyScope(scopes ...string) bool {
	for _, scope := range scopes {
		if a.HasScope(scope) {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the context holds every scope.
func (a *AuthContext) HasAllScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !a.HasScope(scope) {
			return false
		}
	}
	return true
}

func scopeMatches(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}
	if area, ok := strings.CutSuffix(granted, ":*"); ok {
		return strings.HasPrefix(required, area+":")
	}
	return false
}
