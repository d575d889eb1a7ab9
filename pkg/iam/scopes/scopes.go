package scopes

import "slices"

// ============================================================================
// COMMON SCOPES - Reusable across any project
// ============================================================================

const (
	// Super scope - full access to everything
	ScopeAll = "*"

	// Admin scopes
	ScopeAdminAll   = "admin:*"
	ScopeAdminRead  = "admin:read"
	ScopeAdminWrite = "admin:write"

	// API Key scopes
	ScopeAPIKeysAll    = "api_keys:*"
	ScopeAPIKeysRead   = "api_keys:read"
	ScopeAPIKeysWrite  = "api_keys:write"
	ScopeAPIKeysDelete = "api_keys:delete"
	ScopeAPIKeysRevoke = "api_keys:revoke"
)

// ============================================================================
// DOMAIN-SPECIFIC SCOPES - Memory engine
// ============================================================================

const (
	// Memory unit scopes
	ScopeMemoryAll   = "memory:*"
	ScopeMemoryRead  = "memory:read"  // Retrieve context, query status
	ScopeMemoryWrite = "memory:write" // Ingest dialogue turns
	ScopeMemoryAdmin = "memory:admin" // Force sweeps, cross-project operations
)

// ScopeGroups are ready-made bundles for API key provisioning.
var ScopeGroups = map[string][]string{
	"reader":   {ScopeMemoryRead},
	"ingestor": {ScopeMemoryRead, ScopeMemoryWrite},
	"operator": {ScopeMemoryAll, ScopeAPIKeysRead},
	"admin":    {ScopeAll},
}

var allScopes = []string{
	ScopeAll,
	ScopeAdminAll, ScopeAdminRead, ScopeAdminWrite,
	ScopeAPIKeysAll, ScopeAPIKeysRead, ScopeAPIKeysWrite, ScopeAPIKeysDelete, ScopeAPIKeysRevoke,
	ScopeMemoryAll, ScopeMemoryRead, ScopeMemoryWrite, ScopeMemoryAdmin,
}

// GetAllScopes returns every defined scope.
func GetAllScopes() []string {
	return slices.Clone(allScopes)
}

// GetScopesByGroup returns the scopes for a provisioning group.
func GetScopesByGroup(group string) []string {
	if scopes, exists := ScopeGroups[group]; exists {
		return slices.Clone(scopes)
	}
	return []string{}
}

// ValidateScope checks if a scope is one of the defined scopes.
func ValidateScope(scope string) bool {
	return slices.Contains(allScopes, scope)
}

// ValidateScopes checks a whole scope list, returning the first offender.
func ValidateScopes(requested []string) (string, bool) {
	for _, scope := range requested {
		if !ValidateScope(scope) {
			return scope, false
		}
	}
	return "", true
}
