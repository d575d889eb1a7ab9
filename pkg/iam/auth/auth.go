package auth

import (
	"net/http"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
)

// TokenService issues and validates operator access tokens.
type TokenService interface {
	GenerateAccessToken(subject string, projectID kernel.ProjectID, scopes []string) (string, error)
	ValidateAccessToken(tokenString string) (*TokenClaims, error)
}

// TokenClaims are the decoded claims of a validated access token.
type TokenClaims struct {
	Subject   string
	ProjectID kernel.ProjectID
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("AUTH")

var (
	CodeTokenGenerationFailed = ErrRegistry.Register("TOKEN_GENERATION_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to generate token")
	CodeTokenValidationFailed = ErrRegistry.Register("TOKEN_VALIDATION_FAILED", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid or expired token")
)

func ErrTokenGenerationFailed() *errx.Error {
	return ErrRegistry.New(CodeTokenGenerationFailed)
}

func ErrTokenValidationFailed() *errx.Error {
	return ErrRegistry.New(CodeTokenValidationFailed)
}
