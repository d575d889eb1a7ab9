package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/google/uuid"
)

type APIKey struct {
	ID          kernel.APIKeyID  `db:"id" json:"id"`
	SecretHash  string           `db:"secret_hash" json:"-"` // Never expose the hash
	KeyPrefix   string           `db:"key_prefix" json:"key_prefix"`
	ProjectID   kernel.ProjectID `db:"project_id" json:"project_id,omitempty"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description,omitempty"`
	Scopes      []string         `db:"scopes" json:"scopes"`
	IsActive    bool             `db:"is_active" json:"is_active"`
	ExpiresAt   *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt  *time.Time       `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

func (k *APIKey) IsValid() bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return false
	}
	return true
}

func (k *APIKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

func (k *APIKey) Revoke() {
	k.IsActive = false
	k.UpdatedAt = time.Now()
}

func (k *APIKey) UpdateLastUsed() {
	now := time.Now()
	k.LastUsedAt = &now
}

// SecretHasher hashes and verifies API key secrets. Secrets are stored
// hashed, so a leaked table never yields usable keys.
type SecretHasher interface {
	HashSecret(secret string) (string, error)
	VerifySecret(hashedSecret, secret string) bool
}

var (
	KeyPrefixLive string = "rcl_live"
	KeyPrefixTest string = "rcl_test"
	TokenLength   int    = 32
)

func InitAPIKeyConfig(livePrefix, testPrefix string, tokenLength int) {
	KeyPrefixLive = livePrefix
	KeyPrefixTest = testPrefix
	TokenLength = tokenLength
}

type GeneratedAPIKey struct {
	Key       string
	KeyID     kernel.APIKeyID
	Secret    string
	KeyPrefix string
}

// GenerateAPIKey mints a new key token of the form <prefix>_<key id>_<secret>.
// The key id travels in the token so validation can look the row up before
// the secret is verified against its hash.
func GenerateAPIKey(prefix string) (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, errx.Wrap(err, "failed to generate random key", errx.TypeInternal)
	}

	keyID := uuid.New().String()
	keySecret := hex.EncodeToString(randomBytes)
	fullKey := fmt.Sprintf("%s_%s_%s", prefix, keyID, keySecret)

	return &GeneratedAPIKey{
		Key:       fullKey,
		KeyID:     kernel.NewAPIKeyID(keyID),
		Secret:    keySecret,
		KeyPrefix: fmt.Sprintf("%s_%s...", prefix, keySecret[:8]),
	}, nil
}

// ParseAPIKey splits a key token into its id and secret. The configured
// prefixes carry one underscore themselves, hence the four parts.
func ParseAPIKey(key string) (keyID kernel.APIKeyID, secret string, ok bool) {
	parts := strings.SplitN(key, "_", 4)
	if len(parts) != 4 {
		return "", "", false
	}

	prefix := fmt.Sprintf("%s_%s", parts[0], parts[1])
	if prefix != KeyPrefixLive && prefix != KeyPrefixTest {
		return "", "", false
	}
	if len(parts[3]) != TokenLength*2 {
		return "", "", false
	}

	return kernel.NewAPIKeyID(parts[2]), parts[3], true
}

func ValidateAPIKeyFormat(key string) bool {
	_, _, ok := ParseAPIKey(key)
	return ok
}

type APIKeyDTO struct {
	ID          kernel.APIKeyID  `json:"id"`
	KeyPrefix   string           `json:"key_prefix"`
	ProjectID   kernel.ProjectID `json:"project_id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Scopes      []string         `json:"scopes"`
	IsActive    bool             `json:"is_active"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (k *APIKey) ToDTO() APIKeyDTO {
	return APIKeyDTO{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		ProjectID:   k.ProjectID,
		Name:        k.Name,
		Description: k.Description,
		Scopes:      k.Scopes,
		IsActive:    k.IsActive,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

type CreateAPIKeyRequest struct {
	Name        string   `json:"name" validate:"required,min=3"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes" validate:"required,min=1"`
	ExpiresIn   *int     `json:"expires_in"` // Days until expiration
	Environment string   `json:"environment" validate:"required,oneof=live test"`
	ProjectID   string   `json:"project_id"` // Optional: bind the key to one project
}

type CreateAPIKeyResponse struct {
	APIKey    APIKeyDTO `json:"api_key"`
	SecretKey string    `json:"secret_key"` // Only shown once!
	Message   string    `json:"message"`
}

type UpdateAPIKeyRequest struct {
	Name        *string  `json:"name,omitempty" validate:"omitempty,min=3"`
	Description *string  `json:"description,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	IsActive    *bool    `json:"is_active,omitempty"`
}

type APIKeyListResponse struct {
	APIKeys []APIKeyDTO `json:"api_keys"`
	Total   int         `json:"total"`
}

type RevokeAPIKeyRequest struct {
	Reason string `json:"reason"`
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("APIKEY")

var (
	CodeAPIKeyNotFound          = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "API key not found")
	CodeAPIKeyInvalid           = ErrRegistry.Register("INVALID", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid API key")
	CodeAPIKeyExpired           = ErrRegistry.Register("EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "API key expired")
	CodeAPIKeyRevoked           = ErrRegistry.Register("REVOKED", errx.TypeAuthorization, http.StatusUnauthorized, "API key revoked")
	CodeAPIKeyInsufficientScope = ErrRegistry.Register("INSUFFICIENT_SCOPE", errx.TypeAuthorization, http.StatusForbidden, "API key does not have required scope")
)

func ErrAPIKeyNotFound() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyNotFound)
}

func ErrAPIKeyInvalid() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyInvalid)
}

func ErrAPIKeyExpired() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyExpired)
}

func ErrAPIKeyRevoked() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyRevoked)
}

func ErrAPIKeyInsufficientScope() *errx.Error {
	return ErrRegistry.New(CodeAPIKeyInsufficientScope)
}
