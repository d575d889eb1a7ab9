package apikeysrv

import (
	"context"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"github.com/Abraxas-365/recall/pkg/iam/scopes"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
)

// APIKeyService proporciona operaciones de negocio para API keys
type APIKeyService struct {
	repo   apikey.APIKeyRepository
	hasher apikey.SecretHasher
}

// NewAPIKeyService crea una nueva instancia del servicio de API keys
func NewAPIKeyService(repo apikey.APIKeyRepository, hasher apikey.SecretHasher) *APIKeyService {
	return &APIKeyService{
		repo:   repo,
		hasher: hasher,
	}
}

// CreateAPIKey genera una nueva API key y la persiste con el secreto hasheado.
// El token completo solo se devuelve aquí; nunca vuelve a ser recuperable.
func (s *APIKeyService) CreateAPIKey(ctx context.Context, req apikey.CreateAPIKeyRequest) (*apikey.CreateAPIKeyResponse, error) {
	if len(req.Name) < 3 {
		return nil, errx.New("api key name must be at least 3 characters", errx.TypeValidation)
	}
	if len(req.Scopes) == 0 {
		return nil, errx.New("at least one scope is required", errx.TypeValidation)
	}
	if bad, ok := scopes.ValidateScopes(req.Scopes); !ok {
		return nil, errx.New("unknown scope", errx.TypeValidation).WithDetail("scope", bad)
	}

	var prefix string
	switch req.Environment {
	case "live":
		prefix = apikey.KeyPrefixLive
	case "test":
		prefix = apikey.KeyPrefixTest
	default:
		return nil, errx.New("environment must be live or test", errx.TypeValidation).
			WithDetail("environment", req.Environment)
	}

	generated, err := apikey.GenerateAPIKey(prefix)
	if err != nil {
		return nil, err
	}

	secretHash, err := s.hasher.HashSecret(generated.Secret)
	if err != nil {
		return nil, errx.Wrap(err, "failed to hash api key secret", errx.TypeInternal)
	}

	now := time.Now()
	var expiresAt *time.Time
	if req.ExpiresIn != nil && *req.ExpiresIn > 0 {
		exp := now.AddDate(0, 0, *req.ExpiresIn)
		expiresAt = &exp
	}

	key := apikey.APIKey{
		ID:          generated.KeyID,
		SecretHash:  secretHash,
		KeyPrefix:   generated.KeyPrefix,
		ProjectID:   kernel.NewProjectID(req.ProjectID),
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Save(ctx, key); err != nil {
		return nil, err
	}

	logx.WithFields(logx.Fields{
		"key_id":     key.ID.String(),
		"project_id": key.ProjectID.String(),
		"scopes":     key.Scopes,
	}).Infof("🔑 API key created")

	return &apikey.CreateAPIKeyResponse{
		APIKey:    key.ToDTO(),
		SecretKey: generated.Key,
		Message:   "Store this key securely. It will not be shown again.",
	}, nil
}

// ValidateAPIKey resuelve un token de API key a su entidad activa.
// Los fallos de lookup y de secreto devuelven el mismo error genérico.
func (s *APIKeyService) ValidateAPIKey(ctx context.Context, keyString string) (*apikey.APIKey, error) {
	keyID, secret, ok := apikey.ParseAPIKey(keyString)
	if !ok {
		return nil, apikey.ErrAPIKeyInvalid()
	}

	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		if errx.IsCode(err, apikey.CodeAPIKeyNotFound) {
			return nil, apikey.ErrAPIKeyInvalid()
		}
		return nil, err
	}

	if !key.IsActive {
		return nil, apikey.ErrAPIKeyRevoked()
	}
	if key.IsExpired() {
		return nil, apikey.ErrAPIKeyExpired()
	}

	if !s.hasher.VerifySecret(key.SecretHash, secret) {
		return nil, apikey.ErrAPIKeyInvalid()
	}

	// Best effort: la marca de uso no bloquea la autenticación
	if err := s.repo.TouchLastUsed(ctx, key.ID); err != nil {
		logx.Warnf("failed to touch api key last_used_at: %v", err)
	}
	key.UpdateLastUsed()

	return key, nil
}

// GetAPIKey busca una API key por id
func (s *APIKeyService) GetAPIKey(ctx context.Context, id kernel.APIKeyID) (*apikey.APIKey, error) {
	return s.repo.FindByID(ctx, id)
}

// ListAPIKeys lista todas las API keys registradas
func (s *APIKeyService) ListAPIKeys(ctx context.Context) ([]*apikey.APIKey, error) {
	return s.repo.FindAll(ctx)
}

// ListByProject lista las API keys vinculadas a un proyecto
func (s *APIKeyService) ListByProject(ctx context.Context, projectID kernel.ProjectID) ([]*apikey.APIKey, error) {
	return s.repo.FindByProject(ctx, projectID)
}

// UpdateAPIKey aplica cambios parciales sobre una API key existente
func (s *APIKeyService) UpdateAPIKey(ctx context.Context, id kernel.APIKeyID, req apikey.UpdateAPIKeyRequest) (*apikey.APIKeyDTO, error) {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if len(*req.Name) < 3 {
			return nil, errx.New("api key name must be at least 3 characters", errx.TypeValidation)
		}
		key.Name = *req.Name
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if len(req.Scopes) > 0 {
		if bad, ok := scopes.ValidateScopes(req.Scopes); !ok {
			return nil, errx.New("unknown scope", errx.TypeValidation).WithDetail("scope", bad)
		}
		key.Scopes = req.Scopes
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	key.UpdatedAt = time.Now()

	if err := s.repo.Update(ctx, *key); err != nil {
		return nil, err
	}

	dto := key.ToDTO()
	return &dto, nil
}

// RevokeAPIKey desactiva una API key. Revocar una key ya revocada es un no-op.
func (s *APIKeyService) RevokeAPIKey(ctx context.Context, id kernel.APIKeyID, reason string) error {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if !key.IsActive {
		return nil
	}

	key.Revoke()
	if err := s.repo.Update(ctx, *key); err != nil {
		return err
	}

	logx.WithFields(logx.Fields{
		"key_id": id.String(),
		"reason": reason,
	}).Infof("🔒 API key revoked")

	return nil
}
