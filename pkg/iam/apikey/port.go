package apikey

import (
	"context"

	"github.com/Abraxas-365/recall/pkg/kernel"
)

// APIKeyRepository define el contrato para la persistencia de API keys
type APIKeyRepository interface {
	Save(ctx context.Context, key APIKey) error
	FindByID(ctx context.Context, id kernel.APIKeyID) (*APIKey, error)
	FindAll(ctx context.Context) ([]*APIKey, error)
	FindByProject(ctx context.Context, projectID kernel.ProjectID) ([]*APIKey, error)
	Update(ctx context.Context, key APIKey) error
	TouchLastUsed(ctx context.Context, id kernel.APIKeyID) error
}
