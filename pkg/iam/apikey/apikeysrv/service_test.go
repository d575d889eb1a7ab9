package apikeysrv

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"github.com/Abraxas-365/recall/pkg/iam/scopes"
	"github.com/Abraxas-365/recall/pkg/kernel"
)

type fakeKeyRepo struct {
	keys    map[kernel.APIKeyID]*apikey.APIKey
	touched []kernel.APIKeyID
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: map[kernel.APIKeyID]*apikey.APIKey{}}
}

func (r *fakeKeyRepo) Save(ctx context.Context, key apikey.APIKey) error {
	clone := key
	r.keys[key.ID] = &clone
	return nil
}

func (r *fakeKeyRepo) FindByID(ctx context.Context, id kernel.APIKeyID) (*apikey.APIKey, error) {
	key, ok := r.keys[id]
	if !ok {
		return nil, apikey.ErrAPIKeyNotFound()
	}
	clone := *key
	return &clone, nil
}

func (r *fakeKeyRepo) FindAll(ctx context.Context) ([]*apikey.APIKey, error) {
	out := make([]*apikey.APIKey, 0, len(r.keys))
	for _, key := range r.keys {
		clone := *key
		out = append(out, &clone)
	}
	return out, nil
}

func (r *fakeKeyRepo) FindByProject(ctx context.Context, projectID kernel.ProjectID) ([]*apikey.APIKey, error) {
	out := make([]*apikey.APIKey, 0)
	for _, key := range r.keys {
		if key.ProjectID == projectID {
			clone := *key
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeKeyRepo) Update(ctx context.Context, key apikey.APIKey) error {
	if _, ok := r.keys[key.ID]; !ok {
		return apikey.ErrAPIKeyNotFound()
	}
	clone := key
	r.keys[key.ID] = &clone
	return nil
}

func (r *fakeKeyRepo) TouchLastUsed(ctx context.Context, id kernel.APIKeyID) error {
	r.touched = append(r.touched, id)
	return nil
}

// fakeHasher marca los secretos en claro; suficiente para probar el flujo.
type fakeHasher struct{}

func (fakeHasher) HashSecret(secret string) (string, error) {
	return "hashed:" + secret, nil
}

func (fakeHasher) VerifySecret(hashedSecret, secret string) bool {
	return hashedSecret == "hashed:"+secret
}

func newTestService() (*APIKeyService, *fakeKeyRepo) {
	repo := newFakeKeyRepo()
	return NewAPIKeyService(repo, fakeHasher{}), repo
}

func TestCreateAPIKeyStoresHashedSecret(t *testing.T) {
	service, repo := newTestService()

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "ci pipeline",
		Scopes:      []string{scopes.ScopeMemoryRead, scopes.ScopeMemoryWrite},
		Environment: "live",
		ProjectID:   "proj-a",
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	if !apikey.ValidateAPIKeyFormat(resp.SecretKey) {
		t.Errorf("issued key %q has invalid format", resp.SecretKey)
	}

	keyID, secret, ok := apikey.ParseAPIKey(resp.SecretKey)
	if !ok {
		t.Fatal("issued key does not parse")
	}

	stored, err := repo.FindByID(context.Background(), keyID)
	if err != nil {
		t.Fatalf("stored key missing: %v", err)
	}
	if stored.SecretHash == secret {
		t.Error("secret stored in plain text")
	}
	if stored.SecretHash != "hashed:"+secret {
		t.Errorf("secret hash = %q", stored.SecretHash)
	}
	if !stored.IsActive {
		t.Error("new key is not active")
	}
	if stored.ExpiresAt != nil {
		t.Error("key without expires_in got an expiry")
	}
	if stored.ProjectID != "proj-a" {
		t.Errorf("project binding = %q, want proj-a", stored.ProjectID)
	}
	if resp.APIKey.KeyPrefix == "" || strings.Contains(resp.APIKey.KeyPrefix, secret) {
		t.Errorf("display prefix = %q", resp.APIKey.KeyPrefix)
	}
}

func TestCreateAPIKeySetsExpiry(t *testing.T) {
	service, repo := newTestService()
	days := 30

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "short lived",
		Scopes:      []string{scopes.ScopeMemoryRead},
		Environment: "test",
		ExpiresIn:   &days,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	stored, err := repo.FindByID(context.Background(), resp.APIKey.ID)
	if err != nil {
		t.Fatalf("stored key missing: %v", err)
	}
	if stored.ExpiresAt == nil {
		t.Fatal("expires_at not set")
	}
	want := time.Now().AddDate(0, 0, days)
	if diff := stored.ExpiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expires_at = %v, want about %v", stored.ExpiresAt, want)
	}
}

func TestCreateAPIKeyRejectsBadRequests(t *testing.T) {
	service, repo := newTestService()

	testcases := []struct {
		name string
		req  apikey.CreateAPIKeyRequest
	}{
		{"short name", apikey.CreateAPIKeyRequest{Name: "ci", Scopes: []string{scopes.ScopeMemoryRead}, Environment: "live"}},
		{"no scopes", apikey.CreateAPIKeyRequest{Name: "ci pipeline", Environment: "live"}},
		{"unknown scope", apikey.CreateAPIKeyRequest{Name: "ci pipeline", Scopes: []string{"memory:px"}, Environment: "live"}},
		{"bad environment", apikey.CreateAPIKeyRequest{Name: "ci pipeline", Scopes: []string{scopes.ScopeMemoryRead}, Environment: "prod"}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateAPIKey(context.Background(), tc.req)
			if !errx.IsType(err, errx.TypeValidation) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}

	if len(repo.keys) != 0 {
		t.Errorf("keys stored = %d, want 0", len(repo.keys))
	}
}

func TestValidateAPIKeyHappyPath(t *testing.T) {
	service, repo := newTestService()

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "ingest worker",
		Scopes:      []string{scopes.ScopeMemoryWrite},
		Environment: "live",
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	key, err := service.ValidateAPIKey(context.Background(), resp.SecretKey)
	if err != nil {
		t.Fatalf("ValidateAPIKey failed: %v", err)
	}
	if key.ID != resp.APIKey.ID {
		t.Errorf("resolved key id = %s, want %s", key.ID, resp.APIKey.ID)
	}
	if key.LastUsedAt == nil {
		t.Error("last_used_at not set on the resolved key")
	}
	if len(repo.touched) != 1 || repo.touched[0] != key.ID {
		t.Errorf("touched = %v, want [%s]", repo.touched, key.ID)
	}
}

func TestValidateAPIKeyFailures(t *testing.T) {
	service, repo := newTestService()

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "doomed key",
		Scopes:      []string{scopes.ScopeMemoryRead},
		Environment: "live",
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	t.Run("malformed token", func(t *testing.T) {
		_, err := service.ValidateAPIKey(context.Background(), "garbage")
		if !errx.IsCode(err, apikey.CodeAPIKeyInvalid) {
			t.Errorf("got %v, want INVALID", err)
		}
	})

	t.Run("unknown key id stays generic", func(t *testing.T) {
		ghost, err := apikey.GenerateAPIKey(apikey.KeyPrefixLive)
		if err != nil {
			t.Fatalf("GenerateAPIKey failed: %v", err)
		}
		_, err = service.ValidateAPIKey(context.Background(), ghost.Key)
		if !errx.IsCode(err, apikey.CodeAPIKeyInvalid) {
			t.Errorf("got %v, want INVALID (not NOT_FOUND)", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		tampered := resp.SecretKey[:len(resp.SecretKey)-1]
		if strings.HasSuffix(resp.SecretKey, "0") {
			tampered += "1"
		} else {
			tampered += "0"
		}
		_, err := service.ValidateAPIKey(context.Background(), tampered)
		if !errx.IsCode(err, apikey.CodeAPIKeyInvalid) {
			t.Errorf("got %v, want INVALID", err)
		}
	})

	t.Run("revoked key", func(t *testing.T) {
		if err := service.RevokeAPIKey(context.Background(), resp.APIKey.ID, "rotated"); err != nil {
			t.Fatalf("RevokeAPIKey failed: %v", err)
		}
		_, err := service.ValidateAPIKey(context.Background(), resp.SecretKey)
		if !errx.IsCode(err, apikey.CodeAPIKeyRevoked) {
			t.Errorf("got %v, want REVOKED", err)
		}
	})

	t.Run("expired key", func(t *testing.T) {
		expResp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
			Name:        "expired key",
			Scopes:      []string{scopes.ScopeMemoryRead},
			Environment: "live",
		})
		if err != nil {
			t.Fatalf("CreateAPIKey failed: %v", err)
		}

		// Retro-datamos la expiración directamente en el repositorio
		past := time.Now().Add(-time.Hour)
		repo.keys[expResp.APIKey.ID].ExpiresAt = &past

		_, err = service.ValidateAPIKey(context.Background(), expResp.SecretKey)
		if !errx.IsCode(err, apikey.CodeAPIKeyExpired) {
			t.Errorf("got %v, want EXPIRED", err)
		}
	})
}

func TestRevokeAPIKeyIsIdempotent(t *testing.T) {
	service, repo := newTestService()

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "to revoke",
		Scopes:      []string{scopes.ScopeMemoryRead},
		Environment: "live",
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	if err := service.RevokeAPIKey(context.Background(), resp.APIKey.ID, "compromised"); err != nil {
		t.Fatalf("RevokeAPIKey failed: %v", err)
	}
	if repo.keys[resp.APIKey.ID].IsActive {
		t.Error("key still active after revocation")
	}

	if err := service.RevokeAPIKey(context.Background(), resp.APIKey.ID, "again"); err != nil {
		t.Errorf("second revocation = %v, want nil", err)
	}

	err = service.RevokeAPIKey(context.Background(), "missing-id", "whatever")
	if !errx.IsCode(err, apikey.CodeAPIKeyNotFound) {
		t.Errorf("got %v, want NOT_FOUND", err)
	}
}

func TestUpdateAPIKeyAppliesPartialChanges(t *testing.T) {
	service, repo := newTestService()

	resp, err := service.CreateAPIKey(context.Background(), apikey.CreateAPIKeyRequest{
		Name:        "original name",
		Scopes:      []string{scopes.ScopeMemoryRead},
		Environment: "live",
	})
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	newName := "renamed key"
	dto, err := service.UpdateAPIKey(context.Background(), resp.APIKey.ID, apikey.UpdateAPIKeyRequest{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateAPIKey failed: %v", err)
	}
	if dto.Name != newName {
		t.Errorf("name = %q, want %q", dto.Name, newName)
	}
	if len(dto.Scopes) != 1 || dto.Scopes[0] != scopes.ScopeMemoryRead {
		t.Errorf("scopes changed unexpectedly: %v", dto.Scopes)
	}

	short := "ab"
	if _, err := service.UpdateAPIKey(context.Background(), resp.APIKey.ID, apikey.UpdateAPIKeyRequest{Name: &short}); !errx.IsType(err, errx.TypeValidation) {
		t.Errorf("short name: got %v, want validation error", err)
	}

	if _, err := service.UpdateAPIKey(context.Background(), resp.APIKey.ID, apikey.UpdateAPIKeyRequest{Scopes: []string{"nope:nope"}}); !errx.IsType(err, errx.TypeValidation) {
		t.Errorf("unknown scope: got %v, want validation error", err)
	}

	if repo.keys[resp.APIKey.ID].Name != newName {
		t.Errorf("stored name = %q, want %q", repo.keys[resp.APIKey.ID].Name, newName)
	}
}
