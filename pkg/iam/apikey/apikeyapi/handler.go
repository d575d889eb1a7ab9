package apikeyapi

import (
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"github.com/Abraxas-365/recall/pkg/iam/apikey/apikeysrv"
	"github.com/Abraxas-365/recall/pkg/iam/auth"
	"github.com/Abraxas-365/recall/pkg/iam/scopes"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

type APIKeyHandlers struct {
	service *apikeysrv.APIKeyService
}

func NewAPIKeyHandlers(service *apikeysrv.APIKeyService) *APIKeyHandlers {
	return &APIKeyHandlers{service: service}
}

func (h *APIKeyHandlers) RegisterRoutes(router fiber.Router, authMiddleware *auth.UnifiedAuthMiddleware) {
	keys := router.Group("/api-keys", authMiddleware.Authenticate())

	keys.Post("/", authMiddleware.RequireAdminOrScope(scopes.ScopeAPIKeysWrite), h.CreateAPIKey)
	keys.Get("/", authMiddleware.RequireAdminOrScope(scopes.ScopeAPIKeysRead), h.ListAPIKeys)
	keys.Get("/:id", authMiddleware.RequireAdminOrScope(scopes.ScopeAPIKeysRead), h.GetAPIKey)
	keys.Put("/:id", authMiddleware.RequireAdminOrScope(scopes.ScopeAPIKeysWrite), h.UpdateAPIKey)
	keys.Post("/:id/revoke", authMiddleware.RequireAdminOrScope(scopes.ScopeAPIKeysRevoke), h.RevokeAPIKey)
}

func (h *APIKeyHandlers) CreateAPIKey(c *fiber.Ctx) error {
	var req apikey.CreateAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	response, err := h.service.CreateAPIKey(c.Context(), req)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(response)
}

func (h *APIKeyHandlers) ListAPIKeys(c *fiber.Ctx) error {
	var (
		keys []*apikey.APIKey
		err  error
	)

	if projectID := c.Query("project_id"); projectID != "" {
		keys, err = h.service.ListByProject(c.Context(), kernel.NewProjectID(projectID))
	} else {
		keys, err = h.service.ListAPIKeys(c.Context())
	}
	if err != nil {
		return err
	}

	dtos := make([]apikey.APIKeyDTO, len(keys))
	for i, k := range keys {
		dtos[i] = k.ToDTO()
	}

	return c.JSON(apikey.APIKeyListResponse{
		APIKeys: dtos,
		Total:   len(dtos),
	})
}

func (h *APIKeyHandlers) GetAPIKey(c *fiber.Ctx) error {
	keyID := kernel.NewAPIKeyID(c.Params("id"))

	key, err := h.service.GetAPIKey(c.Context(), keyID)
	if err != nil {
		return err
	}

	return c.JSON(key.ToDTO())
}

func (h *APIKeyHandlers) UpdateAPIKey(c *fiber.Ctx) error {
	keyID := kernel.NewAPIKeyID(c.Params("id"))

	var req apikey.UpdateAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	dto, err := h.service.UpdateAPIKey(c.Context(), keyID, req)
	if err != nil {
		return err
	}

	return c.JSON(dto)
}

func (h *APIKeyHandlers) RevokeAPIKey(c *fiber.Ctx) error {
	keyID := kernel.NewAPIKeyID(c.Params("id"))

	var req apikey.RevokeAPIKeyRequest
	_ = c.BodyParser(&req)

	if err := h.service.RevokeAPIKey(c.Context(), keyID, req.Reason); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"message": "API key revoked successfully"})
}
