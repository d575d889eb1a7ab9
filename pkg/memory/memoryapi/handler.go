package memoryapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Abraxas-365/recall/pkg/iam/auth"
	"github.com/Abraxas-365/recall/pkg/iam/scopes"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/Abraxas-365/recall/pkg/memory/memorysrv"
)

// MemoryHandlers exposes the memory engine over HTTP.
type MemoryHandlers struct {
	service *memorysrv.MemoryService
}

func NewMemoryHandlers(service *memorysrv.MemoryService) *MemoryHandlers {
	return &MemoryHandlers{service: service}
}

// RegisterRoutes mounts the memory endpoints behind authentication.
func (h *MemoryHandlers) RegisterRoutes(router fiber.Router, authMiddleware *auth.UnifiedAuthMiddleware) {
	mem := router.Group("/memory")
	mem.Use(authMiddleware.Authenticate())

	mem.Post("/units", authMiddleware.RequireAdminOrScope(scopes.ScopeMemoryWrite), h.IngestUnit)
	mem.Post("/retrieve", authMiddleware.RequireAdminOrScope(scopes.ScopeMemoryRead), h.Retrieve)
	mem.Post("/projects/:projectId/review", authMiddleware.RequireAdminOrScope(scopes.ScopeMemoryAdmin), h.ForceReview)
	mem.Get("/projects/:projectId/status", authMiddleware.RequireAdminOrScope(scopes.ScopeMemoryRead), h.Status)
}

// IngestUnit captures one conversation turn.
// POST /memory/units
func (h *MemoryHandlers) IngestUnit(c *fiber.Ctx) error {
	var req memory.IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.bindProject(c, kernel.ProjectID(req.ProjectID)); err != nil {
		return err
	}

	resp, err := h.service.Ingest(c.Context(), req)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

// Retrieve assembles context for a query.
// POST /memory/retrieve
func (h *MemoryHandlers) Retrieve(c *fiber.Ctx) error {
	var req memory.RetrieveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.bindProject(c, kernel.ProjectID(req.ProjectID)); err != nil {
		return err
	}

	resp, err := h.service.Retrieve(c.Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(resp)
}

// ForceReview runs an out-of-cycle sweep for a project.
// POST /memory/projects/:projectId/review
func (h *MemoryHandlers) ForceReview(c *fiber.Ctx) error {
	projectID := kernel.ProjectID(c.Params("projectId"))
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Project ID is required",
		})
	}

	if err := h.bindProject(c, projectID); err != nil {
		return err
	}

	report, err := h.service.ForceReview(c.Context(), projectID)
	if err != nil {
		return err
	}

	return c.JSON(report)
}

// Status reports per-state counts and sweep info for a project.
// GET /memory/projects/:projectId/status
func (h *MemoryHandlers) Status(c *fiber.Ctx) error {
	projectID := kernel.ProjectID(c.Params("projectId"))
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Project ID is required",
		})
	}

	if err := h.bindProject(c, projectID); err != nil {
		return err
	}

	resp, err := h.service.Status(c.Context(), projectID)
	if err != nil {
		return err
	}

	return c.JSON(resp)
}

// bindProject refuses calls whose credential is pinned to another project.
func (h *MemoryHandlers) bindProject(c *fiber.Ctx, projectID kernel.ProjectID) error {
	authCtx, ok := auth.GetAuthContext(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	if !authCtx.BoundTo(projectID) {
		return memory.ErrIsolationViolation().
			WithDetail("project_id", projectID.String()).
			WithDetail("bound_to", authCtx.ProjectID.String())
	}

	return nil
}
