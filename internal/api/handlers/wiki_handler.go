package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/refwiki/backend/internal/middleware/validation"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/internal/wiki"
)

type WikiService interface {
	GetPage(ctx context.Context, slug string) (*models.Page, error)
	GetOrGenerate(ctx context.Context, caller, query string) (*wiki.Outcome, error)
}

type WikiHandler struct {
	service WikiService
}

func NewWikiHandler(service WikiService) *WikiHandler {
	return &WikiHandler{
		service: service,
	}
}

// GetPage serves a stored published page and never generates.
func (h *WikiHandler) GetPage(c *fiber.Ctx) error {
	page, err := h.service.GetPage(c.UserContext(), c.Params("slug"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(pageResponse(page))
}

// Generate serves the page for a query, generating it when it is missing or expired.
func (h *WikiHandler) Generate(c *fiber.Ctx) error {
	query, _ := c.Locals(validation.QueryLocal).(string)
	if query == "" {
		var req struct {
			Query string `json:"query"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "Invalid request body")
			}
		}
		query = req.Query
		if query == "" {
			query = c.Query("q")
		}
	}

	outcome, err := h.service.GetOrGenerate(c.UserContext(), c.IP(), query)
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusOK
	if !outcome.Cached && !outcome.Shared {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"page":   pageResponse(outcome.Page),
		"cached": outcome.Cached,
		"shared": outcome.Shared,
		"stale":  outcome.Stale,
	})
}
