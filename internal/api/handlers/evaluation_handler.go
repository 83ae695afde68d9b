package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/refwiki/backend/internal/evaluation"
	"github.com/refwiki/backend/internal/storage/models"
)

type PageEvaluator interface {
	EvaluatePage(ctx context.Context, slug string) (*models.QualityEvaluation, error)
	LatestEvaluation(ctx context.Context, slug string) (*models.QualityEvaluation, error)
	EvaluatePages(ctx context.Context, slugs []string) (*evaluation.Report, error)
}

type EvaluationHandler struct {
	evaluator PageEvaluator
}

func NewEvaluationHandler(evaluator PageEvaluator) *EvaluationHandler {
	return &EvaluationHandler{evaluator: evaluator}
}

func (h *EvaluationHandler) Evaluate(c *fiber.Ctx) error {
	eval, err := h.evaluator.EvaluatePage(c.UserContext(), c.Params("slug"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(evaluationResponse(eval))
}

func (h *EvaluationHandler) Latest(c *fiber.Ctx) error {
	eval, err := h.evaluator.LatestEvaluation(c.UserContext(), c.Params("slug"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(evaluationResponse(eval))
}

func (h *EvaluationHandler) EvaluateBatch(c *fiber.Ctx) error {
	var req slugsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if len(req.Slugs) == 0 {
		return badRequest(c, "slugs are required")
	}
	report, err := h.evaluator.EvaluatePages(c.UserContext(), req.Slugs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

func evaluationResponse(e *models.QualityEvaluation) fiber.Map {
	return fiber.Map{
		"id":           e.ID,
		"slug":         e.Slug,
		"accuracy":     e.Accuracy,
		"completeness": e.Completeness,
		"clarity":      e.Clarity,
		"relevance":    e.Relevance,
		"source_use":   e.SourceUse,
		"total":        e.Total,
		"feedback":     e.Feedback,
		"evaluated_at": e.EvaluatedAt,
	}
}
