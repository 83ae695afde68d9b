package handlers

import (
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/middleware/security"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
)

// statusFor maps an error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidQuery:
		return fiber.StatusBadRequest
	case apperr.CodeNotFound:
		return fiber.StatusNotFound
	case apperr.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case apperr.CodeNoSourcesFound:
		return fiber.StatusUnprocessableEntity
	case apperr.CodeGenerationFailed:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	e, ok := apperr.As(err)
	if !ok {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": fiber.Map{"code": string(apperr.CodeNotFound), "message": "not found"},
			})
		}
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.Any("request_id", c.Locals(security.RequestIDLocal)),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"code": "INTERNAL", "message": "Internal server error"},
		})
	}

	body := fiber.Map{"code": string(e.Code), "message": e.Message}
	if e.Code == apperr.CodeRateLimited {
		seconds := int(math.Ceil(e.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
		body["reason"] = e.Reason
		body["retry_after_seconds"] = seconds
	}
	if e.Code == apperr.CodeGenerationFailed {
		logger.Error("Generation failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(statusFor(e.Code)).JSON(fiber.Map{"error": body})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": fiber.Map{"code": "BAD_REQUEST", "message": message},
	})
}

func pageResponse(p *models.Page) fiber.Map {
	return fiber.Map{
		"slug":               p.Slug,
		"title":              p.Title,
		"content":            p.Content,
		"confidence_score":   p.ConfidenceScore,
		"published":          p.Published,
		"generated_at":       p.GeneratedAt,
		"ttl_expires_at":     p.TTLExpiresAt,
		"view_count":         p.ViewCount,
		"regeneration_count": p.RegenerationCount,
		"metadata":           p.Metadata,
	}
}

func intQuery(c *fiber.Ctx, key string, def, max int) int {
	n := c.QueryInt(key, def)
	if n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
