package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/wiki"
	"github.com/refwiki/backend/pkg/apperr"
)

// QueryLocal is the fiber local holding the validated query.
const QueryLocal = "validated_query"

type Config struct {
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects unsupported content types and oversized bodies on write requests.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": fiber.Map{"code": "UNSUPPORTED_MEDIA_TYPE", "message": "Unsupported content type"},
			})
		}
		if len(c.Body()) > cfg.MaxDocumentSize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": fiber.Map{"code": "BODY_TOO_LARGE", "message": "Request body exceeds maximum size"},
			})
		}
		return c.Next()
	}
}

// Query validates the wiki query taken from the "q" parameter or the JSON body field "query"
// and stores the trimmed value under QueryLocal.
func Query(cfg Config) fiber.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		raw := c.Query("q")
		if raw == "" && len(c.Body()) > 0 {
			var req struct {
				Query string `json:"query"`
			}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": fiber.Map{"code": string(apperr.CodeInvalidQuery), "message": "Invalid JSON format"},
				})
			}
			raw = req.Query
		}

		q, err := wiki.ValidateQuery(raw)
		if err != nil {
			log.Warn("Rejected wiki query",
				zap.String("ip", c.IP()),
				zap.Int("length", len(raw)),
				zap.Error(err),
			)
			e, _ := apperr.As(err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fiber.Map{"code": string(e.Code), "message": e.Message},
			})
		}

		c.Locals(QueryLocal, q)
		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
