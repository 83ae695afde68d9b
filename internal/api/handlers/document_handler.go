package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/ingestion"
	"github.com/refwiki/backend/internal/storage/models"
	"github.com/refwiki/backend/pkg/logger"
)

type DocumentIndexer interface {
	ProcessDocument(ctx context.Context, req ingestion.Request) (*ingestion.Result, error)
}

type DocumentLister interface {
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

type DocumentHandler struct {
	processor DocumentIndexer
	documents DocumentLister
}

func NewDocumentHandler(processor DocumentIndexer, documents DocumentLister) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		documents: documents,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		Author     string `json:"author"`
		SourceType string `json:"source_type"`
		Text       string `json:"text"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "title and text are required")
	}

	res, err := h.processor.ProcessDocument(c.UserContext(), ingestion.Request{
		ID:         req.ID,
		Title:      req.Title,
		Author:     req.Author,
		SourceType: req.SourceType,
		Text:       req.Text,
	})
	if err != nil {
		logger.Error("Failed to process document", zap.String("title", req.Title), zap.Error(err))
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if res.Reindexed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.documents.ListDocuments(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	out := make([]fiber.Map, 0, len(docs))
	for _, d := range docs {
		out = append(out, fiber.Map{
			"id":          d.ID,
			"title":       d.Title,
			"author":      d.Author,
			"source_type": d.SourceType,
			"chunk_count": d.ChunkCount,
			"indexed_at":  d.IndexedAt,
		})
	}
	return c.JSON(fiber.Map{"documents": out})
}
