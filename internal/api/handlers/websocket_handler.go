package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/wiki"
	"github.com/refwiki/backend/pkg/apperr"
	"github.com/refwiki/backend/pkg/logger"
)

// CallerLocal carries the client address from the upgrade request into the connection.
const CallerLocal = "ws_caller"

// Event is one message sent to a websocket client.
type Event struct {
	Type    string    `json:"type"`
	Status  string    `json:"status,omitempty"`
	Content string    `json:"content,omitempty"`
	Page    fiber.Map `json:"page,omitempty"`
	Error   fiber.Map `json:"error,omitempty"`
}

type WebSocketHandler struct {
	service WikiService
}

func NewWebSocketHandler(service WikiService) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
	}
}

// Upgrade admits websocket upgrade requests and records the caller for rate limiting.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(CallerLocal, c.IP())
	return c.Next()
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	caller, _ := c.Locals(CallerLocal).(string)
	logger.Info("WebSocket connection established", zap.String("caller", caller))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("caller", caller))
	}()

	for {
		var msg struct {
			Type  string `json:"type"`
			Query string `json:"query"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "generate" {
			continue
		}

		send := func(e Event) error { return c.WriteJSON(e) }
		if err := h.Stream(context.Background(), send, caller, msg.Query); err != nil {
			logger.Warn("Failed to stream page", zap.Error(err))
			break
		}
	}
}

// Stream emits status events while the page is served or generated, then the content line by
// line, then a complete event carrying the page. Request failures become an error event; only
// send failures are returned.
func (h *WebSocketHandler) Stream(ctx context.Context, send func(Event) error, caller, query string) error {
	q, err := wiki.ValidateQuery(query)
	if err != nil {
		return send(errorEvent(err))
	}

	if err := send(Event{Type: "status", Status: "generating"}); err != nil {
		return err
	}

	outcome, err := h.service.GetOrGenerate(ctx, caller, q)
	if err != nil {
		return send(errorEvent(err))
	}

	status := "generated"
	switch {
	case outcome.Stale:
		status = "stale"
	case outcome.Cached:
		status = "cached"
	case outcome.Shared:
		status = "shared"
	}
	if err := send(Event{Type: "status", Status: status}); err != nil {
		return err
	}

	for _, line := range strings.SplitAfter(outcome.Page.Content, "\n") {
		if line == "" {
			continue
		}
		if err := send(Event{Type: "chunk", Content: line}); err != nil {
			return err
		}
	}

	page := pageResponse(outcome.Page)
	delete(page, "content")
	return send(Event{Type: "complete", Page: page})
}

func errorEvent(err error) Event {
	e, ok := apperr.As(err)
	if !ok {
		logger.Error("Streaming generation failed", zap.Error(err))
		return Event{Type: "error", Error: fiber.Map{"code": "INTERNAL", "message": "Internal server error"}}
	}
	body := fiber.Map{"code": string(e.Code), "message": e.Message}
	if e.Code == apperr.CodeRateLimited {
		body["reason"] = e.Reason
		body["retry_after_seconds"] = e.RetryAfter.Seconds()
	}
	return Event{Type: "error", Error: body}
}
