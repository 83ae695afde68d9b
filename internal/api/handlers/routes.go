package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Set groups the API handlers. Nil handlers leave their routes unregistered.
type Set struct {
	Wiki       *WikiHandler
	Graph      *GraphHandler
	Cache      *CacheHandler
	Documents  *DocumentHandler
	Evaluation *EvaluationHandler
	WebSocket  *WebSocketHandler
}

// Register mounts the API under /api/v1 and the streaming endpoint under /ws. queryCheck runs
// before page generation.
func (s Set) Register(app *fiber.App, queryCheck fiber.Handler) {
	api := app.Group("/api/v1")

	if s.Wiki != nil {
		api.Get("/wiki", queryCheck, s.Wiki.Generate)
		api.Post("/wiki", queryCheck, s.Wiki.Generate)
		api.Get("/wiki/:slug", s.Wiki.GetPage)
	}

	if s.Graph != nil {
		api.Get("/wiki/:slug/related", s.Graph.Related)
		api.Get("/wiki/:slug/backlinks", s.Graph.Backlinks)
		api.Get("/wiki/:slug/neighborhood", s.Graph.Neighborhood)
		api.Get("/graph/orphans", s.Graph.Orphans)
		api.Get("/graph/stats", s.Graph.Stats)
		api.Get("/graph/candidates", s.Graph.Candidates)
	}

	if s.Evaluation != nil {
		api.Post("/wiki/:slug/evaluate", s.Evaluation.Evaluate)
		api.Get("/wiki/:slug/evaluation", s.Evaluation.Latest)
		api.Post("/admin/evaluations", s.Evaluation.EvaluateBatch)
	}

	if s.Documents != nil {
		api.Post("/documents", s.Documents.UploadDocument)
		api.Get("/documents", s.Documents.ListDocuments)
	}

	if s.Cache != nil {
		admin := api.Group("/admin/cache")
		admin.Get("/stats", s.Cache.Stats)
		admin.Post("/invalidate", s.Cache.Invalidate)
		admin.Post("/soft-invalidate", s.Cache.SoftInvalidate)
		admin.Post("/restore", s.Cache.Restore)
		admin.Post("/warm", s.Cache.Warm)
		admin.Post("/regenerate", s.Cache.RegenerateStale)
	}

	if s.WebSocket != nil {
		app.Use("/ws", s.WebSocket.Upgrade)
		app.Get("/ws/wiki", websocket.New(s.WebSocket.HandleConnection))
	}
}
