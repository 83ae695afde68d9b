package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	// RequestIDLocal is the fiber local holding the request id.
	RequestIDLocal = "request_id"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// contentSecurityPolicy allows API calls and the wiki websocket back to the configured origins.
func contentSecurityPolicy(origins []string) string {
	connect := append([]string{"'self'"}, origins...)
	for _, o := range origins {
		switch {
		case strings.HasPrefix(o, "https://"):
			connect = append(connect, "wss://"+strings.TrimPrefix(o, "https://"))
		case strings.HasPrefix(o, "http://"):
			connect = append(connect, "ws://"+strings.TrimPrefix(o, "http://"))
		}
	}

	directives := [][]string{
		{"default-src", "'self'"},
		{"img-src", "'self'", "data:", "https:"},
		{"style-src", "'self'", "'unsafe-inline'"},
		{"connect-src", strings.Join(connect, " ")},
		{"frame-ancestors", "'none'"},
		{"base-uri", "'self'"},
	}
	parts := make([]string, len(directives))
	for i, d := range directives {
		parts[i] = strings.Join(d, " ")
	}
	return strings.Join(parts, "; ")
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	static := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": contentSecurityPolicy(cfg.AllowedOrigins),
	}
	if !cfg.IsDevelopment {
		static["Strict-Transport-Security"] = "max-age=63072000; includeSubDomains"
	}

	return func(c *fiber.Ctx) error {
		for k, v := range static {
			c.Set(k, v)
		}
		return c.Next()
	}
}

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Locals(RequestIDLocal, id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}
