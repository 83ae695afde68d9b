package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAndRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), HeadersMiddleware(HeadersConfig{AllowedOrigins: []string{"https://wiki.example"}}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(c.Locals(RequestIDLocal).(string)) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "https://wiki.example")

	_, err = uuid.Parse(resp.Header.Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestRequestIDPropagated(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	id := uuid.NewString()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, id)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Header.Get(HeaderRequestID))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get(HeaderRequestID))
}

func TestContentSecurityPolicyAllowsWebsocketOrigins(t *testing.T) {
	csp := contentSecurityPolicy([]string{"https://wiki.example", "http://localhost:3000"})

	assert.Contains(t, csp, "connect-src 'self' https://wiki.example http://localhost:3000 wss://wiki.example ws://localhost:3000")
	assert.Contains(t, csp, "frame-ancestors 'none'")
}

func TestDevelopmentSkipsHSTS(t *testing.T) {
	app := fiber.New()
	app.Use(HeadersMiddleware(HeadersConfig{IsDevelopment: true}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
