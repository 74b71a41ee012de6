package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxUploadSize: 16}))
	app.Post("/api/v1/documents/*", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func post(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestDocumentRoutes(t *testing.T) {
	app := newApp()

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"valid create", "/api/v1/documents/create", "application/json", `{"kb_id":"k","name":"a.txt"}`, http.StatusOK},
		{"bad json", "/api/v1/documents/create", "application/json", `{`, http.StatusBadRequest},
		{"long name", "/api/v1/documents/rename", "application/json", `{"name":"` + strings.Repeat("a", 256) + `"}`, http.StatusBadRequest},
		{"path in name", "/api/v1/documents/rename", "application/json", `{"name":"../etc/passwd"}`, http.StatusBadRequest},
		{"script in name", "/api/v1/documents/create", "application/json", `{"name":"<script>x</script>.txt"}`, http.StatusBadRequest},
		{"crawl bad url", "/api/v1/documents/web_crawl", "application/json", `{"name":"x","url":"ftp://h"}`, http.StatusBadRequest},
		{"crawl good url", "/api/v1/documents/web_crawl", "application/json", `{"name":"x","url":"https://h"}`, http.StatusOK},
		{"xml body", "/api/v1/documents/create", "application/xml", `<a/>`, http.StatusUnsupportedMediaType},
		{"json upload", "/api/v1/documents/upload", "application/json", `{}`, http.StatusBadRequest},
		{"oversized upload", "/api/v1/documents/upload", "multipart/form-data; boundary=x", strings.Repeat("z", 32), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, app, tt.path, tt.contentType, tt.body))
		})
	}
}

func TestOtherRoutesPassThrough(t *testing.T) {
	app := newApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
