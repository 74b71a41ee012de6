package validation

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// MaxNameBytes bounds document names.
const MaxNameBytes = 255

type Config struct {
	// PathPrefix selects the routes to check, normally /api/v1/documents.
	PathPrefix          string
	MaxUploadSize       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/api/v1/documents"
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 128 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data", "application/x-www-form-urlencoded"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if !strings.HasPrefix(path, cfg.PathPrefix) || c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		if !allowed(contentType, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		if strings.HasSuffix(path, "/upload") {
			if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
				return reject(c, fiber.StatusBadRequest, "Upload must be multipart/form-data")
			}
			if n := c.Request().Header.ContentLength(); n > cfg.MaxUploadSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, "Upload exceeds maximum size")
			}
			return c.Next()
		}

		if !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
			return c.Next()
		}

		var req map[string]any
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
		}

		if name, ok := req["name"].(string); ok {
			if len(name) > MaxNameBytes {
				return reject(c, fiber.StatusBadRequest, "File name should be less than 255 bytes")
			}
			if strings.ContainsRune(name, 0) || strings.ContainsAny(name, "/\\") {
				return reject(c, fiber.StatusBadRequest, "Invalid file name")
			}
			if xssPattern.MatchString(name) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", path),
					zap.String("name", name),
				)
				return reject(c, fiber.StatusBadRequest, "Invalid file name")
			}
		}

		if strings.HasSuffix(path, "/web_crawl") {
			u, _ := req["url"].(string)
			if !isValidURL(u) {
				return reject(c, fiber.StatusBadRequest, "The URL format is invalid")
			}
		}

		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	if contentType == "" {
		return true
	}
	for _, t := range types {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":    status,
		"data":    false,
		"message": msg,
	})
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}
