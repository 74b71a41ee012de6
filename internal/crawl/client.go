// Package crawl renders web pages to PDF through a headless-browser
// conversion service (Gotenberg's chromium url route or a compatible one).
package crawl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/pkg/logger"
)

const (
	maxPDFBytes   = 64 << 20
	maxTitleBytes = 2 << 20
	maxTitleRunes = 200
)

type Client struct {
	converterURL string
	userAgent    string
	httpClient   *http.Client
}

func NewClient(converterURL, userAgent string, timeout time.Duration) *Client {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; kbdoc-crawler/1.0)"
	}
	return &Client{
		converterURL: converterURL,
		userAgent:    userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsValidURL accepts absolute http and https URLs with a host.
func IsValidURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Render asks the converter to print pageURL as a PDF.
func (c *Client) Render(ctx context.Context, pageURL string) ([]byte, error) {
	logger.Info("Rendering page", zap.String("url", pageURL))

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("url", pageURL); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.converterURL, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to render page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("converter returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page: %w", err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("converter returned an empty document")
	}

	logger.Info("Page rendered", zap.String("url", pageURL), zap.Int("bytes", len(pdf)))
	return pdf, nil
}

// Title fetches pageURL and returns its <title>, falling back to the host.
func (c *Client) Title(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxTitleBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return titleOf(doc, pageURL), nil
}

func titleOf(doc *goquery.Document, pageURL string) string {
	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
		title = strings.TrimSpace(title)
	}
	if title == "" {
		if u, err := url.Parse(pageURL); err == nil {
			title = u.Host
		}
	}

	title = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?"<>|`, r) {
			return '_'
		}
		return r
	}, title)

	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}
	return title
}
