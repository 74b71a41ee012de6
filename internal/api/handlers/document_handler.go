package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/lifecycle"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

type DocumentHandler struct {
	svc *lifecycle.Service
}

func NewDocumentHandler(svc *lifecycle.Service) *DocumentHandler {
	return &DocumentHandler{
		svc: svc,
	}
}

// RegisterRoutes mounts the document routes on r, normally /api/v1/documents.
func (h *DocumentHandler) RegisterRoutes(r fiber.Router) {
	user := RequireUser()

	r.Post("/upload", user, h.Upload)
	r.Post("/web_crawl", user, h.WebCrawl)
	r.Post("/create", user, h.Create)
	r.Get("/list", user, h.List)
	r.Post("/infos", h.Infos)
	r.Get("/thumbnails", h.Thumbnails)
	r.Post("/change_status", user, h.ChangeStatus)
	r.Post("/rm", user, h.Remove)
	r.Post("/rm_v2", h.RemoveIndexEntries)
	r.Post("/run", user, h.Run)
	r.Post("/run_v2", h.RunExternal)
	r.Post("/rename", user, h.Rename)
	r.Get("/get/:doc_id", h.Get)
	r.Get("/image/:image_id", h.Image)
	r.Post("/change_parser", user, h.ChangeParser)
	r.Get("/chunks/:doc_id", h.Chunks)
	r.Get("/list_v2", h.ListIndexed)
}

func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, apperr.Validation("invalid multipart form: %v", err))
	}

	req := lifecycle.UploadRequest{UserID: c.Get(HeaderUserID)}
	if v := form.Value["kb_id"]; len(v) > 0 {
		req.KbID = v[0]
	}
	for _, fh := range form.File["file"] {
		f, err := fh.Open()
		if err != nil {
			return fail(c, apperr.Validation("%s: %v", fh.Filename, err))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fail(c, apperr.Validation("%s: %v", fh.Filename, err))
		}
		req.Files = append(req.Files, lifecycle.UploadFile{Name: fh.Filename, Data: data})
	}

	docs, err := h.svc.Upload(c.UserContext(), req)
	if err != nil {
		return failWith(c, err, docs)
	}
	return ok(c, docs)
}

func (h *DocumentHandler) WebCrawl(c *fiber.Ctx) error {
	var req struct {
		KbID string `json:"kb_id" form:"kb_id"`
		Name string `json:"name" form:"name"`
		URL  string `json:"url" form:"url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	doc, err := h.svc.WebCrawl(c.UserContext(), lifecycle.WebCrawlRequest{
		KbID:   req.KbID,
		UserID: c.Get(HeaderUserID),
		Name:   req.Name,
		URL:    req.URL,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, doc)
}

func (h *DocumentHandler) Create(c *fiber.Ctx) error {
	var req struct {
		KbID string `json:"kb_id"`
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	doc, err := h.svc.Create(c.UserContext(), lifecycle.CreateRequest{
		KbID:   req.KbID,
		Name:   req.Name,
		UserID: c.Get(HeaderUserID),
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, doc)
}

func (h *DocumentHandler) List(c *fiber.Ctx) error {
	docs, total, err := h.svc.List(c.UserContext(), lifecycle.ListRequest{
		KbID:     c.Query("kb_id"),
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 15),
		OrderBy:  c.Query("orderby", "create_time"),
		Desc:     c.QueryBool("desc", true),
		Keywords: c.Query("keywords"),
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, fiber.Map{"total": total, "docs": docs})
}

func (h *DocumentHandler) Infos(c *fiber.Ctx) error {
	var req struct {
		DocIDs []string `json:"doc_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	docs, err := h.svc.Infos(c.UserContext(), req.DocIDs)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, docs)
}

func (h *DocumentHandler) Thumbnails(c *fiber.Ctx) error {
	thumbs, err := h.svc.Thumbnails(c.UserContext(), splitIDs(c.Query("doc_ids")))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, thumbs)
}

func (h *DocumentHandler) ChangeStatus(c *fiber.Ctx) error {
	var req struct {
		DocID  json.RawMessage `json:"doc_id"`
		Status json.RawMessage `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}
	ids, err := idList(req.DocID)
	if err != nil {
		return fail(c, err)
	}

	var available bool
	switch scalar(req.Status) {
	case "1", "true":
		available = true
	case "0", "false":
	default:
		return fail(c, apperr.Validation(`status must be either "0" or "1"`))
	}

	if err := h.svc.ChangeStatus(c.UserContext(), lifecycle.ChangeStatusRequest{DocIDs: ids, Available: available}); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

func (h *DocumentHandler) Remove(c *fiber.Ctx) error {
	var req struct {
		DocID json.RawMessage `json:"doc_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}
	ids, err := idList(req.DocID)
	if err != nil {
		return fail(c, err)
	}

	if err := h.svc.Delete(c.UserContext(), lifecycle.DeleteRequest{DocIDs: ids, UserID: c.Get(HeaderUserID)}); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

// RemoveIndexEntries only clears the search index.
func (h *DocumentHandler) RemoveIndexEntries(c *fiber.Ctx) error {
	var req struct {
		TenantID string          `json:"tenant_id"`
		DocID    json.RawMessage `json:"doc_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}
	ids, err := idList(req.DocID)
	if err != nil {
		return fail(c, err)
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = c.Get(HeaderTenantID)
	}

	if err := h.svc.DeleteIndexEntries(c.UserContext(), tenantID, ids); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

func (h *DocumentHandler) Run(c *fiber.Ctx) error {
	var req struct {
		DocIDs []string        `json:"doc_ids"`
		Run    json.RawMessage `json:"run"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	err := h.svc.Run(c.UserContext(), lifecycle.RunRequest{
		DocIDs: req.DocIDs,
		Run:    models.RunStatus(scalar(req.Run)),
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

func (h *DocumentHandler) RunExternal(c *fiber.Ctx) error {
	var req struct {
		TenantID  string `json:"tenant_id"`
		KbID      string `json:"kb_id"`
		Documents []struct {
			ID           string         `json:"id"`
			URL          string         `json:"url"`
			ParserID     string         `json:"parser_id"`
			ParserConfig map[string]any `json:"parser_config"`
		} `json:"documents"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	out := lifecycle.ExternalRunRequest{TenantID: req.TenantID, KbID: req.KbID}
	if out.TenantID == "" {
		out.TenantID = c.Get(HeaderTenantID)
	}
	for _, d := range req.Documents {
		out.Documents = append(out.Documents, lifecycle.ExternalDocument{
			ID:           d.ID,
			URL:          d.URL,
			ParserID:     d.ParserID,
			ParserConfig: d.ParserConfig,
		})
	}

	if err := h.svc.RunExternal(c.UserContext(), out); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

func (h *DocumentHandler) Rename(c *fiber.Ctx) error {
	var req struct {
		DocID string `json:"doc_id"`
		Name  string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	if err := h.svc.Rename(c.UserContext(), lifecycle.RenameRequest{DocID: req.DocID, Name: req.Name}); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}

func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	d, err := h.svc.Download(c.UserContext(), c.Params("doc_id"))
	if err != nil {
		return fail(c, err)
	}

	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", d.Name))
	c.Set(fiber.HeaderContentType, d.ContentType)
	return c.Send(d.Data)
}

func (h *DocumentHandler) Image(c *fiber.Ctx) error {
	data, err := h.svc.Image(c.UserContext(), c.Params("image_id"))
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "image/JPEG")
	return c.Send(data)
}

func (h *DocumentHandler) ChangeParser(c *fiber.Ctx) error {
	var req struct {
		DocID        string         `json:"doc_id"`
		ParserID     string         `json:"parser_id"`
		ParserConfig map[string]any `json:"parser_config"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}

	out := lifecycle.ChangeParserRequest{DocID: req.DocID, ParserID: req.ParserID}
	if req.ParserConfig != nil {
		cfg, err := models.NormalizeParserConfig(req.ParserConfig)
		if err != nil {
			return fail(c, apperr.Validation("parser_config: %v", err))
		}
		out.ParserConfig = &cfg
	}

	doc, err := h.svc.ChangeParser(c.UserContext(), out)
	if err != nil {
		return fail(c, err)
	}
	logger.Debug("Parser change applied", zap.String("doc_id", doc.ID))
	return ok(c, doc)
}

func (h *DocumentHandler) Chunks(c *fiber.Ctx) error {
	chunks, err := h.svc.Chunks(c.UserContext(), c.Get(HeaderTenantID), c.Params("doc_id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, chunks)
}

func (h *DocumentHandler) ListIndexed(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id", c.Get(HeaderTenantID))
	total, ids, err := h.svc.IndexedDocIDs(c.UserContext(), tenantID, c.Query("kb_id"),
		c.QueryInt("page", 1), c.QueryInt("page_size", 15))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, fiber.Map{"total": total, "docs": ids})
}

// idList accepts a single id or a list of ids.
func idList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, apperr.Validation("doc_id is required")
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, apperr.Validation("doc_id is required")
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, apperr.Validation("doc_id must be a string or a list of strings")
	}
	return many, nil
}

// scalar renders a JSON string or number as its bare text.
func scalar(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
