package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kbdoc/backend/internal/ingestion"
	"github.com/kbdoc/backend/pkg/apperr"
)

// WorkerHandler receives parse worker write-backs.
type WorkerHandler struct {
	processor *ingestion.Processor
}

func NewWorkerHandler(processor *ingestion.Processor) *WorkerHandler {
	return &WorkerHandler{
		processor: processor,
	}
}

func (h *WorkerHandler) RegisterRoutes(r fiber.Router) {
	r.Post("/results", h.Results)
	r.Post("/progress", h.Progress)
}

func (h *WorkerHandler) Results(c *fiber.Ctx) error {
	var req struct {
		DocID    string  `json:"doc_id"`
		Duration float64 `json:"duration"`
		Chunks   []struct {
			ID      string    `json:"id"`
			Content string    `json:"content"`
			Vector  []float32 `json:"vector"`
		} `json:"chunks"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}
	if req.DocID == "" {
		return fail(c, apperr.Validation("doc_id is required"))
	}

	res := ingestion.Result{DocID: req.DocID, Duration: req.Duration}
	for _, ch := range req.Chunks {
		res.Fragments = append(res.Fragments, ingestion.Fragment{ID: ch.ID, Content: ch.Content, Vector: ch.Vector})
	}

	n, err := h.processor.ProcessResult(c.UserContext(), res)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, fiber.Map{"chunks": n})
}

func (h *WorkerHandler) Progress(c *fiber.Ctx) error {
	var req struct {
		DocID    string  `json:"doc_id"`
		Progress float64 `json:"progress"`
		Message  string  `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, apperr.Validation("invalid request body"))
	}
	if req.DocID == "" {
		return fail(c, apperr.Validation("doc_id is required"))
	}

	if err := h.processor.Report(c.UserContext(), req.DocID, req.Progress, req.Message); err != nil {
		return fail(c, err)
	}
	return ok(c, true)
}
