package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/lifecycle"
	"github.com/kbdoc/backend/pkg/logger"
)

// ProgressSource is polled for the parse state of one document.
type ProgressSource interface {
	Progress(ctx context.Context, docID string) (*lifecycle.Progress, error)
}

// ProgressHandler streams parse progress of a document until it reaches
// a terminal run status.
type ProgressHandler struct {
	source   ProgressSource
	interval time.Duration
}

func NewProgressHandler(source ProgressSource, interval time.Duration) *ProgressHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressHandler{
		source:   source,
		interval: interval,
	}
}

// Upgrade refuses plain HTTP requests on the websocket route.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *ProgressHandler) HandleConnection(c *websocket.Conn) {
	docID := c.Params("doc_id")
	logger.Info("Progress stream opened", zap.String("doc_id", docID))

	defer func() {
		c.Close()
		logger.Info("Progress stream closed", zap.String("doc_id", docID))
	}()

	if err := h.stream(context.Background(), docID, c.WriteJSON); err != nil {
		logger.Warn("Progress stream ended early", zap.String("doc_id", docID), zap.Error(err))
		h.sendError(c, err.Error())
	}
}

// stream sends one progress frame per poll and a final complete frame.
// Frames are only sent when something changed.
func (h *ProgressHandler) stream(ctx context.Context, docID string, send func(any) error) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last *lifecycle.Progress
	for {
		p, err := h.source.Progress(ctx, docID)
		if err != nil {
			return err
		}

		if last == nil || *last != *p {
			if err := send(map[string]any{"type": "progress", "data": p}); err != nil {
				return err
			}
			last = p
		}

		if p.Terminal() {
			return send(map[string]any{"type": "complete", "run": p.Status})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *ProgressHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
