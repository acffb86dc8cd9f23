package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"invisimark/internal/models"
)

type applyRequest struct {
	ImageID string         `json:"imageId"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleApply(c *gin.Context) {
	const op = "server.handleApply"

	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, op, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}
	id, err := uuid.Parse(req.ImageID)
	if err != nil {
		writeError(c, op, fmt.Errorf("%w: imageId is required", models.ErrInvalidInput))
		return
	}

	wm, err := s.svc.RequestEmbed(c.Request.Context(), id, caller(c), req.Options)
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": wm.Status, "watermark": wm})
}

// handleCallback runs behind the internal token check.
func (s *Server) handleCallback(c *gin.Context) {
	const op = "server.handleCallback"

	var msg models.CallbackMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		writeError(c, op, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}
	report, err := msg.Report()
	if err != nil {
		writeError(c, op, err)
		return
	}

	wm, err := s.svc.ApplyCallback(c.Request.Context(), report)
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "watermark": wm})
}

func (s *Server) handleExtract(c *gin.Context) {
	const op = "server.handleExtract"

	data, _, ok := s.readImage(c, op)
	if !ok {
		return
	}
	res, err := s.svc.Verify(c.Request.Context(), data, c.PostForm("method"))
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
