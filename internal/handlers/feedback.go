package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"pulse-backend/internal/common"
	"pulse-backend/internal/config"
	"pulse-backend/internal/models"
)

// FeedbackHandler serves the read-only feedback query endpoint.
type FeedbackHandler struct {
	common.ServerState
	logger echo.Logger
}

func NewFeedbackHandler(db *gorm.DB, cfg *config.Config, logger echo.Logger) *FeedbackHandler {
	return &FeedbackHandler{
		ServerState: common.ServerState{
			DB:     db,
			Config: cfg,
		},
		logger: logger,
	}
}

// ListFeedback handles GET /api/feedback and returns all finalized records,
// most recent first.
func (h *FeedbackHandler) ListFeedback(c echo.Context) error {
	records, err := models.ListFeedback(h.DB)
	if err != nil {
		h.logger.Errorf("failed to list feedback: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list feedback")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"feedback": records})
}
