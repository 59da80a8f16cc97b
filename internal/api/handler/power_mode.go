package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/powermode/internal/api/middleware"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/repository"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// PowerModeReader is the read side of the power mode table.
type PowerModeReader interface {
	GetByPlantCode(ctx context.Context, plantCode string) (*domain.PowerModeRecord, error)
	List(ctx context.Context, limit, offset int, success *bool) ([]domain.PowerModeRecord, error)
	Count(ctx context.Context, success *bool) (int64, error)
	CountByControlMode(ctx context.Context) ([]repository.ModeCount, error)
}

// PowerModeHandler handles power-mode endpoints.
type PowerModeHandler struct {
	reader PowerModeReader
}

// NewPowerModeHandler creates a new power mode handler.
// Parameters:
//   - reader: repository used to read collected rows.
// Returns:
//   - *PowerModeHandler: initialized handler.
func NewPowerModeHandler(reader PowerModeReader) *PowerModeHandler {
	return &PowerModeHandler{reader: reader}
}

// PowerModeListResponse is the body of GET /api/v1/power-modes.
type PowerModeListResponse struct {
	Results []domain.PowerModeRecord `json:"results"`
	Total   int64                    `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	TotalPlants     int64                  `json:"total_plants"`
	SucceededPlants int64                  `json:"succeeded_plants"`
	FailedPlants    int64                  `json:"failed_plants"`
	ControlModes    []repository.ModeCount `json:"control_modes"`
	LastPlantCode   string                 `json:"last_plant_code,omitempty"`
}

// ListPowerModes handles GET /api/v1/power-modes.
// Query parameters: limit, offset, success (true|false).
func (h *PowerModeHandler) ListPowerModes(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	var success *bool
	if raw, ok := c.GetQuery("success"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "success must be true or false"})
			return
		}
		success = &v
	}

	ctx := c.Request.Context()
	records, err := h.reader.List(ctx, limit, offset, success)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list power modes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list power modes"})
		return
	}
	total, err := h.reader.Count(ctx, success)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to count power modes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count power modes"})
		return
	}

	if records == nil {
		records = []domain.PowerModeRecord{}
	}
	c.JSON(http.StatusOK, PowerModeListResponse{
		Results: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// GetPowerMode handles GET /api/v1/power-modes/:plant_code.
func (h *PowerModeHandler) GetPowerMode(c *gin.Context) {
	code := c.Param("plant_code")
	record, err := h.reader.GetByPlantCode(c.Request.Context(), code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "plant not found"})
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).WithField("plant_code", code).Error("Failed to get power mode")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get power mode"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetStats handles GET /api/v1/stats.
func (h *PowerModeHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	succeeded, failed := true, false

	var stats StatsResponse
	var err error
	if stats.TotalPlants, err = h.reader.Count(ctx, nil); err == nil {
		if stats.SucceededPlants, err = h.reader.Count(ctx, &succeeded); err == nil {
			if stats.FailedPlants, err = h.reader.Count(ctx, &failed); err == nil {
				stats.ControlModes, err = h.reader.CountByControlMode(ctx)
			}
		}
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to get stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	if stats.ControlModes == nil {
		stats.ControlModes = []repository.ModeCount{}
	}

	if cursor, ok := h.reader.(interface {
		GetLastProcessedPlantCode(ctx context.Context) (string, bool, error)
	}); ok {
		if code, found, err := cursor.GetLastProcessedPlantCode(ctx); err == nil && found {
			stats.LastPlantCode = code
		}
	}

	c.JSON(http.StatusOK, stats)
}
