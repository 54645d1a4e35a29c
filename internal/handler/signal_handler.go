package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/middleware"
	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/internal/service"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
	"github.com/noah-isme/signalhub-api/pkg/response"
)

// SignalHandler serves the trading signal resource.
type SignalHandler struct {
	service *service.SignalService
	export  *service.ExportService
}

// NewSignalHandler creates a signal handler.
func NewSignalHandler(svc *service.SignalService, export *service.ExportService) *SignalHandler {
	return &SignalHandler{service: svc, export: export}
}

// List godoc
// @Summary List signals
// @Tags Signals
// @Security BearerAuth
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param symbol query string false "Symbol"
// @Param direction query string false "BUY or SELL"
// @Param status query string false "ACTIVE, CLOSED or CANCELLED"
// @Param user_id query string false "Owner"
// @Param search query string false "Search in symbol and notes"
// @Param sort_by query string false "Sort by"
// @Param sort_order query string false "Sort order"
// @Success 200 {object} response.Envelope
// @Router /signals [get]
func (h *SignalHandler) List(c *gin.Context) {
	filter := signalFilterFromQuery(c)
	filter.Page, filter.PageSize = pageParams(c)
	filter.SortBy = c.Query("sort_by")
	filter.SortOrder = c.Query("sort_order")

	signals, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, signals, pagination)
}

// Get godoc
// @Summary Get signal
// @Tags Signals
// @Security BearerAuth
// @Produce json
// @Param id path string true "Signal ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /signals/{id} [get]
func (h *SignalHandler) Get(c *gin.Context) {
	signal, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, signal, nil)
}

// Create godoc
// @Summary Publish signal
// @Tags Signals
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param payload body dto.CreateSignalRequest true "Signal"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /signals [post]
func (h *SignalHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	signal, err := h.service.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, signal)
}

// Update godoc
// @Summary Update signal
// @Tags Signals
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path string true "Signal ID"
// @Param payload body dto.UpdateSignalRequest true "Changes"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /signals/{id} [put]
func (h *SignalHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.UpdateSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	signal, err := h.service.Update(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, signal, nil)
}

// Delete godoc
// @Summary Delete signal
// @Tags Signals
// @Security BearerAuth
// @Param id path string true "Signal ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Router /signals/{id} [delete]
func (h *SignalHandler) Delete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Stats godoc
// @Summary Signal statistics
// @Tags Signals
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /signals/stats [get]
func (h *SignalHandler) Stats(c *gin.Context) {
	stats, hit, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export signals
// @Tags Signals
// @Security BearerAuth
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /signals/export [get]
func (h *SignalHandler) Export(c *gin.Context) {
	format := dto.ExportFormat(strings.ToLower(c.DefaultQuery("format", string(dto.ExportFormatCSV))))

	file, err := h.export.ExportSignals(c.Request.Context(), signalFilterFromQuery(c), format)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.File(c, file.ContentType, file.Filename, file.Payload)
}

func signalFilterFromQuery(c *gin.Context) models.SignalFilter {
	filter := models.SignalFilter{
		Symbol: c.Query("symbol"),
		UserID: c.Query("user_id"),
		Search: c.Query("search"),
	}
	if direction := c.Query("direction"); direction != "" {
		d := models.SignalDirection(strings.ToUpper(direction))
		filter.Direction = &d
	}
	if status := c.Query("status"); status != "" {
		s := models.SignalStatus(strings.ToUpper(status))
		filter.Status = &s
	}
	return filter
}
