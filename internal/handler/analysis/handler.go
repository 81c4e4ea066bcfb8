package analysis

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mailzen/ingest-api/internal/handler"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
	analysisService "github.com/mailzen/ingest-api/internal/service/analysis"
)

type Handler struct {
	service *analysisService.Service
}

func NewHandler(service *analysisService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	analyses := r.Group("/analyses")
	{
		analyses.GET("", h.ListAnalyses)
		analyses.GET("/categories", h.CategoryStats)
		analyses.GET("/:provider/:messageID", h.GetAnalysis)
	}
}

func (h *Handler) ListAnalyses(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("user_id is required"))
		return
	}

	filter := repository.AnalysisFilter{
		UserID:   userID,
		Category: c.Query("category"),
	}
	if p := c.Query("provider"); p != "" {
		provider := model.Provider(p)
		if !provider.Valid() {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid provider"))
			return
		}
		filter.Provider = provider
	}
	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid limit"))
			return
		}
		filter.Limit = limit
	}
	if o := c.Query("offset"); o != "" {
		offset, err := strconv.Atoi(o)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid offset"))
			return
		}
		filter.Offset = offset
	}

	analyses, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(analyses))
}

func (h *Handler) CategoryStats(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("user_id is required"))
		return
	}

	counts, err := h.service.CategoryStats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(counts))
}

func (h *Handler) GetAnalysis(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("user_id is required"))
		return
	}
	provider := model.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid provider"))
		return
	}

	analysis, err := h.service.Get(c.Request.Context(), userID, provider, c.Param("messageID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	if analysis == nil {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("analysis not found"))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(analysis))
}
