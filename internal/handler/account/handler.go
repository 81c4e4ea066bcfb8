package account

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mailzen/ingest-api/internal/handler"
	"github.com/mailzen/ingest-api/internal/model"
	accountService "github.com/mailzen/ingest-api/internal/service/account"
)

type Handler struct {
	service *accountService.Service
}

func NewHandler(service *accountService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts")
	{
		accounts.POST("", h.ConnectAccount)
		accounts.GET("", h.ListAccounts)
		accounts.DELETE("/:provider", h.DisconnectAccount)
	}
}

func (h *Handler) ConnectAccount(c *gin.Context) {
	var req accountService.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	account, err := h.service.Connect(c.Request.Context(), &req)
	if err != nil {
		if model.IsCredentialError(err) {
			c.JSON(http.StatusUnprocessableEntity, handler.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(account))
}

func (h *Handler) DisconnectAccount(c *gin.Context) {
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

	if err := h.service.Disconnect(c.Request.Context(), userID, provider); err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) ListAccounts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("user_id is required"))
		return
	}

	statuses, err := h.service.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(statuses))
}
