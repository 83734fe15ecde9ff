package api

import (
	"net/http"

	"github.com/Domenick1991/staysync/internal/service/feedsync"
	"github.com/gin-gonic/gin"
)

type FeedHandler struct {
	service feedsync.FeedSyncUseCase
}

type registerFeedRequest struct {
	URL string `json:"url" binding:"required"`
}

func NewFeedHandler(service feedsync.FeedSyncUseCase) *FeedHandler {
	return &FeedHandler{service: service}
}

func (h *FeedHandler) Register(router *gin.RouterGroup) {
	router.POST("/properties/:id/feeds", h.register)
	router.POST("/properties/:id/feeds/sync", h.sync)
	router.GET("/properties/:id/feeds", h.status)
}

func (h *FeedHandler) register(c *gin.Context) {
	var req registerFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	feed, err := h.service.RegisterExternalFeed(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feed)
}

// sync answers 200 even for a degraded sync; the result carries the status and error.
func (h *FeedHandler) sync(c *gin.Context) {
	result, err := h.service.SyncNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *FeedHandler) status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
