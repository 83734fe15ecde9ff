package api

import (
	"net/http"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/service/reservation"
	"github.com/gin-gonic/gin"
)

type ReservationHandler struct {
	service reservation.ReservationUseCase
}

type reserveRequest struct {
	Start  string `json:"start" binding:"required"`
	End    string `json:"end" binding:"required"`
	Guests int    `json:"guests"`
	Mode   string `json:"mode"`
}

type reservationResponse struct {
	BookingRef string  `json:"booking_ref"`
	PropertyID string  `json:"property_id"`
	Status     string  `json:"status"`
	Source     string  `json:"source"`
	Start      string  `json:"start"`
	End        string  `json:"end"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
}

type windowResponse struct {
	PropertyID string          `json:"property_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Ranges     []rangeResponse `json:"ranges"`
}

func NewReservationHandler(service reservation.ReservationUseCase) *ReservationHandler {
	return &ReservationHandler{service: service}
}

// Register mounts the routes under router, normally /api/v1.
func (h *ReservationHandler) Register(router *gin.RouterGroup) {
	router.POST("/properties/:id/reservations", h.reserve)
	router.GET("/properties/:id/blocks", h.blocks)
	router.GET("/properties/:id/free", h.free)
	router.POST("/reservations/:ref/confirm", h.confirm)
	router.DELETE("/reservations/:ref", h.cancel)
}

func (h *ReservationHandler) reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	start, err := domain.ParseDay(req.Start)
	if err != nil {
		writeError(c, &domain.InvalidRequestError{Field: "start", Reason: err.Error()})
		return
	}
	end, err := domain.ParseDay(req.End)
	if err != nil {
		writeError(c, &domain.InvalidRequestError{Field: "end", Reason: err.Error()})
		return
	}

	decision, err := h.service.CheckAndReserve(c.Request.Context(), reservation.ReserveInput{
		PropertyID: c.Param("id"),
		Start:      start,
		End:        end,
		Guests:     req.Guests,
		Mode:       domain.ReserveMode(req.Mode),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if !decision.Accepted() {
		writeError(c, decision.Err)
		return
	}

	resp := reservationResponse{
		BookingRef: decision.BookingRef,
		PropertyID: decision.PropertyID,
		Status:     string(decision.Status),
		Source:     string(decision.Source),
		Start:      decision.Interval.Start.Format(time.DateOnly),
		End:        decision.Interval.End.Format(time.DateOnly),
	}
	if decision.ExpiresAt != nil {
		exp := decision.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &exp
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *ReservationHandler) confirm(c *gin.Context) {
	r, err := h.service.Confirm(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservationResponse{
		BookingRef: r.SourceRef,
		PropertyID: r.PropertyID,
		Status:     string(domain.StateAccepted),
		Source:     string(r.Source),
		Start:      r.Interval.Start.Format(time.DateOnly),
		End:        r.Interval.End.Format(time.DateOnly),
	})
}

func (h *ReservationHandler) cancel(c *gin.Context) {
	cancelled, err := h.service.Cancel(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *ReservationHandler) blocks(c *gin.Context) {
	window, ok := parseWindow(c)
	if !ok {
		return
	}
	ranges, err := h.service.QueryBlocks(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWindowResponse(c.Param("id"), window, ranges))
}

func (h *ReservationHandler) free(c *gin.Context) {
	window, ok := parseWindow(c)
	if !ok {
		return
	}
	ranges, err := h.service.QueryFree(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWindowResponse(c.Param("id"), window, ranges))
}

// parseWindow reads ?from&to. Writes the 400 itself and reports false on bad input.
func parseWindow(c *gin.Context) (domain.Interval, bool) {
	from, err := domain.ParseDay(c.Query("from"))
	if err != nil {
		writeError(c, &domain.InvalidRequestError{Field: "from", Reason: err.Error()})
		return domain.Interval{}, false
	}
	to, err := domain.ParseDay(c.Query("to"))
	if err != nil {
		writeError(c, &domain.InvalidRequestError{Field: "to", Reason: err.Error()})
		return domain.Interval{}, false
	}
	window, err := domain.NewInterval(from, to)
	if err != nil {
		writeError(c, err)
		return domain.Interval{}, false
	}
	return window, true
}

func newWindowResponse(propertyID string, window domain.Interval, ranges []domain.Interval) windowResponse {
	return windowResponse{
		PropertyID: propertyID,
		From:       window.Start.Format(time.DateOnly),
		To:         window.End.Format(time.DateOnly),
		Ranges:     toRanges(ranges),
	}
}
