package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error     string          `json:"error"`
	Field     string          `json:"field,omitempty"`
	Conflicts []rangeResponse `json:"conflicts,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

type rangeResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func toRanges(in []domain.Interval) []rangeResponse {
	out := make([]rangeResponse, 0, len(in))
	for _, iv := range in {
		out = append(out, rangeResponse{Start: iv.Start.Format(time.DateOnly), End: iv.End.Format(time.DateOnly)})
	}
	return out
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		invalidReq  *domain.InvalidRequestError
		invalidRng  *domain.InvalidRangeError
		unavailable *domain.DateRangeUnavailableError
		conflict    *domain.RangeConflictError
		lockTimeout *domain.LockTimeoutError
	)

	switch {
	case errors.As(err, &invalidReq):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Field: invalidReq.Field})
	case errors.As(err, &invalidRng), errors.Is(err, domain.ErrInvalidFeedURL):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Conflicts: toRanges(unavailable.Conflicts)})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &lockTimeout):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(lockTimeout.Waited)))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Retryable: true})
	case errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrFeedNotRegistered):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func retryAfterSeconds(waited time.Duration) int {
	s := int(waited.Round(time.Second) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}
