package bootstrap

import (
	"context"
	"net/http"
	"time"

	"github.com/Domenick1991/staysync/api"
	"github.com/Domenick1991/staysync/internal/service/feedsync"
	"github.com/Domenick1991/staysync/internal/service/reservation"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter mounts the JSON API under /api/v1 next to /metrics and /healthz.
func NewRouter(logger *zap.Logger, reg *prometheus.Registry, reservations reservation.ReservationUseCase, feeds feedsync.FeedSyncUseCase, deps ...Pinger) *gin.Engine {
	router := gin.New()
	router.Use(api.RequestLogger(logger.Named("http")), api.Recovery(logger))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	api.NewReservationHandler(reservations).Register(v1)
	api.NewFeedHandler(feeds).Register(v1)

	return router
}
