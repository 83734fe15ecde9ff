package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the availability collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions    *prometheus.CounterVec
	lockWait     prometheus.Histogram
	feedSyncs    *prometheus.CounterVec
	degraded     *prometheus.GaugeVec
	holdsExpired prometheus.Counter
	panics       prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "staysync_reservation_decisions_total",
			Help: "Booking attempts by outcome.",
		}, []string{"status", "reason"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "staysync_property_lock_wait_seconds",
			Help:    "Time spent waiting for the per-property lock.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		feedSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "staysync_feed_syncs_total",
			Help: "External calendar syncs by resulting status.",
		}, []string{"status"}),
		degraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "staysync_property_feed_degraded",
			Help: "1 while the last external sync of a property failed.",
		}, []string{"property_id"}),
		holdsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "staysync_holds_expired_total",
			Help: "Holds removed by the expiry sweep.",
		}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "grpc_req_panics_recovered_total",
			Help: "Total number of gRPC requests recovered from internal panic.",
		}),
	}
}

func (m *Metrics) Decision(status, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) FeedSync(propertyID, status string, degraded bool) {
	if m == nil {
		return
	}
	m.feedSyncs.WithLabelValues(status).Inc()
	if degraded {
		m.degraded.WithLabelValues(propertyID).Set(1)
	} else {
		m.degraded.WithLabelValues(propertyID).Set(0)
	}
}

func (m *Metrics) HoldsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsExpired.Add(float64(n))
}

func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.panics.Inc()
}
