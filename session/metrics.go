package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sends and their latency per driver.
type Metrics struct {
	sendsTotal   *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
}

// NewMetrics registers the session collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		sendsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailer_sends_total",
				Help: "Messages handed to a driver, by outcome.",
			}, []string{"driver", "result"},
		),
		sendDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailer_send_duration_seconds",
				Help:    "Time spent in driver Send.",
				Buckets: prometheus.DefBuckets,
			}, []string{"driver"},
		),
	}
}

func (m *Metrics) observe(driverName string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.sendsTotal.WithLabelValues(driverName, result).Inc()
	m.sendDuration.WithLabelValues(driverName).Observe(elapsed.Seconds())
}
