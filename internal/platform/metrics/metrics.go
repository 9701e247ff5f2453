// Package metrics holds the service's Prometheus collectors and the
// echo route that exposes them.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's counters. A fresh registry per
// instance keeps tests independent.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived prometheus.Counter
	Predictions      prometheus.Counter
	PagesSent        prometheus.Counter
	PagesFailed      prometheus.Counter
	Acks             *prometheus.CounterVec
	FramingErrors    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_messages_received_total",
			Help: "Total number of HL7 messages received",
		}),
		Predictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aki_predictions_total",
			Help: "Total number of AKI predictions made",
		}),
		PagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aki_pages_sent_total",
			Help: "Total number of AKI event pages delivered",
		}),
		PagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aki_pages_failed_total",
			Help: "Total number of AKI event pages that permanently failed",
		}),
		Acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_acks_total",
			Help: "Total number of acknowledgments written, by code",
		}, []string{"code"}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mllp_framing_errors_total",
			Help: "Total number of connections closed for framing violations",
		}),
	}
	m.registry.MustRegister(
		m.MessagesReceived, m.Predictions, m.PagesSent, m.PagesFailed, m.Acks, m.FramingErrors,
	)
	return m
}

// RegisterRoutes exposes GET /metrics in Prometheus text format.
func (m *Metrics) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
}
