package stats

import (
	"context"

	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusAggregator exports tick outcomes as counters.
type PrometheusAggregator struct {
	items      *prometheus.CounterVec
	bytesSaved *prometheus.CounterVec
	ticks      *prometheus.CounterVec
}

// NewPrometheusAggregator registers its collectors with reg. It panics when
// registration fails, like promauto.
func NewPrometheusAggregator(reg prometheus.Registerer) *PrometheusAggregator {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusAggregator{
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "media",
				Subsystem: "batch",
				Name:      "items_total",
				Help:      "Items processed by batch sessions, by result.",
			},
			[]string{"kind", "result"},
		),
		bytesSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "media",
				Subsystem: "batch",
				Name:      "bytes_saved_total",
				Help:      "Bytes saved by optimization.",
			},
			[]string{"kind"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "media",
				Subsystem: "batch",
				Name:      "ticks_total",
				Help:      "Committed ticks.",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(p.items, p.bytesSaved, p.ticks)
	return p
}

func (p *PrometheusAggregator) RecordTick(ctx context.Context, kind models.SessionKind, d Delta) error {
	k := string(kind)
	p.ticks.WithLabelValues(k).Inc()
	p.items.WithLabelValues(k, "successful").Add(float64(d.Successful))
	p.items.WithLabelValues(k, "failed").Add(float64(d.Failed))
	if d.BytesSaved > 0 {
		p.bytesSaved.WithLabelValues(k).Add(float64(d.BytesSaved))
	}
	return nil
}
