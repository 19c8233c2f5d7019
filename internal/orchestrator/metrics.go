package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's aggregate security state.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
	AlertsActive     prometheus.Gauge
	ThreatLevel      prometheus.Gauge
}

// NewMetrics registers the orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_security_events_total",
			Help: "Security events observed, by type and severity.",
		}, []string{"type", "severity"}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bastion_escalations_total",
			Help: "Alert escalations executed.",
		}),
		AlertsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_alerts_active",
			Help: "Alerts currently retained.",
		}),
		ThreatLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_threat_level",
			Help: "Derived threat level (0=low 1=medium 2=high 3=critical).",
		}),
	}
}
