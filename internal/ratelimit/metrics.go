package ratelimit

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for governor decisions.
// All methods are safe on a nil receiver so the governor can run unmetered
// (tests construct it without collectors).
type Metrics struct {
	checks  *prometheus.CounterVec
	denials *prometheus.CounterVec
	charges *prometheus.CounterVec
	usage   *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics returns the process-wide governor collectors. promauto
// registers on the default registry, so this is a singleton.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			checks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skybot_governor_checks_total",
					Help: "Budget checks performed, by action kind and result",
				},
				[]string{"action", "allowed"},
			),
			denials: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skybot_governor_denials_total",
					Help: "Reservations denied, by exhausted window",
				},
				[]string{"window"},
			),
			charges: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skybot_governor_points_charged_total",
					Help: "Points charged to the budget, by action kind",
				},
				[]string{"action"},
			),
			usage: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "skybot_governor_window_usage_ratio",
					Help: "Current window usage as a fraction of the ceiling (0.0-1.0)",
				},
				[]string{"window"},
			),
		}
	})
	return metricsInst
}

func (m *Metrics) recordCheck(a Action, allowed bool) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(string(a), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) recordCharge(a Action, cost int) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(string(a)).Add(float64(cost))
}

func (m *Metrics) recordDenied(b Budget, cfg Config, cost int) {
	if m == nil {
		return
	}
	if b.HourlyPoints+cost > cfg.HourlyCeiling {
		m.denials.WithLabelValues("hourly").Inc()
	}
	if b.DailyPoints+cost > cfg.DailyCeiling {
		m.denials.WithLabelValues("daily").Inc()
	}
}

func (m *Metrics) observeUsage(b Budget, cfg Config) {
	if m == nil {
		return
	}
	if cfg.HourlyCeiling > 0 {
		m.usage.WithLabelValues("hourly").Set(float64(b.HourlyPoints) / float64(cfg.HourlyCeiling))
	}
	if cfg.DailyCeiling > 0 {
		m.usage.WithLabelValues("daily").Set(float64(b.DailyPoints) / float64(cfg.DailyCeiling))
	}
}
