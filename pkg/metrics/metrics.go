// Package metrics exports supervisor counters to Prometheus. The collector
// reads read-only stats snapshots at scrape time, so no metric plumbing
// leaks into the supervisor loops themselves.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storekeep/vigil/pkg/health"
	"github.com/storekeep/vigil/pkg/keeper"
	"github.com/storekeep/vigil/pkg/monitor"
	"github.com/storekeep/vigil/pkg/watchdog"
)

// Collector implements prometheus.Collector over the three supervisors.
// Any of the sources may be nil; their metrics are simply not emitted.
type Collector struct {
	watchdog *watchdog.Watchdog
	keeper   *keeper.Keeper
	monitor  *monitor.Monitor

	recoveriesDesc     *prometheus.Desc
	recoveryStreakDesc *prometheus.Desc
	refreshesDesc      *prometheus.Desc
	reloginsDesc       *prometheus.Desc
	refreshStreakDesc  *prometheus.Desc
	sweepsDesc         *prometheus.Desc
	alertsDesc         *prometheus.Desc
	componentDesc      *prometheus.Desc
	overallDesc        *prometheus.Desc
}

// NewCollector creates a collector over the given supervisors.
func NewCollector(wd *watchdog.Watchdog, kp *keeper.Keeper, mon *monitor.Monitor) *Collector {
	return &Collector{
		watchdog: wd,
		keeper:   kp,
		monitor:  mon,
		recoveriesDesc: prometheus.NewDesc(
			"vigil_recoveries_total",
			"Recovery episodes run by the watchdog.",
			[]string{"outcome"}, nil,
		),
		recoveryStreakDesc: prometheus.NewDesc(
			"vigil_recovery_failure_streak",
			"Current consecutive failed recovery episodes.",
			nil, nil,
		),
		refreshesDesc: prometheus.NewDesc(
			"vigil_session_refreshes_total",
			"Keep-alive refresh attempts by the session keeper.",
			[]string{"outcome"}, nil,
		),
		reloginsDesc: prometheus.NewDesc(
			"vigil_session_relogins_total",
			"Forced re-logins performed by the session keeper.",
			nil, nil,
		),
		refreshStreakDesc: prometheus.NewDesc(
			"vigil_refresh_failure_streak",
			"Current consecutive failed keep-alive refreshes.",
			nil, nil,
		),
		sweepsDesc: prometheus.NewDesc(
			"vigil_health_sweeps_total",
			"Full health sweeps run by the monitor.",
			nil, nil,
		),
		alertsDesc: prometheus.NewDesc(
			"vigil_health_alerts_total",
			"Debounced component alerts raised by the monitor.",
			nil, nil,
		),
		componentDesc: prometheus.NewDesc(
			"vigil_component_failure_streak",
			"Current consecutive-ERROR streak per health component.",
			[]string{"component"}, nil,
		),
		overallDesc: prometheus.NewDesc(
			"vigil_overall_health",
			"Overall health from the latest sweep: 0 healthy, 1 degraded, 2 unhealthy.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recoveriesDesc
	ch <- c.recoveryStreakDesc
	ch <- c.refreshesDesc
	ch <- c.reloginsDesc
	ch <- c.refreshStreakDesc
	ch <- c.sweepsDesc
	ch <- c.alertsDesc
	ch <- c.componentDesc
	ch <- c.overallDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.watchdog != nil {
		stats := c.watchdog.Stats()
		ch <- prometheus.MustNewConstMetric(c.recoveriesDesc, prometheus.CounterValue,
			float64(stats.SuccessfulRecoveries), "success")
		ch <- prometheus.MustNewConstMetric(c.recoveriesDesc, prometheus.CounterValue,
			float64(stats.FailedRecoveries), "failure")
		ch <- prometheus.MustNewConstMetric(c.recoveryStreakDesc, prometheus.GaugeValue,
			float64(stats.ConsecutiveFailures))
	}
	if c.keeper != nil {
		stats := c.keeper.Stats()
		ch <- prometheus.MustNewConstMetric(c.refreshesDesc, prometheus.CounterValue,
			float64(stats.RefreshSuccesses), "success")
		ch <- prometheus.MustNewConstMetric(c.refreshesDesc, prometheus.CounterValue,
			float64(stats.RefreshFailures), "failure")
		ch <- prometheus.MustNewConstMetric(c.reloginsDesc, prometheus.CounterValue,
			float64(stats.ReloginCount))
		ch <- prometheus.MustNewConstMetric(c.refreshStreakDesc, prometheus.GaugeValue,
			float64(stats.ConsecutiveFailures))
	}
	if c.monitor != nil {
		stats := c.monitor.Stats()
		ch <- prometheus.MustNewConstMetric(c.sweepsDesc, prometheus.CounterValue,
			float64(stats.Sweeps))
		ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.CounterValue,
			float64(stats.AlertsRaised))
		for component, streak := range stats.ConsecutiveFailures {
			ch <- prometheus.MustNewConstMetric(c.componentDesc, prometheus.GaugeValue,
				float64(streak), component)
		}
		ch <- prometheus.MustNewConstMetric(c.overallDesc, prometheus.GaugeValue,
			overallValue(stats.Overall))
	}
}

func overallValue(status health.OverallStatus) float64 {
	switch status {
	case health.OverallHealthy:
		return 0
	case health.OverallDegraded:
		return 1
	default:
		return 2
	}
}

// Handler returns a /metrics handler backed by a private registry holding
// only this collector.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
