// Package monitor runs the full health sweep on a schedule, tracks
// per-component consecutive-failure streaks and raises debounced alerts when
// a streak crosses the threshold. It is the outward-facing observability
// surface of the resilience core: callers register callbacks, everything
// else is stats and logs.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/health"
	"github.com/storekeep/vigil/pkg/logging"
)

// Config is the immutable monitor policy.
type Config struct {
	// CheckInterval is the sleep between full sweeps
	CheckInterval time.Duration `yaml:"check_interval"`

	// AlertThreshold is the consecutive-ERROR streak that raises an alert
	AlertThreshold int `yaml:"alert_threshold"`

	// AlertCooldown is the minimum interval between two alerts for the
	// same component
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

// DefaultConfig returns the monitor policy for unattended operation.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  60 * time.Second,
		AlertThreshold: 3,
		AlertCooldown:  300 * time.Second,
	}
}

// Validate rejects unusable policy.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "check_interval must be positive, got %s", c.CheckInterval)
	}
	if c.AlertThreshold < 1 {
		return faults.Errorf(faults.CodeConfigInvalid, "alert_threshold must be at least 1, got %d", c.AlertThreshold)
	}
	if c.AlertCooldown < 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "alert_cooldown cannot be negative")
	}
	return nil
}

// Sweeper is the probe surface the monitor drives. *health.Checker
// implements it.
type Sweeper interface {
	CheckAll() health.Report
	Components() []string
}

// AlertFunc receives debounced per-component alerts.
type AlertFunc func(component string, result health.Result)

// StatusChangeFunc receives overall status transitions between sweeps.
type StatusChangeFunc func(old, new health.OverallStatus)

// Stats is the monitor's counter set, owned by its loop.
type Stats struct {
	Sweeps              uint64                   `json:"sweeps"`
	AlertsRaised        uint64                   `json:"alerts_raised"`
	Overall             health.OverallStatus     `json:"overall"`
	ConsecutiveFailures map[string]int           `json:"consecutive_failures"`
	LastAlertAt         map[string]time.Time     `json:"last_alert_at"`
}

// Monitor is the continuous health supervisor.
type Monitor struct {
	cfg     Config
	checker Sweeper
	logger  *logging.Logger

	mu           sync.Mutex
	streaks      map[string]int
	lastAlerts   map[string]time.Time
	lastOverall  health.OverallStatus
	lastReport   *health.Report
	sweeps       uint64
	alertsRaised uint64

	onAlert        []AlertFunc
	onStatusChange []StatusChangeFunc

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
}

// New creates a monitor over the given checker.
func New(cfg Config, checker Sweeper, logger *logging.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if checker == nil {
		return nil, faults.New(faults.CodeConfigInvalid, "health checker is required")
	}
	return &Monitor{
		cfg:         cfg,
		checker:     checker,
		logger:      logger,
		streaks:     make(map[string]int),
		lastAlerts:  make(map[string]time.Time),
		lastOverall: health.OverallHealthy,
	}, nil
}

// OnAlert registers a callback for debounced component alerts. Must be
// called before Start.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.onAlert = append(m.onAlert, fn)
}

// OnStatusChange registers a callback for overall status transitions. Must
// be called before Start.
func (m *Monitor) OnStatusChange(fn StatusChangeFunc) {
	m.onStatusChange = append(m.onStatusChange, fn)
}

// Start launches the sweep loop.
func (m *Monitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running.Load() {
		return fmt.Errorf("monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)
	m.paused.Store(false)

	go m.loop(ctx)
	m.logger.Infof("health monitor started, sweep every %s", m.cfg.CheckInterval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.running.Store(false)
	m.logger.Infof("health monitor stopped")
}

// Pause makes the loop skip sweeps until Resume.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume re-enables sweeps after Pause.
func (m *Monitor) Resume() { m.paused.Store(false) }

// IsRunning reports whether the sweep loop is active.
func (m *Monitor) IsRunning() bool { return m.running.Load() }

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.paused.Load() {
			continue
		}
		m.RunSweep()
	}
}

// RunSweep executes one full health sweep and applies the streak, alert and
// status-change policies. Exposed so callers can force an immediate sweep.
func (m *Monitor) RunSweep() health.Report {
	report := m.checker.CheckAll()

	m.mu.Lock()

	m.sweeps++
	m.lastReport = &report

	var alerts []struct {
		component string
		result    health.Result
	}

	for component, result := range report.Results {
		switch result.Status {
		case health.StatusError:
			m.streaks[component]++
		case health.StatusOK:
			m.streaks[component] = 0
		// WARNING and UNKNOWN leave the streak untouched: a transient
		// warning must not count as an outage, but it must not heal a
		// prior outage either.
		}

		if m.streaks[component] >= m.cfg.AlertThreshold {
			last, alerted := m.lastAlerts[component]
			if !alerted || time.Since(last) > m.cfg.AlertCooldown {
				m.lastAlerts[component] = time.Now()
				m.alertsRaised++
				alerts = append(alerts, struct {
					component string
					result    health.Result
				}{component, result})
			}
		}
	}

	oldOverall := m.lastOverall
	m.lastOverall = report.Overall
	statusChanged := oldOverall != report.Overall

	m.mu.Unlock()

	// Callbacks run outside the lock; they may call back into the monitor.
	for _, alert := range alerts {
		m.logger.Errorf("alert: component %s failing for %d consecutive sweeps: %s",
			alert.component, m.cfg.AlertThreshold, alert.result.Message)
		for _, fn := range m.onAlert {
			fn(alert.component, alert.result)
		}
	}
	if statusChanged {
		m.logger.Warnf("overall status changed: %s -> %s", oldOverall, report.Overall)
		for _, fn := range m.onStatusChange {
			fn(oldOverall, report.Overall)
		}
	}

	return report
}

// GetCurrentStatus returns the most recent sweep report, running a fresh
// sweep if none has completed yet.
func (m *Monitor) GetCurrentStatus() health.Report {
	m.mu.Lock()
	last := m.lastReport
	m.mu.Unlock()

	if last != nil {
		return *last
	}
	return m.RunSweep()
}

// Stats returns a read-only snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	streaks := make(map[string]int, len(m.streaks))
	for k, v := range m.streaks {
		streaks[k] = v
	}
	lastAlerts := make(map[string]time.Time, len(m.lastAlerts))
	for k, v := range m.lastAlerts {
		lastAlerts[k] = v
	}
	return Stats{
		Sweeps:              m.sweeps,
		AlertsRaised:        m.alertsRaised,
		Overall:             m.lastOverall,
		ConsecutiveFailures: streaks,
		LastAlertAt:         lastAlerts,
	}
}
