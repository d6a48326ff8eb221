package monitor

import (
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/storekeep/vigil/pkg/health"
)

// Handler returns an HTTP handler exposing /live and /ready endpoints backed
// by the latest sweep. Liveness tracks the monitor loop itself; readiness
// tracks every probed component, reporting a component as down while its
// most recent result is ERROR.
func (m *Monitor) Handler() http.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("monitor-loop", func() error {
		if !m.IsRunning() {
			return fmt.Errorf("monitor loop not running")
		}
		return nil
	})

	for _, component := range m.checker.Components() {
		component := component
		h.AddReadinessCheck(component, func() error {
			m.mu.Lock()
			last := m.lastReport
			m.mu.Unlock()

			if last == nil {
				return fmt.Errorf("no sweep completed yet")
			}
			result, ok := last.Results[component]
			if !ok {
				return fmt.Errorf("component %s not probed", component)
			}
			if result.Status == health.StatusError {
				return fmt.Errorf("%s", result.Message)
			}
			return nil
		})
	}

	return h
}
