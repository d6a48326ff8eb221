// Package health provides on-demand, classified probes of the automation
// session and its environment. Probes are stateless and side-effect free
// apart from small outbound reachability requests; each produces exactly one
// Result and never panics past its own boundary.
package health

import "time"

// Status classifies the outcome of a single probe.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// Component names for the built-in probes.
const (
	ComponentBrowser      = "browser"
	ComponentSession      = "session"
	ComponentNetwork      = "network"
	ComponentDisk         = "disk"
	ComponentMemory       = "memory"
	ComponentDependencies = "dependencies"
	ComponentConfig       = "config"
)

// Result is the immutable outcome of one probe run.
type Result struct {
	Component string                 `json:"component"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Healthy treats OK and WARNING as passing.
func (r Result) Healthy() bool {
	return r.Status == StatusOK || r.Status == StatusWarning
}

// OverallStatus aggregates a full sweep.
type OverallStatus string

const (
	OverallHealthy   OverallStatus = "healthy"
	OverallDegraded  OverallStatus = "degraded"
	OverallUnhealthy OverallStatus = "unhealthy"
)

// Report is the aggregate of one full sweep across all components.
type Report struct {
	Overall   OverallStatus     `json:"overall"`
	Results   map[string]Result `json:"results"`
	Timestamp time.Time         `json:"timestamp"`
}

// Aggregate applies the precedence rule: any ERROR makes the sweep
// unhealthy, else any WARNING makes it degraded.
func Aggregate(results map[string]Result) OverallStatus {
	overall := OverallHealthy
	for _, res := range results {
		switch res.Status {
		case StatusError, StatusUnknown:
			return OverallUnhealthy
		case StatusWarning:
			overall = OverallDegraded
		}
	}
	return overall
}
