package health

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"gopkg.in/yaml.v3"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/session"
)

// Config holds the static probe policy. Immutable after construction.
type Config struct {
	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// NetworkTargets are URLs probed for outbound reachability
	NetworkTargets []string `yaml:"network_targets"`

	// NetworkTimeout bounds each reachability request
	NetworkTimeout time.Duration `yaml:"network_timeout"`

	// DiskPath is the filesystem checked for free space
	DiskPath string `yaml:"disk_path"`

	// MinDiskFreeGB is the free-space floor below which disk is unhealthy
	MinDiskFreeGB float64 `yaml:"min_disk_free_gb"`

	// MaxMemoryMB is the process RSS ceiling
	MaxMemoryMB uint64 `yaml:"max_memory_mb"`

	// DriverCachePath is where the browser driver is expected to be
	// installed. Empty skips the dependency probe detail.
	DriverCachePath string `yaml:"driver_cache_path"`

	// ConfigPath is the runtime configuration file checked for presence
	// and well-formedness. Empty means running on built-in defaults.
	ConfigPath string `yaml:"config_path"`
}

// DefaultConfig returns probe policy defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:   10 * time.Second,
		NetworkTargets: []string{"https://www.google.com"},
		NetworkTimeout: 5 * time.Second,
		DiskPath:       os.TempDir(),
		MinDiskFreeGB:  5,
		MaxMemoryMB:    4096,
	}
}

// Validate rejects unusable probe policy.
func (c Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("network_timeout must be positive, got %s", c.NetworkTimeout)
	}
	if c.MinDiskFreeGB < 0 {
		return fmt.Errorf("min_disk_free_gb cannot be negative")
	}
	return nil
}

// Checker runs classified health probes against the session handle and the
// local machine. Stateless: every call produces fresh results.
type Checker struct {
	cfg    Config
	handle session.Handle
	logger *logging.Logger
	client *http.Client
}

// NewChecker creates a checker bound to one session handle.
func NewChecker(cfg Config, handle session.Handle, logger *logging.Logger) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Checker{
		cfg:    cfg,
		handle: handle,
		logger: logger,
		client: &http.Client{Timeout: cfg.NetworkTimeout},
	}, nil
}

// Components lists every component this checker knows how to probe.
func (c *Checker) Components() []string {
	return []string{
		ComponentBrowser,
		ComponentSession,
		ComponentNetwork,
		ComponentDisk,
		ComponentMemory,
		ComponentDependencies,
		ComponentConfig,
	}
}

// Check runs a single probe. It never returns an error and never panics:
// internal faults become ERROR results carrying the fault text, and a probe
// that cannot complete within ProbeTimeout resolves to ERROR rather than
// hanging the caller.
func (c *Checker) Check(component string) Result {
	probe := c.probeFor(component)
	if probe == nil {
		return Result{
			Component: component,
			Status:    StatusUnknown,
			Message:   fmt.Sprintf("unknown component %q", component),
			Timestamp: time.Now(),
		}
	}

	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- c.errorResult(component, fmt.Sprintf("probe panicked: %v", r),
					map[string]interface{}{"code": string(faults.CodeProbeFailure)})
			}
		}()
		resultCh <- probe()
	}()

	select {
	case res := <-resultCh:
		return res
	case <-time.After(c.cfg.ProbeTimeout):
		return c.errorResult(component, fmt.Sprintf("probe timed out after %s", c.cfg.ProbeTimeout),
			map[string]interface{}{"code": string(faults.CodeProbeTimeout)})
	}
}

// CheckAll runs every probe concurrently and aggregates the sweep.
func (c *Checker) CheckAll() Report {
	components := c.Components()
	results := make(map[string]Result, len(components))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, component := range components {
		wg.Add(1)
		go func(component string) {
			defer wg.Done()
			res := c.Check(component)
			mu.Lock()
			results[component] = res
			mu.Unlock()
		}(component)
	}
	wg.Wait()

	return Report{
		Overall:   Aggregate(results),
		Results:   results,
		Timestamp: time.Now(),
	}
}

func (c *Checker) probeFor(component string) func() Result {
	switch component {
	case ComponentBrowser:
		return c.checkBrowser
	case ComponentSession:
		return c.checkSession
	case ComponentNetwork:
		return c.checkNetwork
	case ComponentDisk:
		return c.checkDisk
	case ComponentMemory:
		return c.checkMemory
	case ComponentDependencies:
		return c.checkDependencies
	case ComponentConfig:
		return c.checkConfig
	default:
		return nil
	}
}

func (c *Checker) okResult(component, message string, details map[string]interface{}) Result {
	return Result{
		Component: component,
		Status:    StatusOK,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

func (c *Checker) warnResult(component, message string, details map[string]interface{}) Result {
	return Result{
		Component: component,
		Status:    StatusWarning,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

func (c *Checker) errorResult(component, message string, details map[string]interface{}) Result {
	return Result{
		Component: component,
		Status:    StatusError,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// checkBrowser probes the driver process, context and views.
func (c *Checker) checkBrowser() Result {
	if c.handle == nil {
		return c.errorResult(ComponentBrowser, "no session handle", nil)
	}
	if !c.handle.IsDriverConnected() {
		return c.errorResult(ComponentBrowser, "driver not connected", nil)
	}
	if !c.handle.HasContext() {
		return c.errorResult(ComponentBrowser, "no browser context", nil)
	}
	views := c.handle.ViewCount()
	if views == 0 {
		return c.errorResult(ComponentBrowser, "no open views", nil)
	}
	return c.okResult(ComponentBrowser, "browser responsive", map[string]interface{}{
		"views": views,
	})
}

// checkSession probes that the authenticated session looks usable: the
// active view answers a trivial script and persisted auth state exists.
func (c *Checker) checkSession() Result {
	if c.handle == nil {
		return c.errorResult(ComponentSession, "no session handle", nil)
	}
	if !c.handle.HasActiveView() {
		return c.errorResult(ComponentSession, "no active view", nil)
	}

	start := time.Now()
	if _, err := c.handle.Evaluate("1 + 1", c.cfg.ProbeTimeout); err != nil {
		return c.errorResult(ComponentSession, fmt.Sprintf("view not responding: %v", err), nil)
	}
	details := map[string]interface{}{
		"response_time_ms": time.Since(start).Milliseconds(),
		"url":              c.handle.CurrentURL(),
	}

	if err := c.handle.LoadAuthState(); err != nil {
		details["auth_state"] = err.Error()
		return c.warnResult(ComponentSession, "no persisted auth state", details)
	}
	return c.okResult(ComponentSession, "session responsive", details)
}

// checkNetwork issues a HEAD request to each configured target. All targets
// down is an error; a partial outage is a warning.
func (c *Checker) checkNetwork() Result {
	if len(c.cfg.NetworkTargets) == 0 {
		return c.okResult(ComponentNetwork, "no targets configured", nil)
	}

	reachable := 0
	details := make(map[string]interface{}, len(c.cfg.NetworkTargets))
	for _, target := range c.cfg.NetworkTargets {
		start := time.Now()
		resp, err := c.client.Head(target)
		if err != nil {
			details[target] = err.Error()
			continue
		}
		resp.Body.Close()
		details[target] = fmt.Sprintf("%d in %s", resp.StatusCode, time.Since(start).Round(time.Millisecond))
		reachable++
	}

	switch {
	case reachable == 0:
		return c.errorResult(ComponentNetwork, "no targets reachable", details)
	case reachable < len(c.cfg.NetworkTargets):
		return c.warnResult(ComponentNetwork,
			fmt.Sprintf("%d of %d targets reachable", reachable, len(c.cfg.NetworkTargets)), details)
	default:
		return c.okResult(ComponentNetwork, "all targets reachable", details)
	}
}

// checkDisk verifies free space on the configured path. Metrics API failure
// degrades to a warning, never an error.
func (c *Checker) checkDisk() Result {
	path := c.cfg.DiskPath
	if path == "" {
		path = os.TempDir()
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return c.warnResult(ComponentDisk, fmt.Sprintf("disk metrics unavailable: %v", err), nil)
	}

	freeGB := float64(usage.Free) / (1 << 30)
	details := map[string]interface{}{
		"path":         path,
		"free_gb":      fmt.Sprintf("%.2f", freeGB),
		"used_percent": fmt.Sprintf("%.1f", usage.UsedPercent),
	}
	switch {
	case freeGB < c.cfg.MinDiskFreeGB:
		return c.errorResult(ComponentDisk,
			fmt.Sprintf("only %.2fGB free, need %.2fGB", freeGB, c.cfg.MinDiskFreeGB), details)
	case freeGB < 2*c.cfg.MinDiskFreeGB:
		return c.warnResult(ComponentDisk,
			fmt.Sprintf("%.2fGB free, approaching %.2fGB floor", freeGB, c.cfg.MinDiskFreeGB), details)
	default:
		return c.okResult(ComponentDisk, fmt.Sprintf("%.2fGB free", freeGB), details)
	}
}

// checkMemory verifies this process's RSS against the configured ceiling.
func (c *Checker) checkMemory() Result {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return c.warnResult(ComponentMemory, fmt.Sprintf("process metrics unavailable: %v", err), nil)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return c.warnResult(ComponentMemory, fmt.Sprintf("memory metrics unavailable: %v", err), nil)
	}

	rssMB := memInfo.RSS / (1 << 20)
	details := map[string]interface{}{
		"rss_mb":   rssMB,
		"limit_mb": c.cfg.MaxMemoryMB,
	}
	switch {
	case c.cfg.MaxMemoryMB > 0 && rssMB > c.cfg.MaxMemoryMB:
		return c.errorResult(ComponentMemory,
			fmt.Sprintf("RSS %dMB exceeds %dMB limit", rssMB, c.cfg.MaxMemoryMB), details)
	case c.cfg.MaxMemoryMB > 0 && rssMB > c.cfg.MaxMemoryMB*8/10:
		return c.warnResult(ComponentMemory,
			fmt.Sprintf("RSS %dMB above 80%% of %dMB limit", rssMB, c.cfg.MaxMemoryMB), details)
	default:
		return c.okResult(ComponentMemory, fmt.Sprintf("RSS %dMB", rssMB), details)
	}
}

// checkDependencies verifies the browser driver installation is present.
func (c *Checker) checkDependencies() Result {
	if c.cfg.DriverCachePath == "" {
		return c.okResult(ComponentDependencies, "no driver cache path configured", nil)
	}
	info, err := os.Stat(c.cfg.DriverCachePath)
	if err != nil {
		return c.errorResult(ComponentDependencies,
			fmt.Sprintf("driver cache missing: %v", err), nil)
	}
	if !info.IsDir() {
		return c.errorResult(ComponentDependencies,
			fmt.Sprintf("driver cache path %s is not a directory", c.cfg.DriverCachePath), nil)
	}
	return c.okResult(ComponentDependencies, "driver installation present", map[string]interface{}{
		"path": c.cfg.DriverCachePath,
	})
}

// checkConfig verifies the runtime configuration file is present and parses.
func (c *Checker) checkConfig() Result {
	if c.cfg.ConfigPath == "" {
		return c.warnResult(ComponentConfig, "no config file, running on defaults", nil)
	}
	data, err := os.ReadFile(c.cfg.ConfigPath)
	if err != nil {
		return c.errorResult(ComponentConfig, fmt.Sprintf("config unreadable: %v", err), nil)
	}
	var parsed map[string]interface{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return c.errorResult(ComponentConfig, fmt.Sprintf("config does not parse: %v", err), nil)
	}
	return c.okResult(ComponentConfig, "config present", map[string]interface{}{
		"path": c.cfg.ConfigPath,
	})
}
