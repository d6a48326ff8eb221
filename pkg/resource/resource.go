// Package resource enforces local-machine resource budgets for a long-lived
// automation process: process memory, free disk, open view count and scratch
// file accumulation. Checks are synchronous and fail open: if the metrics
// API is unavailable the limit is reported as satisfied and the condition is
// logged, because resource accounting must never itself take the session down.
package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/session"
)

// Limits is the static resource budget. Immutable after construction.
type Limits struct {
	// MaxMemoryMB is the hard process RSS ceiling
	MaxMemoryMB uint64 `yaml:"max_memory_mb"`

	// GCTriggerMemoryMB is the soft ceiling above which GC is triggered
	// opportunistically
	GCTriggerMemoryMB uint64 `yaml:"gc_trigger_memory_mb"`

	// MinDiskFreeGB is the free-space floor
	MinDiskFreeGB float64 `yaml:"min_disk_free_gb"`

	// MaxPageCount is how many views are retained when trimming
	MaxPageCount int `yaml:"max_page_count"`

	// MaxTempFileAge is how old a scratch file must be before cleanup
	MaxTempFileAge time.Duration `yaml:"max_temp_file_age"`

	// TempDirs are the scratch directories swept by cleanup
	TempDirs []string `yaml:"temp_dirs"`

	// TempPatterns are glob patterns selecting scratch files by name.
	// Empty matches nothing, keeping cleanup opt-in.
	TempPatterns []string `yaml:"temp_patterns"`

	// GCCooldown is the minimum interval between unforced GC triggers
	GCCooldown time.Duration `yaml:"gc_cooldown"`
}

// DefaultLimits returns the budget used for unattended operation.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:       4096,
		GCTriggerMemoryMB: 3072,
		MinDiskFreeGB:     5,
		MaxPageCount:      3,
		MaxTempFileAge:    24 * time.Hour,
		TempDirs:          []string{os.TempDir()},
		TempPatterns:      []string{"vigil-*", "playwright*"},
		GCCooldown:        60 * time.Second,
	}
}

// Validate rejects an unusable budget.
func (l Limits) Validate() error {
	if l.MaxMemoryMB == 0 {
		return fmt.Errorf("max_memory_mb must be positive")
	}
	if l.GCTriggerMemoryMB > l.MaxMemoryMB {
		return fmt.Errorf("gc_trigger_memory_mb (%d) cannot exceed max_memory_mb (%d)",
			l.GCTriggerMemoryMB, l.MaxMemoryMB)
	}
	if l.MinDiskFreeGB < 0 {
		return fmt.Errorf("min_disk_free_gb cannot be negative")
	}
	if l.MaxPageCount < 1 {
		return fmt.Errorf("max_page_count must be at least 1")
	}
	if l.GCCooldown < 0 {
		return fmt.Errorf("gc_cooldown cannot be negative")
	}
	for _, pattern := range l.TempPatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid temp pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Status is a fresh snapshot produced per call, never retained.
type Status struct {
	MemoryOK         bool      `json:"memory_ok"`
	MemoryMB         uint64    `json:"memory_mb"`
	DiskOK           bool      `json:"disk_ok"`
	DiskFreeGB       float64   `json:"disk_free_gb"`
	GCTriggered      bool      `json:"gc_triggered"`
	ViewsClosed      int       `json:"views_closed"`
	TempFilesRemoved int       `json:"temp_files_removed"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Manager performs resource checks and corrective actions with self-imposed
// cooldowns. It never restarts the driver itself; persistent over-budget
// conditions are reported for the watchdog to escalate.
type Manager struct {
	limits   Limits
	logger   *logging.Logger
	patterns []glob.Glob

	mu     sync.Mutex
	lastGC time.Time
}

// NewManager creates a manager with the given budget.
func NewManager(limits Limits, logger *logging.Logger) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	patterns := make([]glob.Glob, 0, len(limits.TempPatterns))
	for _, pattern := range limits.TempPatterns {
		patterns = append(patterns, glob.MustCompile(pattern))
	}
	return &Manager{limits: limits, logger: logger, patterns: patterns}, nil
}

// CheckMemory reports whether process RSS is within the hard limit, along
// with the current RSS in MB. Pure read, safe at any rate. Fails open when
// process metrics are unavailable.
func (m *Manager) CheckMemory() (bool, uint64) {
	rssMB, err := m.processRSSMB()
	if err != nil {
		m.logger.Warnf("memory metrics unavailable, assuming within limit: %v", err)
		return true, 0
	}
	return rssMB <= m.limits.MaxMemoryMB, rssMB
}

// CheckDisk reports whether free space on path is above the floor, along
// with the current free space in GB. Fails open on metrics failure.
func (m *Manager) CheckDisk(path string) (bool, float64) {
	if path == "" {
		path = os.TempDir()
	}
	usage, err := disk.Usage(path)
	if err != nil {
		m.logger.Warnf("disk metrics unavailable for %s, assuming within limit: %v", path, err)
		return true, 0
	}
	freeGB := float64(usage.Free) / (1 << 30)
	return freeGB >= m.limits.MinDiskFreeGB, freeGB
}

// TriggerGC collects garbage and returns memory to the OS. Refuses when
// invoked again within the cooldown unless forced; the cooldown clock resets
// only on a trigger that actually ran.
func (m *Manager) TriggerGC(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && m.limits.GCCooldown > 0 && !m.lastGC.IsZero() &&
		time.Since(m.lastGC) < m.limits.GCCooldown {
		m.logger.Debugf("GC refused, %s since last trigger (cooldown %s)",
			time.Since(m.lastGC).Round(time.Millisecond), m.limits.GCCooldown)
		return false
	}

	runtime.GC()
	debug.FreeOSMemory()
	m.lastGC = time.Now()
	m.logger.Debugf("GC triggered (force=%v)", force)
	return true
}

// CleanupTempFiles removes scratch files older than MaxTempFileAge from the
// configured directories. Best-effort per file: a delete failure is logged
// and the sweep continues. Returns the number of files removed.
func (m *Manager) CleanupTempFiles() int {
	cutoff := time.Now().Add(-m.limits.MaxTempFileAge)
	removed := 0

	for _, dir := range m.limits.TempDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			m.logger.Warnf("cannot read scratch dir %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !m.matchesTempPattern(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				m.logger.Warnf("failed to remove %s: %v", path, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		m.logger.Infof("removed %d expired scratch files", removed)
	}
	return removed
}

func (m *Manager) matchesTempPattern(name string) bool {
	for _, pattern := range m.patterns {
		if pattern.Match(name) {
			return true
		}
	}
	return false
}

// CloseExtraPages retains only the most recent MaxPageCount views.
func (m *Manager) CloseExtraPages(h session.Handle) int {
	if h == nil {
		return 0
	}
	closed, err := h.CloseViews(m.limits.MaxPageCount)
	if err != nil {
		m.logger.Warnf("failed to close extra views: %v", err)
		return 0
	}
	if closed > 0 {
		m.logger.Infof("closed %d extra views, keeping %d", closed, m.limits.MaxPageCount)
	}
	return closed
}

// EnforceLimits runs the full corrective sequence. Memory over the hard
// limit: trigger GC, close extra views, re-check; if still over, MemoryOK is
// left false for the caller to escalate. Memory between the GC trigger and
// the hard limit: opportunistic GC, not a failure. Disk below the floor:
// clean scratch files and re-check.
func (m *Manager) EnforceLimits(h session.Handle) Status {
	status := Status{CheckedAt: time.Now()}

	memOK, rssMB := m.CheckMemory()
	status.MemoryMB = rssMB
	switch {
	case !memOK:
		m.logger.Warnf("memory %dMB over %dMB limit, correcting", rssMB, m.limits.MaxMemoryMB)
		status.GCTriggered = m.TriggerGC(true)
		status.ViewsClosed = m.CloseExtraPages(h)
		memOK, rssMB = m.CheckMemory()
		status.MemoryMB = rssMB
		if !memOK {
			m.logger.Errorf("memory still %dMB over %dMB limit after correction", rssMB, m.limits.MaxMemoryMB)
		}
	case m.limits.GCTriggerMemoryMB > 0 && rssMB > m.limits.GCTriggerMemoryMB:
		status.GCTriggered = m.TriggerGC(false)
	}
	status.MemoryOK = memOK

	diskOK, freeGB := m.CheckDisk("")
	status.DiskFreeGB = freeGB
	if !diskOK {
		m.logger.Warnf("disk %.2fGB free below %.2fGB floor, cleaning scratch files",
			freeGB, m.limits.MinDiskFreeGB)
		status.TempFilesRemoved = m.CleanupTempFiles()
		diskOK, freeGB = m.CheckDisk("")
		status.DiskFreeGB = freeGB
	}
	status.DiskOK = diskOK

	return status
}

// GetStatus returns a snapshot of the current budgets without taking any
// corrective action.
func (m *Manager) GetStatus() Status {
	memOK, rssMB := m.CheckMemory()
	diskOK, freeGB := m.CheckDisk("")
	return Status{
		MemoryOK:   memOK,
		MemoryMB:   rssMB,
		DiskOK:     diskOK,
		DiskFreeGB: freeGB,
		CheckedAt:  time.Now(),
	}
}

func (m *Manager) processRSSMB() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return memInfo.RSS / (1 << 20), nil
}
