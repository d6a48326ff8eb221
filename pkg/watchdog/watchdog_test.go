package watchdog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/resource"
	"github.com/storekeep/vigil/pkg/session"
)

// fakeHandle is a scriptable session.Handle. Zero value is fully healthy.
type fakeHandle struct {
	mu sync.Mutex

	driverDown    bool
	contextGone   bool
	viewGone      bool
	evaluateErr   error
	reloadErr     error
	newViewErr    error
	newContextErr error
	restartErr    error

	calls []string

	// onRestart lets a test repair (or re-break) the handle when the
	// restart action runs.
	onRestart func(h *fakeHandle)
}

var _ session.Handle = (*fakeHandle)(nil)

func (h *fakeHandle) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *fakeHandle) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *fakeHandle) IsDriverConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.driverDown
}

func (h *fakeHandle) HasContext() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.driverDown && !h.contextGone
}

func (h *fakeHandle) HasActiveView() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.driverDown && !h.contextGone && !h.viewGone
}

func (h *fakeHandle) ViewCount() int {
	if h.HasActiveView() {
		return 1
	}
	return 0
}

func (h *fakeHandle) Evaluate(script string, timeout time.Duration) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evaluateErr != nil {
		return nil, h.evaluateErr
	}
	return 2, nil
}

func (h *fakeHandle) ReloadView(timeout time.Duration) error {
	h.record("reload_view")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloadErr
}

func (h *fakeHandle) NewView() error {
	h.record("new_view")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.newViewErr != nil {
		return h.newViewErr
	}
	h.viewGone = false
	return nil
}

func (h *fakeHandle) NewContext(preserveCookies bool) error {
	h.record("new_context")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.newContextErr != nil {
		return h.newContextErr
	}
	h.contextGone = false
	h.viewGone = false
	return nil
}

func (h *fakeHandle) RestartDriver() error {
	h.record("restart_driver")
	h.mu.Lock()
	onRestart := h.onRestart
	err := h.restartErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if onRestart != nil {
		onRestart(h)
	} else {
		h.mu.Lock()
		h.driverDown = false
		h.contextGone = false
		h.viewGone = false
		h.mu.Unlock()
	}
	return nil
}

func (h *fakeHandle) CloseViews(keepLastN int) (int, error) {
	h.record("close_views")
	return 0, nil
}

func (h *fakeHandle) SaveAuthState() error { return nil }
func (h *fakeHandle) LoadAuthState() error { return nil }

func (h *fakeHandle) Navigate(url string, timeout time.Duration) error {
	h.record("navigate")
	return nil
}

func (h *fakeHandle) CurrentURL() string          { return "https://erp.example.com/items" }
func (h *fakeHandle) PageContent() (string, error) { return "<html></html>", nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PageResponseTimeout = 50 * time.Millisecond
	cfg.ActionTimeout = 50 * time.Millisecond
	cfg.RecoveryBackoff = time.Millisecond
	return cfg
}

func newTestWatchdog(t *testing.T, cfg Config, handle session.Handle, opts ...Option) *Watchdog {
	t.Helper()
	logger, _ := logging.NewLogger("watchdog-test")
	t.Cleanup(func() { logger.Close() })

	w, err := New(cfg, handle, logger, opts...)
	require.NoError(t, err)
	return w
}

func TestRecoveryLevel_String(t *testing.T) {
	tests := []struct {
		level    RecoveryLevel
		expected string
	}{
		{LevelRefreshView, "refresh_view"},
		{LevelNewView, "new_view"},
		{LevelNewContext, "new_context"},
		{LevelRestartDriver, "restart_driver"},
		{LevelFullReauthenticate, "full_reauthenticate"},
		{RecoveryLevel(0), "none"},
		{RecoveryLevel(99), "none"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestRecoveryLevel_Ordering(t *testing.T) {
	assert.True(t, LevelRefreshView < LevelNewView)
	assert.True(t, LevelNewView < LevelNewContext)
	assert.True(t, LevelNewContext < LevelRestartDriver)
	assert.True(t, LevelRestartDriver < LevelFullReauthenticate)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "negative page response timeout",
			mutate:  func(c *Config) { c.PageResponseTimeout = -time.Second },
			wantErr: "page_response_timeout",
		},
		{
			name:    "zero recovery attempts",
			mutate:  func(c *Config) { c.MaxRecoveryAttempts = 0 },
			wantErr: "max_recovery_attempts",
		},
		{
			name:    "zero consecutive failure ceiling",
			mutate:  func(c *Config) { c.MaxConsecutiveFailures = 0 },
			wantErr: "max_consecutive_failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheckHealth_MinimumLevel(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*fakeHandle)
		wantHealthy bool
		wantLevel   RecoveryLevel
	}{
		{
			name:        "healthy",
			setup:       func(h *fakeHandle) {},
			wantHealthy: true,
		},
		{
			name:      "driver disconnected requires restart",
			setup:     func(h *fakeHandle) { h.driverDown = true },
			wantLevel: LevelRestartDriver,
		},
		{
			name:      "missing context requires new context",
			setup:     func(h *fakeHandle) { h.contextGone = true },
			wantLevel: LevelNewContext,
		},
		{
			name:      "missing view requires new view",
			setup:     func(h *fakeHandle) { h.viewGone = true },
			wantLevel: LevelNewView,
		},
		{
			name:      "unresponsive view requires refresh",
			setup:     func(h *fakeHandle) { h.evaluateErr = fmt.Errorf("target closed") },
			wantLevel: LevelRefreshView,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := &fakeHandle{}
			tt.setup(handle)
			w := newTestWatchdog(t, testConfig(), handle)

			healthy, level := w.CheckHealth()
			assert.Equal(t, tt.wantHealthy, healthy)
			if !tt.wantHealthy {
				assert.Equal(t, tt.wantLevel, level)
			}
		})
	}
}

// A driver-disconnected condition must enter the ladder directly at
// restart_driver: cheaper levels are never attempted.
func TestForceRecovery_StartsAtMinimumLevel(t *testing.T) {
	handle := &fakeHandle{driverDown: true}
	w := newTestWatchdog(t, testConfig(), handle)

	level := LevelRestartDriver
	ok := w.ForceRecovery(&level)
	require.True(t, ok)

	calls := handle.recorded()
	assert.Equal(t, []string{"restart_driver"}, calls)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalRecoveries)
	assert.Equal(t, uint64(1), stats.SuccessfulRecoveries)
	assert.Equal(t, LevelRestartDriver, stats.LastRecoveryLevel)
}

// The full ladder never skips a level and never regresses: with every action
// below restart failing, the recorded actions must be ascending.
func TestForceRecovery_EscalatesInAscendingOrder(t *testing.T) {
	handle := &fakeHandle{
		evaluateErr:   fmt.Errorf("page dead"),
		reloadErr:     fmt.Errorf("reload refused"),
		newViewErr:    fmt.Errorf("no new view"),
		newContextErr: fmt.Errorf("no new context"),
	}
	handle.onRestart = func(h *fakeHandle) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.driverDown = false
		h.contextGone = false
		h.viewGone = false
		h.evaluateErr = nil
	}

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 1
	w := newTestWatchdog(t, cfg, handle)

	ok := w.ForceRecovery(nil)
	require.True(t, ok)

	calls := handle.recorded()
	require.Equal(t, []string{"reload_view", "new_view", "new_context", "restart_driver"}, calls)

	stats := w.Stats()
	assert.Equal(t, LevelRestartDriver, stats.LastRecoveryLevel)
}

func TestForceRecovery_ExplicitLevelOnly(t *testing.T) {
	handle := &fakeHandle{viewGone: true}
	w := newTestWatchdog(t, testConfig(), handle)

	level := LevelNewView
	ok := w.ForceRecovery(&level)
	require.True(t, ok)
	assert.Equal(t, []string{"new_view"}, handle.recorded())
}

func TestForceRecovery_ExhaustedWithoutLogin(t *testing.T) {
	handle := &fakeHandle{
		driverDown: true,
		restartErr: fmt.Errorf("driver will not start"),
	}
	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 1
	w := newTestWatchdog(t, cfg, handle)

	level := LevelRestartDriver
	ok := w.ForceRecovery(&level)
	assert.False(t, ok)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalRecoveries)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	assert.Equal(t, uint64(0), stats.SuccessfulRecoveries)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
}

func TestForceRecovery_RetriesPerLevel(t *testing.T) {
	attempts := 0
	handle := &fakeHandle{driverDown: true}
	handle.onRestart = func(h *fakeHandle) {
		attempts++
		if attempts < 2 {
			return // stays broken on the first attempt
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.driverDown = false
	}

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 3
	w := newTestWatchdog(t, cfg, handle)

	level := LevelRestartDriver
	ok := w.ForceRecovery(&level)
	require.True(t, ok)
	assert.Equal(t, 2, attempts)
}

func TestFullReauthenticate_RequiresLoginCollaborator(t *testing.T) {
	handle := &fakeHandle{}
	w := newTestWatchdog(t, testConfig(), handle)

	err := w.applyRecovery(LevelFullReauthenticate)
	require.Error(t, err)
	assert.True(t, faults.HasCode(err, faults.CodeReloginFailure))
}

func TestFullReauthenticate_RunsLogin(t *testing.T) {
	handle := &fakeHandle{}
	loginCalls := 0
	w := newTestWatchdog(t, testConfig(), handle,
		WithLogin(func(h session.Handle) error {
			loginCalls++
			return nil
		}))

	err := w.applyRecovery(LevelFullReauthenticate)
	require.NoError(t, err)
	assert.Equal(t, 1, loginCalls)
	assert.Contains(t, handle.recorded(), "restart_driver")
}

// Three consecutive liveness failures, each requiring a driver restart that
// succeeds on its single allowed attempt, must yield exactly three recorded,
// successful recovery episodes.
func TestWatchdog_EndToEndRepeatedRecovery(t *testing.T) {
	handle := &fakeHandle{driverDown: true}

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 1
	w := newTestWatchdog(t, cfg, handle)

	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 3; i++ {
		handle.mu.Lock()
		handle.driverDown = true
		handle.mu.Unlock()

		expected := uint64(i + 1)
		require.Eventually(t, func() bool {
			return w.Stats().SuccessfulRecoveries == expected
		}, 2*time.Second, 5*time.Millisecond, "recovery %d never completed", i+1)
	}

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.TotalRecoveries)
	assert.Equal(t, uint64(3), stats.SuccessfulRecoveries)
	assert.Equal(t, uint64(0), stats.FailedRecoveries)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, LevelRestartDriver, stats.LastRecoveryLevel)
}

func TestWatchdog_SelfStopsAtFailureCeiling(t *testing.T) {
	handle := &fakeHandle{
		driverDown: true,
		restartErr: fmt.Errorf("driver will not start"),
	}

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 1
	cfg.MaxConsecutiveFailures = 2

	var mu sync.Mutex
	var failures []error
	w := newTestWatchdog(t, cfg, handle,
		WithFailureCallback(func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}))

	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return !w.IsRunning()
	}, 2*time.Second, 5*time.Millisecond, "watchdog never self-stopped")

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.ConsecutiveFailures, 2)
	assert.Equal(t, uint64(0), stats.SuccessfulRecoveries)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, failures)
	last := failures[len(failures)-1]
	assert.True(t, faults.HasCode(last, faults.CodeRecoveryExhausted))
}

// Memory still over budget after corrective action surfaces through the
// failure callback as a coded resource-exhaustion error.
func TestWatchdog_SurfacesResourceExhaustion(t *testing.T) {
	limits := resource.DefaultLimits()
	limits.MaxMemoryMB = 1 // any real process is over this
	limits.GCTriggerMemoryMB = 1
	limits.MinDiskFreeGB = 0

	logger, _ := logging.NewLogger("watchdog-test")
	t.Cleanup(func() { logger.Close() })
	rm, err := resource.NewManager(limits, logger)
	require.NoError(t, err)

	var mu sync.Mutex
	var failures []error
	w := newTestWatchdog(t, testConfig(), &fakeHandle{},
		WithResourceManager(rm),
		WithFailureCallback(func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}))

	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, err := range failures {
			if faults.HasCode(err, faults.CodeResourceExhausted) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The handle itself is healthy, so no recovery episodes were run.
	assert.Equal(t, uint64(0), w.Stats().TotalRecoveries)
}

func TestWatchdog_PauseSkipsCycles(t *testing.T) {
	handle := &fakeHandle{driverDown: true}
	w := newTestWatchdog(t, testConfig(), handle)

	require.NoError(t, w.Start())
	defer w.Stop()
	w.Pause()

	// Give the loop several heartbeats while paused.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, uint64(0), w.Stats().TotalRecoveries)
	assert.Empty(t, handle.recorded())

	w.Resume()
	require.Eventually(t, func() bool {
		return w.Stats().TotalRecoveries > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchdog_RecoveryCooldownThrottlesEpisodes(t *testing.T) {
	handle := &fakeHandle{
		driverDown: true,
		restartErr: fmt.Errorf("driver will not start"),
	}

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 1
	cfg.RecoveryCooldown = time.Hour

	w := newTestWatchdog(t, cfg, handle)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.Stats().TotalRecoveries == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Several further heartbeats must not start a second episode.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, uint64(1), w.Stats().TotalRecoveries)
}

func TestWatchdog_StartTwiceFails(t *testing.T) {
	handle := &fakeHandle{}
	w := newTestWatchdog(t, testConfig(), handle)

	require.NoError(t, w.Start())
	defer w.Stop()
	assert.Error(t, w.Start())
}

func TestWatchdog_StopIsIdempotent(t *testing.T) {
	handle := &fakeHandle{}
	w := newTestWatchdog(t, testConfig(), handle)

	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
}
