package keeper

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/session"
)

// fakeHandle scripts the navigation surface of session.Handle. Navigating
// lands on landedURL when set, otherwise on the requested URL.
type fakeHandle struct {
	mu sync.Mutex

	currentURL string
	landedURL  string
	content    string
	contentErr error
	navErr     error

	navigations []string
	savedAuth   int
}

var _ session.Handle = (*fakeHandle)(nil)

func (h *fakeHandle) Navigate(url string, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.navErr != nil {
		return h.navErr
	}
	h.navigations = append(h.navigations, url)
	if h.landedURL != "" {
		h.currentURL = h.landedURL
	} else {
		h.currentURL = url
	}
	return nil
}

func (h *fakeHandle) CurrentURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentURL
}

func (h *fakeHandle) PageContent() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.content, h.contentErr
}

func (h *fakeHandle) SaveAuthState() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.savedAuth++
	return nil
}

func (h *fakeHandle) visited() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.navigations))
	copy(out, h.navigations)
	return out
}

func (h *fakeHandle) IsDriverConnected() bool { return true }
func (h *fakeHandle) HasContext() bool        { return true }
func (h *fakeHandle) HasActiveView() bool     { return true }
func (h *fakeHandle) ViewCount() int          { return 1 }

func (h *fakeHandle) Evaluate(script string, timeout time.Duration) (interface{}, error) {
	return 2, nil
}

func (h *fakeHandle) ReloadView(timeout time.Duration) error   { return nil }
func (h *fakeHandle) NewView() error                           { return nil }
func (h *fakeHandle) NewContext(preserveCookies bool) error    { return nil }
func (h *fakeHandle) RestartDriver() error                     { return nil }
func (h *fakeHandle) CloseViews(keepLastN int) (int, error)    { return 0, nil }
func (h *fakeHandle) LoadAuthState() error                     { return nil }

const probeURL = "https://erp.example.com/api/whoami"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.RefreshTimeout = 50 * time.Millisecond
	cfg.ProbeURL = probeURL
	return cfg
}

func newTestKeeper(t *testing.T, cfg Config, handle session.Handle, login session.LoginFunc) *Keeper {
	t.Helper()
	logger, _ := logging.NewLogger("keeper-test")
	t.Cleanup(func() { logger.Close() })

	k, err := New(cfg, handle, login, logger)
	require.NoError(t, err)
	return k
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.ProbeURL = probeURL },
		},
		{
			name:    "missing probe URL",
			mutate:  func(c *Config) {},
			wantErr: "probe_url",
		},
		{
			name: "zero refresh interval",
			mutate: func(c *Config) {
				c.ProbeURL = probeURL
				c.RefreshInterval = 0
			},
			wantErr: "refresh_interval",
		},
		{
			name: "zero failure ceiling",
			mutate: func(c *Config) {
				c.ProbeURL = probeURL
				c.MaxRefreshFailures = 0
			},
			wantErr: "max_refresh_failures",
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

func TestClassifyExpired(t *testing.T) {
	k := newTestKeeper(t, testConfig(), &fakeHandle{}, nil)

	tests := []struct {
		name    string
		url     string
		content string
		expired bool
	}{
		{
			name:    "authenticated dashboard",
			url:     "https://erp.example.com/dashboard",
			content: `<html><body><h1>Inventory</h1></body></html>`,
			expired: false,
		},
		{
			name:    "landed on login path",
			url:     "https://erp.example.com/login?from=session",
			content: `<html></html>`,
			expired: true,
		},
		{
			name:    "login path marker mid-path",
			url:     "https://erp.example.com/account/signin/start",
			content: `<html></html>`,
			expired: true,
		},
		{
			name: "redirect parameter on a non-login path",
			// The path alone looks harmless; the redirect parameter is what
			// gives the bounce away.
			url:     "https://erp.example.com/home?returnUrl=%2Fdashboard",
			content: `<html></html>`,
			expired: true,
		},
		{
			name:    "401 marker in body regardless of URL",
			url:     "https://erp.example.com/api/whoami",
			content: `{"error":"401","message":"token invalid"}`,
			expired: true,
		},
		{
			name:    "not-logged-in marker in body",
			url:     "https://erp.example.com/api/whoami",
			content: `<html><body>You are NOT LOGGED IN.</body></html>`,
			expired: true,
		},
		{
			name:    "password input on rendered page",
			url:     "https://erp.example.com/welcome",
			content: `<html><body><form><input type="PASSWORD" name="pwd"></form></body></html>`,
			expired: true,
		},
		{
			name:    "form posting to login endpoint",
			url:     "https://erp.example.com/welcome",
			content: `<html><body><form action="/user/LOGIN/submit"><input type="text"></form></body></html>`,
			expired: true,
		},
		{
			name:    "empty redirect parameter does not fire",
			url:     "https://erp.example.com/home?returnUrl=",
			content: `<html></html>`,
			expired: false,
		},
		{
			name:    "unparseable body is not a login form",
			url:     "https://erp.example.com/api/whoami",
			content: "\x00\x01\x02",
			expired: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expired, reason := k.classifyExpired(tt.url, tt.content)
			assert.Equal(t, tt.expired, expired)
			if tt.expired {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestForceRefresh_Success(t *testing.T) {
	handle := &fakeHandle{
		currentURL: "https://erp.example.com/items/edit/42",
		content:    `<html><body>whoami ok</body></html>`,
	}
	k := newTestKeeper(t, testConfig(), handle, nil)

	require.True(t, k.ForceRefresh())

	// Probe first, then back to where the workflow was.
	assert.Equal(t, []string{probeURL, "https://erp.example.com/items/edit/42"}, handle.visited())
	assert.Equal(t, 1, handle.savedAuth)

	stats := k.Stats()
	assert.Equal(t, uint64(1), stats.RefreshAttempts)
	assert.Equal(t, uint64(1), stats.RefreshSuccesses)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.False(t, stats.LastRefreshAt.IsZero())
}

func TestForceRefresh_NoNavigateBackFromBlankPage(t *testing.T) {
	handle := &fakeHandle{
		currentURL: "about:blank",
		content:    `<html></html>`,
	}
	k := newTestKeeper(t, testConfig(), handle, nil)

	require.True(t, k.ForceRefresh())
	assert.Equal(t, []string{probeURL}, handle.visited())
}

func TestForceRefresh_NavigationFailure(t *testing.T) {
	handle := &fakeHandle{navErr: fmt.Errorf("net::ERR_CONNECTION_REFUSED")}
	k := newTestKeeper(t, testConfig(), handle, nil)

	assert.False(t, k.ForceRefresh())

	stats := k.Stats()
	assert.Equal(t, uint64(1), stats.RefreshFailures)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.Equal(t, 0, handle.savedAuth)
}

func TestForceRefresh_ExpiredSessionCountsAsFailure(t *testing.T) {
	handle := &fakeHandle{
		currentURL: "https://erp.example.com/items",
		landedURL:  "https://erp.example.com/login?returnUrl=%2Fapi%2Fwhoami",
		content:    `<html></html>`,
	}
	k := newTestKeeper(t, testConfig(), handle, nil)

	assert.False(t, k.ForceRefresh())
	assert.Equal(t, 1, k.Stats().ConsecutiveFailures)
	// Expired sessions must never overwrite good persisted credentials.
	assert.Equal(t, 0, handle.savedAuth)
}

// Two consecutive failed refreshes with max_refresh_failures=2 force exactly
// one re-login; success resets the streak and bumps relogin_count.
func TestRelogin_TriggeredAtFailureCeiling(t *testing.T) {
	handle := &fakeHandle{navErr: fmt.Errorf("timeout")}

	var mu sync.Mutex
	loginCalls := 0
	login := func(h session.Handle) error {
		mu.Lock()
		defer mu.Unlock()
		loginCalls++
		return nil
	}

	cfg := testConfig()
	cfg.MaxRefreshFailures = 2
	k := newTestKeeper(t, cfg, handle, login)

	assert.False(t, k.ForceRefresh())
	mu.Lock()
	assert.Equal(t, 0, loginCalls, "relogin must not fire below the ceiling")
	mu.Unlock()

	assert.False(t, k.ForceRefresh())
	mu.Lock()
	assert.Equal(t, 1, loginCalls)
	mu.Unlock()

	stats := k.Stats()
	assert.Equal(t, uint64(1), stats.ReloginCount)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, uint64(2), stats.RefreshFailures)
}

func TestRelogin_FailureLeavesStreakElevated(t *testing.T) {
	handle := &fakeHandle{navErr: fmt.Errorf("timeout")}

	loginCalls := 0
	login := func(h session.Handle) error {
		loginCalls++
		return faults.New(faults.CodeReloginFailure, "captcha wall")
	}

	cfg := testConfig()
	cfg.MaxRefreshFailures = 2
	k := newTestKeeper(t, cfg, handle, login)

	k.ForceRefresh()
	k.ForceRefresh()
	require.Equal(t, 1, loginCalls)

	stats := k.Stats()
	assert.Equal(t, uint64(0), stats.ReloginCount)
	assert.Equal(t, 2, stats.ConsecutiveFailures)

	// Streak is still at the ceiling, so the next failed cycle retries the
	// re-login rather than waiting for another full streak.
	k.ForceRefresh()
	assert.Equal(t, 2, loginCalls)
}

func TestRelogin_DisabledByPolicy(t *testing.T) {
	handle := &fakeHandle{navErr: fmt.Errorf("timeout")}

	loginCalls := 0
	login := func(h session.Handle) error {
		loginCalls++
		return nil
	}

	cfg := testConfig()
	cfg.MaxRefreshFailures = 1
	cfg.ReloginOnFailure = false
	k := newTestKeeper(t, cfg, handle, login)

	k.ForceRefresh()
	assert.Equal(t, 0, loginCalls)
	assert.Equal(t, 1, k.Stats().ConsecutiveFailures)
}

func TestRelogin_NoCollaboratorIsNotFatal(t *testing.T) {
	handle := &fakeHandle{navErr: fmt.Errorf("timeout")}

	cfg := testConfig()
	cfg.MaxRefreshFailures = 1
	k := newTestKeeper(t, cfg, handle, nil)

	assert.NotPanics(t, func() { k.ForceRefresh() })
	assert.Equal(t, uint64(0), k.Stats().ReloginCount)
}

func TestKeeper_LoopRefreshesPeriodically(t *testing.T) {
	handle := &fakeHandle{
		currentURL: "https://erp.example.com/items",
		content:    `<html><body>ok</body></html>`,
	}
	k := newTestKeeper(t, testConfig(), handle, nil)

	require.NoError(t, k.Start())
	defer k.Stop()

	require.Eventually(t, func() bool {
		return k.Stats().RefreshSuccesses >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestKeeper_PauseSkipsCycles(t *testing.T) {
	handle := &fakeHandle{
		currentURL: "https://erp.example.com/items",
		content:    `<html><body>ok</body></html>`,
	}
	k := newTestKeeper(t, testConfig(), handle, nil)

	require.NoError(t, k.Start())
	defer k.Stop()
	k.Pause()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, uint64(0), k.Stats().RefreshAttempts)

	k.Resume()
	require.Eventually(t, func() bool {
		return k.Stats().RefreshAttempts > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestKeeper_StartTwiceFails(t *testing.T) {
	k := newTestKeeper(t, testConfig(), &fakeHandle{}, nil)

	require.NoError(t, k.Start())
	defer k.Stop()
	assert.Error(t, k.Start())
}
