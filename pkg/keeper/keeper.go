// Package keeper periodically proves the authenticated session is still
// valid by exercising it against a lightweight "who am I" endpoint. Repeated
// failures force a full re-authentication through the login collaborator.
package keeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/session"
)

// Config is the immutable session-keeper policy.
type Config struct {
	// RefreshInterval is the sleep between keep-alive probes
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// RefreshTimeout bounds the probe navigation
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// ProbeURL is the lightweight authenticated endpoint exercised each
	// cycle
	ProbeURL string `yaml:"probe_url"`

	// MaxRefreshFailures is the consecutive-failure streak at which a
	// full re-login is forced
	MaxRefreshFailures int `yaml:"max_refresh_failures"`

	// ReloginOnFailure enables the forced re-login escalation
	ReloginOnFailure bool `yaml:"relogin_on_failure"`

	// LoginPathMarkers are URL path fragments that identify the login page
	LoginPathMarkers []string `yaml:"login_path_markers"`

	// RedirectParams are query parameters the site uses to carry a
	// post-login redirect target
	RedirectParams []string `yaml:"redirect_params"`

	// UnauthorizedMarkers are body substrings that signal an expired
	// session regardless of URL
	UnauthorizedMarkers []string `yaml:"unauthorized_markers"`
}

// DefaultConfig returns the keeper policy for unattended operation.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:     30 * time.Minute,
		RefreshTimeout:      30 * time.Second,
		MaxRefreshFailures:  3,
		ReloginOnFailure:    true,
		LoginPathMarkers:    []string{"/login", "/signin", "/passport"},
		RedirectParams:      []string{"redirect", "redirect_url", "returnUrl", "return_url", "next"},
		UnauthorizedMarkers: []string{"401", "unauthorized", "not logged in"},
	}
}

// Validate rejects unusable policy.
func (c Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	if c.RefreshTimeout <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "refresh_timeout must be positive, got %s", c.RefreshTimeout)
	}
	if c.ProbeURL == "" {
		return faults.New(faults.CodeConfigInvalid, "probe_url is required")
	}
	if c.MaxRefreshFailures < 1 {
		return faults.Errorf(faults.CodeConfigInvalid, "max_refresh_failures must be at least 1, got %d", c.MaxRefreshFailures)
	}
	return nil
}

// Stats is the keeper's counter set, owned by its loop.
type Stats struct {
	RefreshAttempts     uint64    `json:"refresh_attempts"`
	RefreshSuccesses    uint64    `json:"refresh_successes"`
	RefreshFailures     uint64    `json:"refresh_failures"`
	ReloginCount        uint64    `json:"relogin_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRefreshAt       time.Time `json:"last_refresh_at"`
}

// Keeper is the session keep-alive supervisor.
type Keeper struct {
	cfg    Config
	handle session.Handle
	login  session.LoginFunc
	logger *logging.Logger

	// refreshMu serializes refresh sequences so the loop and ForceRefresh
	// never interleave.
	refreshMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
}

// New creates a keeper over the given handle. login may be nil, which
// disables the forced re-login escalation.
func New(cfg Config, handle session.Handle, login session.LoginFunc, logger *logging.Logger) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, faults.New(faults.CodeConfigInvalid, "session handle is required")
	}
	return &Keeper{cfg: cfg, handle: handle, login: login, logger: logger}, nil
}

// Start launches the keep-alive loop.
func (k *Keeper) Start() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running.Load() {
		return fmt.Errorf("session keeper already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	k.running.Store(true)
	k.paused.Store(false)

	go k.loop(ctx)
	k.logger.Infof("session keeper started, refresh every %s", k.cfg.RefreshInterval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (k *Keeper) Stop() {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.cancel == nil {
		return
	}
	k.cancel()
	<-k.done
	k.cancel = nil
	k.running.Store(false)
	k.logger.Infof("session keeper stopped")
}

// Pause makes the loop skip refresh cycles until Resume.
func (k *Keeper) Pause() { k.paused.Store(true) }

// Resume re-enables refresh cycles after Pause.
func (k *Keeper) Resume() { k.paused.Store(false) }

// IsRunning reports whether the keep-alive loop is active.
func (k *Keeper) IsRunning() bool { return k.running.Load() }

// Stats returns a read-only snapshot of the counters.
func (k *Keeper) Stats() Stats {
	k.statsMu.Lock()
	defer k.statsMu.Unlock()
	return k.stats
}

func (k *Keeper) loop(ctx context.Context) {
	defer close(k.done)
	defer k.running.Store(false)

	ticker := time.NewTicker(k.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if k.paused.Load() {
			continue
		}
		k.runRefresh()
	}
}

// ForceRefresh runs one refresh cycle synchronously, applying the same
// stats and re-login policy as the periodic loop.
func (k *Keeper) ForceRefresh() bool {
	return k.runRefresh()
}

// runRefresh performs one keep-alive probe and applies the escalation
// policy. Returns whether the session was proven valid.
func (k *Keeper) runRefresh() bool {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	err := k.refreshOnce()

	k.statsMu.Lock()
	k.stats.RefreshAttempts++
	k.stats.LastRefreshAt = time.Now()
	if err == nil {
		k.stats.RefreshSuccesses++
		k.stats.ConsecutiveFailures = 0
		k.statsMu.Unlock()
		k.logger.Debugf("session refresh succeeded")
		return true
	}
	k.stats.RefreshFailures++
	k.stats.ConsecutiveFailures++
	streak := k.stats.ConsecutiveFailures
	k.statsMu.Unlock()

	k.logger.Warnf("session refresh failed (streak %d/%d): %v",
		streak, k.cfg.MaxRefreshFailures, err)

	if streak >= k.cfg.MaxRefreshFailures && k.cfg.ReloginOnFailure {
		k.attemptRelogin()
	}
	return false
}

// refreshOnce is steps 1-3 of the keep-alive sequence: probe the who-am-I
// endpoint, classify the response, persist state and navigate back.
func (k *Keeper) refreshOnce() error {
	priorURL := k.handle.CurrentURL()

	if err := k.handle.Navigate(k.cfg.ProbeURL, k.cfg.RefreshTimeout); err != nil {
		return faults.Wrap(err, faults.CodeSessionOpFailure, "keep-alive navigation")
	}

	content, err := k.handle.PageContent()
	if err != nil {
		return faults.Wrap(err, faults.CodeSessionOpFailure, "keep-alive page read")
	}

	if expired, reason := k.classifyExpired(k.handle.CurrentURL(), content); expired {
		return faults.Errorf(faults.CodeSessionExpired, "session expired: %s", reason)
	}

	// Session proven valid: persist refreshed credentials and restore the
	// workflow's page. Both are best-effort; the probe already succeeded.
	if err := k.handle.SaveAuthState(); err != nil {
		k.logger.Warnf("failed to persist auth state after refresh: %v", err)
	}
	if priorURL != "" && priorURL != k.cfg.ProbeURL && priorURL != "about:blank" {
		if err := k.handle.Navigate(priorURL, k.cfg.RefreshTimeout); err != nil {
			k.logger.Warnf("failed to navigate back to %s: %v", priorURL, err)
		}
	}
	return nil
}

// attemptRelogin forces a full re-authentication once the failure streak has
// reached the ceiling. A failed re-login leaves the streak elevated so the
// next cycle tries again.
func (k *Keeper) attemptRelogin() {
	if k.login == nil {
		k.logger.Errorf("refresh streak reached %d but no login collaborator configured",
			k.cfg.MaxRefreshFailures)
		return
	}

	k.logger.Warnf("forcing full re-login after %d consecutive refresh failures",
		k.cfg.MaxRefreshFailures)
	if err := k.login(k.handle); err != nil {
		k.logger.Errorf("forced re-login failed: %v", err)
		return
	}

	k.statsMu.Lock()
	k.stats.ReloginCount++
	k.stats.ConsecutiveFailures = 0
	k.statsMu.Unlock()

	if err := k.handle.SaveAuthState(); err != nil {
		k.logger.Warnf("failed to persist auth state after re-login: %v", err)
	}
	k.logger.Infof("forced re-login succeeded")
}
