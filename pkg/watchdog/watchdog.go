// Package watchdog keeps the automation session alive through an escalating
// ladder of recovery strategies. A periodic loop runs a narrow liveness probe
// against the session handle; the first failing check determines both
// "unhealthy" and the minimum recovery level required, and recovery then
// climbs the ladder from that level upward until the probe passes or the
// ladder is exhausted.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/storekeep/vigil/pkg/faults"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/resource"
	"github.com/storekeep/vigil/pkg/session"
)

// Config is the immutable watchdog policy.
type Config struct {
	// HeartbeatInterval is the sleep between liveness cycles
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PageResponseTimeout bounds the trivial-script probe of the active view
	PageResponseTimeout time.Duration `yaml:"page_response_timeout"`

	// ActionTimeout bounds each individual recovery action
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// MaxRecoveryAttempts is how many times one ladder level is tried
	// before advancing to the next
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// RecoveryBackoff is the initial inter-attempt backoff within a level;
	// it grows exponentially between attempts
	RecoveryBackoff time.Duration `yaml:"recovery_backoff"`

	// RecoveryCooldown, when positive, prevents a new automatic recovery
	// episode from starting within this interval of the previous episode.
	// Zero disables the cooldown. ForceRecovery bypasses it.
	RecoveryCooldown time.Duration `yaml:"recovery_cooldown"`

	// MaxConsecutiveFailures is the failed-episode streak at which the
	// watchdog deliberately stops monitoring instead of looping forever
	// against an unrecoverable session
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// DefaultConfig returns the watchdog policy for unattended operation.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      10 * time.Second,
		PageResponseTimeout:    5 * time.Second,
		ActionTimeout:          30 * time.Second,
		MaxRecoveryAttempts:    3,
		RecoveryBackoff:        2 * time.Second,
		RecoveryCooldown:       0,
		MaxConsecutiveFailures: 10,
	}
}

// Validate rejects unusable policy.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.PageResponseTimeout <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "page_response_timeout must be positive, got %s", c.PageResponseTimeout)
	}
	if c.ActionTimeout <= 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "action_timeout must be positive, got %s", c.ActionTimeout)
	}
	if c.MaxRecoveryAttempts < 1 {
		return faults.Errorf(faults.CodeConfigInvalid, "max_recovery_attempts must be at least 1, got %d", c.MaxRecoveryAttempts)
	}
	if c.RecoveryBackoff < 0 || c.RecoveryCooldown < 0 {
		return faults.Errorf(faults.CodeConfigInvalid, "backoff and cooldown cannot be negative")
	}
	if c.MaxConsecutiveFailures < 1 {
		return faults.Errorf(faults.CodeConfigInvalid, "max_consecutive_failures must be at least 1, got %d", c.MaxConsecutiveFailures)
	}
	return nil
}

// Stats is a monotonically-updated counter set, mutated only by the
// watchdog's own loop (and explicit ForceRecovery calls) and read by callers
// through the Stats accessor.
type Stats struct {
	TotalRecoveries      uint64        `json:"total_recoveries"`
	SuccessfulRecoveries uint64        `json:"successful_recoveries"`
	FailedRecoveries     uint64        `json:"failed_recoveries"`
	LastRecoveryLevel    RecoveryLevel `json:"last_recovery_level"`
	LastRecoveryAt       time.Time     `json:"last_recovery_at"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	CyclesRun            uint64        `json:"cycles_run"`
}

// probeOutcome is the result of one narrow liveness probe.
type probeOutcome struct {
	healthy  bool
	reason   string
	minLevel RecoveryLevel
}

// Watchdog supervises the session handle. It does not own the handle; other
// supervisors may interact with it concurrently, and callers performing
// sensitive multi-step work should Pause the watchdog first.
type Watchdog struct {
	cfg       Config
	handle    session.Handle
	resources *resource.Manager
	login     session.LoginFunc
	logger    *logging.Logger

	// recoveryMu serializes recovery episodes so the loop and
	// ForceRecovery can never interleave ladder climbs.
	recoveryMu       sync.Mutex
	lastEpisodeStart time.Time

	statsMu sync.Mutex
	stats   Stats

	onFailure func(error)

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
}

// Option configures optional watchdog collaborators.
type Option func(*Watchdog)

// WithResourceManager lets the watchdog trigger resource enforcement when it
// detects memory pressure during a cycle.
func WithResourceManager(rm *resource.Manager) Option {
	return func(w *Watchdog) { w.resources = rm }
}

// WithLogin enables the FullReauthenticate ladder level.
func WithLogin(login session.LoginFunc) Option {
	return func(w *Watchdog) { w.login = login }
}

// WithFailureCallback registers the total-failure surface: invoked when a
// recovery episode exhausts the ladder and when the watchdog self-stops.
func WithFailureCallback(fn func(error)) Option {
	return func(w *Watchdog) { w.onFailure = fn }
}

// New creates a watchdog over the given session handle.
func New(cfg Config, handle session.Handle, logger *logging.Logger, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, faults.New(faults.CodeConfigInvalid, "session handle is required")
	}
	w := &Watchdog{cfg: cfg, handle: handle, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start launches the monitoring loop. Returns an error if already running.
func (w *Watchdog) Start() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running.Load() {
		return fmt.Errorf("watchdog already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)
	w.paused.Store(false)

	go w.loop(ctx)
	w.logger.Infof("watchdog started, heartbeat every %s", w.cfg.HeartbeatInterval)
	return nil
}

// Stop cancels the loop and waits for it to exit. In-flight recovery actions
// complete or roll back before the cancellation is honored, so the handle is
// never left partially mutated.
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.running.Store(false)
	w.logger.Infof("watchdog stopped")
}

// Pause makes the loop skip cycles entirely until Resume.
func (w *Watchdog) Pause() { w.paused.Store(true) }

// Resume re-enables cycles after Pause.
func (w *Watchdog) Resume() { w.paused.Store(false) }

// IsRunning reports whether the monitoring loop is active.
func (w *Watchdog) IsRunning() bool { return w.running.Load() }

// Stats returns a read-only snapshot of the counters.
func (w *Watchdog) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.paused.Load() {
			continue
		}
		if !w.runCycle(ctx) {
			// Deliberate fail-stop: the session is unrecoverable and
			// spinning would only churn the driver.
			w.logger.Errorf("watchdog self-stopping after %d consecutive failed recoveries",
				w.cfg.MaxConsecutiveFailures)
			return
		}
	}
}

// runCycle performs one probe and, when needed, one recovery episode.
// Returns false when the consecutive-failure ceiling is reached.
func (w *Watchdog) runCycle(ctx context.Context) bool {
	w.statsMu.Lock()
	w.stats.CyclesRun++
	w.statsMu.Unlock()

	// Opportunistic resource enforcement when memory pressure shows up.
	if w.resources != nil {
		if ok, rssMB := w.resources.CheckMemory(); !ok {
			w.logger.Warnf("memory pressure (%dMB), enforcing resource limits", rssMB)
			status := w.resources.EnforceLimits(w.handle)
			if !status.MemoryOK && w.onFailure != nil {
				w.onFailure(faults.Errorf(faults.CodeResourceExhausted,
					"memory %dMB still over budget after corrective action", status.MemoryMB))
			}
		}
	}

	outcome := w.checkHealth()
	if outcome.healthy {
		w.statsMu.Lock()
		w.stats.ConsecutiveFailures = 0
		w.statsMu.Unlock()
		return true
	}

	w.logger.Warnf("session unhealthy (%s), minimum recovery level %s",
		outcome.reason, outcome.minLevel)

	if w.cfg.RecoveryCooldown > 0 {
		w.recoveryMu.Lock()
		withinCooldown := !w.lastEpisodeStart.IsZero() &&
			time.Since(w.lastEpisodeStart) < w.cfg.RecoveryCooldown
		w.recoveryMu.Unlock()
		if withinCooldown {
			w.logger.Infof("recovery cooldown active, skipping episode this cycle")
			return true
		}
	}

	level, err := w.recover(ctx, outcome.minLevel, LevelFullReauthenticate)
	streak := w.recordEpisode(level, err)

	if err != nil {
		w.logger.Errorf("recovery failed: %v", err)
		if streak >= w.cfg.MaxConsecutiveFailures {
			if w.onFailure != nil {
				w.onFailure(faults.Errorf(faults.CodeRecoveryExhausted,
					"%d consecutive failed recovery episodes, watchdog stopping", streak))
			}
			return false
		}
		if w.onFailure != nil {
			w.onFailure(err)
		}
		return true
	}

	w.logger.Infof("recovered at level %s", level)
	return true
}

// recordEpisode updates the counters for one finished recovery episode and
// returns the current consecutive-failure streak.
func (w *Watchdog) recordEpisode(level RecoveryLevel, err error) int {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	w.stats.TotalRecoveries++
	w.stats.LastRecoveryAt = time.Now()
	if err != nil {
		w.stats.FailedRecoveries++
		w.stats.ConsecutiveFailures++
	} else {
		w.stats.SuccessfulRecoveries++
		w.stats.LastRecoveryLevel = level
		w.stats.ConsecutiveFailures = 0
	}
	return w.stats.ConsecutiveFailures
}

// checkHealth runs the narrow liveness probe. The first failing check
// determines the minimum recovery level required.
func (w *Watchdog) checkHealth() probeOutcome {
	if !w.handle.IsDriverConnected() {
		return probeOutcome{reason: "driver not connected", minLevel: LevelRestartDriver}
	}
	if !w.handle.HasContext() {
		return probeOutcome{reason: "no browser context", minLevel: LevelNewContext}
	}
	if !w.handle.HasActiveView() {
		return probeOutcome{reason: "no active view", minLevel: LevelNewView}
	}
	if _, err := w.handle.Evaluate("1 + 1", w.cfg.PageResponseTimeout); err != nil {
		return probeOutcome{
			reason:   fmt.Sprintf("active view not responding: %v", err),
			minLevel: LevelRefreshView,
		}
	}
	return probeOutcome{healthy: true}
}

// recover climbs the ladder from the minimum required level. It enters
// directly at that level; cheaper levels below it are never attempted,
// since the probe already established they cannot repair the condition.
// Each level is tried up to MaxRecoveryAttempts times with exponential
// inter-attempt backoff, re-probing after every attempt.
func (w *Watchdog) recover(ctx context.Context, from, to RecoveryLevel) (RecoveryLevel, error) {
	w.recoveryMu.Lock()
	defer w.recoveryMu.Unlock()
	w.lastEpisodeStart = time.Now()

	for level := from; level <= to; level++ {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = w.cfg.RecoveryBackoff
		bo.MaxElapsedTime = 0

		for attempt := 1; attempt <= w.cfg.MaxRecoveryAttempts; attempt++ {
			if attempt > 1 {
				if !sleepCtx(ctx, bo.NextBackOff()) {
					return 0, faults.New(faults.CodeRecoveryFailure, "recovery canceled")
				}
			}

			if err := w.applyRecovery(level); err != nil {
				w.logger.Warnf("recovery %s attempt %d/%d failed: %v",
					level, attempt, w.cfg.MaxRecoveryAttempts, err)
				continue
			}
			if outcome := w.checkHealth(); outcome.healthy {
				return level, nil
			}
			w.logger.Warnf("recovery %s attempt %d/%d applied but probe still failing",
				level, attempt, w.cfg.MaxRecoveryAttempts)
		}
	}

	return 0, faults.Errorf(faults.CodeRecoveryExhausted,
		"all recovery levels %s..%s exhausted", from, to)
}

// applyRecovery executes one repair action. Each action either leaves the
// handle usable or returns an error without partially destroying it; the
// rollback guarantees live in the session package.
func (w *Watchdog) applyRecovery(level RecoveryLevel) error {
	switch level {
	case LevelRefreshView:
		return faults.Wrap(w.handle.ReloadView(w.cfg.ActionTimeout),
			faults.CodeRecoveryFailure, "refresh view")
	case LevelNewView:
		return faults.Wrap(w.handle.NewView(),
			faults.CodeRecoveryFailure, "new view")
	case LevelNewContext:
		return faults.Wrap(w.handle.NewContext(true),
			faults.CodeRecoveryFailure, "new context")
	case LevelRestartDriver:
		return faults.Wrap(w.handle.RestartDriver(),
			faults.CodeRecoveryFailure, "restart driver")
	case LevelFullReauthenticate:
		if w.login == nil {
			return faults.New(faults.CodeReloginFailure,
				"no login collaborator configured, full reauthentication unavailable")
		}
		if err := w.handle.RestartDriver(); err != nil {
			return faults.Wrap(err, faults.CodeRecoveryFailure, "restart before reauthentication")
		}
		return faults.Wrap(w.login(w.handle), faults.CodeReloginFailure, "full reauthentication")
	default:
		return faults.Errorf(faults.CodeRecoveryFailure, "unknown recovery level %d", level)
	}
}

// ForceRecovery runs the ladder out-of-band, bypassing the recovery
// cooldown. With a valid level it attempts exactly that level; with nil (or
// an invalid level) it climbs the full ladder from the bottom. The episode
// is serialized against the loop's own recoveries and counted in Stats.
func (w *Watchdog) ForceRecovery(level *RecoveryLevel) bool {
	from, to := LevelRefreshView, LevelFullReauthenticate
	if level != nil && level.Valid() {
		from, to = *level, *level
	}

	usedLevel, err := w.recover(context.Background(), from, to)
	w.recordEpisode(usedLevel, err)
	if err != nil {
		w.logger.Errorf("forced recovery failed: %v", err)
		return false
	}
	w.logger.Infof("forced recovery succeeded at level %s", usedLevel)
	return true
}

// CheckHealth exposes the narrow liveness probe for callers that want the
// verdict without triggering recovery. Returns healthy plus, when unhealthy,
// the minimum required recovery level.
func (w *Watchdog) CheckHealth() (bool, RecoveryLevel) {
	outcome := w.checkHealth()
	return outcome.healthy, outcome.minLevel
}

// sleepCtx sleeps for d unless ctx is canceled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
