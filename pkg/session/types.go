package session

import "time"

// Handle is the capability surface the resilience supervisors require from an
// automation session. It is intentionally narrow: supervisors inspect and
// repair the session through it, but never construct or own it.
//
// The handle is shared-mutable across supervisors. Callers performing a
// sensitive multi-step operation should pause the supervisors first; the
// handle itself only guarantees that each individual operation is atomic.
type Handle interface {
	// IsDriverConnected reports whether the browser driver process is
	// reachable.
	IsDriverConnected() bool

	// HasContext reports whether an authenticated browser context exists.
	HasContext() bool

	// HasActiveView reports whether there is a usable document view.
	HasActiveView() bool

	// ViewCount returns the number of open document views.
	ViewCount() int

	// Evaluate runs a script on the active view, bounded by timeout.
	Evaluate(script string, timeout time.Duration) (interface{}, error)

	// ReloadView reloads the current document view.
	ReloadView(timeout time.Duration) error

	// NewView discards the active view and creates a fresh one inside the
	// existing context.
	NewView() error

	// NewContext replaces the browser context with a fresh one, optionally
	// carrying over authentication state (cookies, local storage).
	NewContext(preserveCookies bool) error

	// RestartDriver persists authentication state, fully restarts the
	// driver process and restores the session.
	RestartDriver() error

	// CloseViews closes all but the most recent keepLastN views and
	// returns the number closed.
	CloseViews(keepLastN int) (int, error)

	// SaveAuthState persists the current authentication state to disk.
	SaveAuthState() error

	// LoadAuthState reports whether persisted authentication state exists
	// and is loadable.
	LoadAuthState() error

	// Navigate drives the active view to url, bounded by timeout.
	Navigate(url string, timeout time.Duration) error

	// CurrentURL returns the URL of the active view.
	CurrentURL() string

	// PageContent returns the rendered HTML of the active view.
	PageContent() (string, error)
}

// LoginFunc performs a full interactive login against the target site,
// leaving the handle authenticated. It is supplied by the workflow layer;
// when absent, recovery paths that require re-authentication are disabled.
type LoginFunc func(h Handle) error

// Options configures a new browser session.
type Options struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool `yaml:"headless"`

	// Viewport sets the initial viewport size
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`

	// NavigationTimeout is the default timeout for page operations
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`

	// AuthStatePath is where authentication state (cookies, storage) is
	// persisted across driver restarts. Empty disables persistence.
	AuthStatePath string `yaml:"auth_state_path"`
}

// Default values for browser sessions.
const (
	DefaultViewportWidth     = 1280
	DefaultViewportHeight    = 720
	DefaultNavigationTimeout = 30 * time.Second
)

// DefaultOptions returns session options suitable for unattended operation.
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		ViewportWidth:     DefaultViewportWidth,
		ViewportHeight:    DefaultViewportHeight,
		NavigationTimeout: DefaultNavigationTimeout,
	}
}
