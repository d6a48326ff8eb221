package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// BrowserSession is the playwright-backed implementation of Handle. It owns
// one driver process, one browser context and an ordered set of pages; the
// most recently opened page is the active view.
//
// All operations take the session mutex, so each individual repair or probe
// is atomic with respect to the others. Cross-supervisor coordination beyond
// that is the caller's responsibility.
type BrowserSession struct {
	mu      sync.Mutex
	opts    Options
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	pages   []playwright.Page
}

// NewBrowserSession creates a session wrapper. The driver is not started
// until Start is called.
func NewBrowserSession(opts Options) *BrowserSession {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	return &BrowserSession{opts: opts}
}

// Start installs and launches the driver, creates a context (restoring
// persisted authentication state when available) and opens the first view.
func (s *BrowserSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pw != nil {
		return nil
	}
	return s.launchLocked()
}

// launchLocked brings up driver, browser, context and first page. Callers
// must hold s.mu. On failure everything created so far is torn down so the
// session is left consistently "down".
func (s *BrowserSession) launchLocked() error {
	// Discard driver output so it cannot interfere with the host process.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &s.opts.Headless,
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	context, err := s.newContextLocked(browser, true)
	if err != nil {
		browser.Close()
		pw.Stop()
		return err
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.opts.NavigationTimeout.Milliseconds()))

	s.pw = pw
	s.browser = browser
	s.context = context
	s.pages = []playwright.Page{page}
	return nil
}

// newContextLocked creates a browser context, optionally seeded from the
// persisted auth state file.
func (s *BrowserSession) newContextLocked(browser playwright.Browser, restoreState bool) (playwright.BrowserContext, error) {
	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  s.opts.ViewportWidth,
			Height: s.opts.ViewportHeight,
		},
	}
	if restoreState && s.opts.AuthStatePath != "" {
		if _, err := os.Stat(s.opts.AuthStatePath); err == nil {
			contextOpts.StorageStatePath = &s.opts.AuthStatePath
		}
	}

	context, err := browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	return context, nil
}

// Close tears down the session. Safe to call on a session that never started.
func (s *BrowserSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *BrowserSession) closeLocked() error {
	for _, page := range s.pages {
		_ = page.Close() // best effort, continue cleanup
	}
	s.pages = nil
	if s.context != nil {
		_ = s.context.Close()
		s.context = nil
	}
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.pw != nil {
		err := s.pw.Stop()
		s.pw = nil
		if err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
	}
	return nil
}

// activePageLocked returns the most recent open page, pruning closed ones.
func (s *BrowserSession) activePageLocked() playwright.Page {
	for len(s.pages) > 0 {
		page := s.pages[len(s.pages)-1]
		if !page.IsClosed() {
			return page
		}
		s.pages = s.pages[:len(s.pages)-1]
	}
	return nil
}

// IsDriverConnected reports whether the driver process is up and the browser
// connection is alive.
func (s *BrowserSession) IsDriverConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pw != nil && s.browser != nil && s.browser.IsConnected()
}

// HasContext reports whether a browser context exists.
func (s *BrowserSession) HasContext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context != nil
}

// HasActiveView reports whether at least one open page exists.
func (s *BrowserSession) HasActiveView() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePageLocked() != nil
}

// ViewCount returns the number of open pages.
func (s *BrowserSession) ViewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, page := range s.pages {
		if !page.IsClosed() {
			count++
		}
	}
	return count
}

// Evaluate runs a script on the active view, bounded by timeout. The driver
// API has no native evaluation deadline, so the call is raced against a
// timer; a timed-out evaluation is abandoned, not interrupted.
func (s *BrowserSession) Evaluate(script string, timeout time.Duration) (interface{}, error) {
	s.mu.Lock()
	page := s.activePageLocked()
	s.mu.Unlock()

	if page == nil {
		return nil, fmt.Errorf("no active view")
	}

	type evalResult struct {
		value interface{}
		err   error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		value, err := page.Evaluate(script)
		resultCh <- evalResult{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("evaluate failed: %w", res.err)
		}
		return res.value, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("evaluate timed out after %s", timeout)
	}
}

// ReloadView reloads the active view.
func (s *BrowserSession) ReloadView(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.activePageLocked()
	if page == nil {
		return fmt.Errorf("no active view")
	}

	timeoutMs := float64(timeout.Milliseconds())
	if _, err := page.Reload(playwright.PageReloadOptions{Timeout: &timeoutMs}); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

// NewView closes the active view and opens a fresh one in the same context.
func (s *BrowserSession) NewView() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.context == nil {
		return fmt.Errorf("no context")
	}

	page, err := s.context.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.opts.NavigationTimeout.Milliseconds()))

	// Replace only after the new page exists, so a creation failure leaves
	// the previous view untouched.
	if old := s.activePageLocked(); old != nil {
		_ = old.Close()
	}
	s.pages = append(s.pages, page)
	return nil
}

// NewContext replaces the browser context with a fresh one. With
// preserveCookies, the old context's storage state is carried over so the
// authenticated session survives. The swap either completes or the old
// context is left intact.
func (s *BrowserSession) NewContext(preserveCookies bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil || !s.browser.IsConnected() {
		return fmt.Errorf("driver not connected")
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  s.opts.ViewportWidth,
			Height: s.opts.ViewportHeight,
		},
	}

	if preserveCookies && s.context != nil && s.opts.AuthStatePath != "" {
		if _, err := s.context.StorageState(s.opts.AuthStatePath); err == nil {
			contextOpts.StorageStatePath = &s.opts.AuthStatePath
		}
		// A failed state save degrades to a clean context rather than
		// aborting the swap; the session keeper will re-authenticate.
	}

	newContext, err := s.browser.NewContext(contextOpts)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	page, err := newContext.NewPage()
	if err != nil {
		newContext.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(s.opts.NavigationTimeout.Milliseconds()))

	// New context is fully usable; discard the old one.
	for _, old := range s.pages {
		_ = old.Close()
	}
	if s.context != nil {
		_ = s.context.Close()
	}
	s.context = newContext
	s.pages = []playwright.Page{page}
	return nil
}

// RestartDriver persists authentication state, stops the driver process
// entirely and brings the session back up with the state restored.
func (s *BrowserSession) RestartDriver() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Best-effort state save; a dead context is exactly why we restart.
	if s.context != nil && s.opts.AuthStatePath != "" {
		_, _ = s.context.StorageState(s.opts.AuthStatePath)
	}

	if err := s.closeLocked(); err != nil {
		// The old driver may already be gone; keep going.
		_ = err
	}

	return s.launchLocked()
}

// CloseViews closes all but the most recent keepLastN views.
func (s *BrowserSession) CloseViews(keepLastN int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepLastN < 1 {
		keepLastN = 1
	}

	open := make([]playwright.Page, 0, len(s.pages))
	for _, page := range s.pages {
		if !page.IsClosed() {
			open = append(open, page)
		}
	}

	if len(open) <= keepLastN {
		s.pages = open
		return 0, nil
	}

	closed := 0
	for _, page := range open[:len(open)-keepLastN] {
		if err := page.Close(); err == nil {
			closed++
		}
	}
	s.pages = open[len(open)-keepLastN:]
	return closed, nil
}

// SaveAuthState persists cookies and storage to the configured state file.
func (s *BrowserSession) SaveAuthState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.context == nil {
		return fmt.Errorf("no context")
	}
	if s.opts.AuthStatePath == "" {
		return fmt.Errorf("no auth state path configured")
	}

	if _, err := s.context.StorageState(s.opts.AuthStatePath); err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	return nil
}

// LoadAuthState verifies that persisted authentication state exists and is
// well-formed. The state itself is applied when a context is (re)created.
func (s *BrowserSession) LoadAuthState() error {
	s.mu.Lock()
	path := s.opts.AuthStatePath
	s.mu.Unlock()

	if path == "" {
		return fmt.Errorf("no auth state path configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read auth state: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("auth state file %s is not valid JSON", path)
	}
	return nil
}

// Navigate drives the active view to url.
func (s *BrowserSession) Navigate(url string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.activePageLocked()
	if page == nil {
		return fmt.Errorf("no active view")
	}

	timeoutMs := float64(timeout.Milliseconds())
	if _, err := page.Goto(url, playwright.PageGotoOptions{Timeout: &timeoutMs}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// CurrentURL returns the URL of the active view, or empty when none exists.
func (s *BrowserSession) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.activePageLocked()
	if page == nil {
		return ""
	}
	return page.URL()
}

// PageContent returns the rendered HTML of the active view.
func (s *BrowserSession) PageContent() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.activePageLocked()
	if page == nil {
		return "", fmt.Errorf("no active view")
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}
