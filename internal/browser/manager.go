// CLAUDE:SUMMARY Owns the single Chrome process of a collection run: launch or connect, open pages, liveness, shutdown.
// Package browser owns the headless Chrome process used by page-based
// metric sources. One Manager lives for a whole run; pages are opened and
// closed per fetch and the process is terminated by Close.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/JeanSilva08/data-flow-pipeline/extract"
	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin overrides the Chrome binary. Empty = launcher's lookup/download.
	Bin string

	// Headful runs a visible browser. Default: headless.
	Headful bool

	// NoSandbox is required when running as root in containers.
	NoSandbox bool

	// Stealth creates pages through go-rod/stealth.
	Stealth bool

	// BlockResources lists resource types to drop (images, fonts, media, stylesheets).
	BlockResources []string

	// DisableScripts turns off JavaScript on every page. Only for sources
	// whose count is present in the server-rendered markup.
	DisableScripts bool

	// NavigationTimeout bounds page load, distinct from the element wait.
	// Default: 30s.
	NavigationTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.BlockResources == nil {
		c.BlockResources = []string{"images", "fonts", "media"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chrome lifecycle.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome or connects to the remote instance.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	return nil
}

// Browser returns the current Rod browser handle.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Alive reports whether the browser still answers DevTools calls.
func (m *Manager) Alive() bool {
	b := m.Browser()
	if b == nil {
		return false
	}
	_, err := proto.BrowserGetVersion{}.Call(b)
	return err == nil
}

// Open creates a page, applies the page-load configuration and navigates to
// url. Load failures are NavigationErrors; a dead browser is fatal.
func (m *Manager) Open(ctx context.Context, url string) (extract.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, &metric.FatalError{Err: metric.ErrBrowserCrashed}
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, m.failure(url, fmt.Errorf("create page: %w", err))
	}

	p := &Page{page: page, url: url, logger: m.cfg.Logger}

	if m.cfg.DisableScripts {
		if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(page); err != nil {
			m.cfg.Logger.Warn("browser: disable scripts failed", "url", url, "error", err)
		}
	}
	if len(m.cfg.BlockResources) > 0 {
		p.router = applyResourceBlocking(page, m.cfg.BlockResources)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		p.Close()
		return nil, m.failure(url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Debug("browser: wait load", "url", url, "error", err)
	}
	return p, nil
}

// failure turns a page error into a NavigationError, or a FatalError when
// the browser itself is gone.
func (m *Manager) failure(url string, err error) error {
	if !m.Alive() {
		return &metric.FatalError{Err: fmt.Errorf("%w: %v", metric.ErrBrowserCrashed, err)}
	}
	return &metric.NavigationError{URL: url, Err: err}
}

// Close shuts down Chrome. Further Open calls fail with a FatalError.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(!m.cfg.Headful).NoSandbox(m.cfg.NoSandbox)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		if blocks(m.cfg.BlockResources, "images") {
			l = l.Set("blink-settings", "imagesEnabled=false")
		}

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", !m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func blocks(types []string, name string) bool {
	for _, t := range types {
		if t == name {
			return true
		}
	}
	return false
}
