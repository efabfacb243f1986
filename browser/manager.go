// CLAUDE:SUMMARY Chrome connection lifecycle: connect to a remote DevTools endpoint or launch locally, hand out isolated sessions.
// Package browser owns the connection to the remote rendering backend.
// One Manager serves the whole process; every catalog gets its own
// Session backed by an incognito browser context so cookies and storage
// never leak between sites.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// Remote is the DevTools endpoint of an external Chrome: either a
	// ws:// URL or host:port. Empty = launch a local Chrome.
	Remote string

	// Headless applies to local launches only. Default true.
	Headless *bool

	// Stealth creates pages through go-rod/stealth.
	Stealth bool

	// ResourceBlocking lists resource types to block (fonts, media, stylesheets).
	ResourceBlocking []string

	// NavigateTimeout bounds Navigate + WaitLoad. Default: 45s.
	NavigateTimeout time.Duration

	// ActionTimeout bounds a single in-page script or scroll. Default: 30s.
	ActionTimeout time.Duration

	// ScrollStep and ScrollPause drive the progressive scroll.
	// Defaults: 800px, 150ms.
	ScrollStep  int
	ScrollPause time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Headless == nil {
		h := true
		c.Headless = &h
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.ScrollStep <= 0 {
		c.ScrollStep = 800
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 150 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager holds the browser connection.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. The connection is made by Start, or lazily
// by the first NewSession.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start connects to the backend. Calling it on a started manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.connectLocked(ctx)
	return err
}

func (m *Manager) connectLocked(ctx context.Context) (*rod.Browser, error) {
	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}
	log := m.cfg.Logger

	wsURL, err := m.controlURL()
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		m.cleanupLocked()
		return nil, fmt.Errorf("browser: connect %s: %w", wsURL, err)
	}
	// Detach the long-lived handle from the caller's context.
	b = b.Context(context.Background())

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	m.browser = b
	log.Info("browser: connected", "url", wsURL, "stealth", m.cfg.Stealth)
	return b, nil
}

func (m *Manager) controlURL() (string, error) {
	if m.cfg.Remote != "" {
		if strings.HasPrefix(m.cfg.Remote, "ws://") || strings.HasPrefix(m.cfg.Remote, "wss://") {
			return m.cfg.Remote, nil
		}
		u, err := launcher.ResolveURL(m.cfg.Remote)
		if err != nil {
			return "", fmt.Errorf("browser: resolve %s: %w", m.cfg.Remote, err)
		}
		return u, nil
	}

	l := launcher.New().
		Headless(*m.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}
	m.lnch = l
	return u, nil
}

// NewSession opens an isolated browser context with one page in it.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	b, err := m.connectLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return openSession(ctx, b, m.cfg)
}

// Close disconnects and, for a local launch, kills Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanupLocked()
	return nil
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		if m.lnch != nil {
			m.browser.Close()
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
