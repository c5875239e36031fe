// Package render loads pages in a headless Chrome driven by rod, with the
// stealth evasions applied, for sources whose content is built by scripts.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/savoir/horosafe"
)

// Config configures the browser.
type Config struct {
	// RemoteURL is the DevTools websocket of an already running browser.
	// Empty launches a local headless Chrome on first use.
	RemoteURL string
	// NavTimeout bounds navigation plus load of one page. Default 30s.
	NavTimeout time.Duration
	// Settle is waited after load for late scripts. Default 500ms.
	Settle time.Duration
	// URLValidator vets page URLs. Default horosafe.ValidateURL.
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser renders pages. The browser process starts lazily and is shared
// by concurrent Render calls, each in its own tab.
type Browser struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// New creates a Browser without starting Chrome.
func New(cfg Config) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Render navigates to pageURL in a fresh stealth tab and returns the
// serialized DOM once the page has loaded.
func (b *Browser) Render(ctx context.Context, pageURL string) ([]byte, error) {
	if err := b.cfg.URLValidator(pageURL); err != nil {
		return nil, fmt.Errorf("render: URL blocked: %w", err)
	}
	br, err := b.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("render: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("render: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.cfg.Logger.Warn("render: wait load", "url", pageURL, "error", err)
	}
	select {
	case <-navCtx.Done():
		return nil, fmt.Errorf("render: %s: %w", pageURL, navCtx.Err())
	case <-time.After(b.cfg.Settle):
	}

	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("render: get DOM: %w", err)
	}
	return []byte(html), nil
}

// Close shuts the browser down if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("render: launched local chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("render: connect: %w", err)
	}
	b.browser = br
	return br, nil
}
