// Package rodbrowser implements captcha.Browser on a stealth-patched
// Chromium driven by go-rod.
package rodbrowser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/FranksOps/snare/internal/captcha"
)

var _ captcha.Browser = (*Browser)(nil)

// Config controls how the browser is launched.
type Config struct {
	Headless bool
	// BinPath is the browser binary. Empty downloads a default build.
	BinPath string
	// ProxyURL routes browser traffic through a proxy.
	ProxyURL string
	Logger   *slog.Logger
}

// Browser lazily launches one Chromium process and hands out an isolated
// incognito context per session.
type Browser struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
}

// New returns a Browser. Nothing is launched until the first session.
func New(cfg Config) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	bin := b.cfg.BinPath
	if bin == "" {
		b.cfg.Logger.Info("no browser binary specified, downloading default")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("rodbrowser: download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(b.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("remote-allow-origins", "*")
	if b.cfg.ProxyURL != "" {
		l = l.Proxy(b.cfg.ProxyURL)
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("rodbrowser: launch: %w", err)
	}
	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("rodbrowser: connect: %w", err)
	}
	b.cfg.Logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", b.cfg.Headless))
	b.browser = browser
	return browser, nil
}

// NewSession opens a stealth page in a fresh incognito context.
func (b *Browser) NewSession(ctx context.Context, userAgent string) (captcha.Session, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, err
	}
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("rodbrowser: incognito: %w", err)
	}
	page, err := stealth.Page(incognito)
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("rodbrowser: open page: %w", err)
	}
	if userAgent != "" {
		if err := page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			_ = page.Close()
			_ = incognito.Close()
			return nil, fmt.Errorf("rodbrowser: set user agent: %w", err)
		}
	}
	return &session{page: page, context: incognito}, nil
}

// Close shuts the browser process down if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

type session struct {
	page    *rod.Page
	context *rod.Browser
}

func (s *session) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (s *session) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := s.page.Context(ctx).Has(selector)
	return ok, err
}

func (s *session) HTML(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

func (s *session) Cookies(ctx context.Context) ([]captcha.Cookie, error) {
	cookies, err := s.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	return convert(cookies), nil
}

func (s *session) Close() error {
	perr := s.page.Close()
	if err := s.context.Close(); err != nil {
		return err
	}
	return perr
}

func convert(in []*proto.NetworkCookie) []captcha.Cookie {
	out := make([]captcha.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, captcha.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
