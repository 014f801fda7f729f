// Package captcha resolves storefront captcha challenges in a real browser.
//
// Only one resolution runs per process. Callers that hit a captcha while a
// resolution is in flight wait for it to finish and then retry their fetch
// with the refreshed cookies.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/snare/internal/bypass"
	"github.com/FranksOps/snare/pkg/ratelimit"
)

var (
	// ErrResolutionBusy is returned to callers that waited on another resolution.
	ErrResolutionBusy = errors.New("captcha: resolution already in progress")
	// ErrTimeout is returned when the challenge was not cleared in time.
	ErrTimeout = errors.New("captcha: timed out waiting for the challenge to clear")
)

const (
	inputSelector = "input#captchacharacters"
	imageSelector = `img[src*="captcha"]`
)

// Detect reports whether a page body carries a captcha challenge.
func Detect(body []byte) bool { return bypass.HasCaptcha(body) }

// Cookie is a browser cookie.
type Cookie struct {
	Name  string
	Value string
}

// Session is one isolated browser tab.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Has(ctx context.Context, selector string) (bool, error)
	HTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Browser opens sessions under a given User-Agent.
type Browser interface {
	NewSession(ctx context.Context, userAgent string) (Session, error)
}

// Notice is sent to the notification hook when a human has to step in.
type Notice struct {
	Status  string
	Message string
}

// Resolution is the outcome of a cleared challenge.
type Resolution struct {
	HTML    []byte
	Cookies string
	// Manual is set when the challenge needed a human.
	Manual bool
}

// Resolver drives a Browser through a captcha challenge.
type Resolver struct {
	browser Browser
	logger  *slog.Logger
	notify  func(Notice)
	settle  time.Duration
	poll    time.Duration

	mu      sync.Mutex
	active  chan struct{}
	cookies string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// WithNotify sets the hook called when manual solving is required.
func WithNotify(fn func(Notice)) Option { return func(r *Resolver) { r.notify = fn } }

// WithTiming overrides the settle wait for simple challenges and the DOM poll interval.
func WithTiming(settle, poll time.Duration) Option {
	return func(r *Resolver) {
		r.settle = settle
		r.poll = poll
	}
}

// NewResolver creates a resolver over browser.
func NewResolver(browser Browser, opts ...Option) *Resolver {
	r := &Resolver{
		browser: browser,
		logger:  slog.Default(),
		settle:  time.Second,
		poll:    time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cookies returns the cookie header captured by the last successful resolution.
func (r *Resolver) Cookies() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cookies
}

// Busy reports whether a resolution is running.
func (r *Resolver) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// acquire takes the process-wide slot. When it is held, acquire waits for
// its release and returns false.
func (r *Resolver) acquire(ctx context.Context) (release func(), ok bool) {
	r.mu.Lock()
	if ch := r.active; ch != nil {
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return nil, false
	}
	ch := make(chan struct{})
	r.active = ch
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		close(ch)
	}, true
}

// Resolve opens url in the browser under userAgent and waits up to timeout
// for the challenge to clear, automatically or by hand. On success the
// session cookies are kept for later fetches.
func (r *Resolver) Resolve(ctx context.Context, url, userAgent string, timeout time.Duration) (*Resolution, error) {
	if r.browser == nil {
		return nil, errors.New("captcha: no browser configured")
	}

	release, ok := r.acquire(ctx)
	if !ok {
		return nil, ErrResolutionBusy
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Info("captcha resolution started", "url", url)
	sess, err := r.browser.NewSession(ctx, userAgent)
	if err != nil {
		return nil, fmt.Errorf("captcha: open session: %w", err)
	}
	defer sess.Close()

	if err := sess.Navigate(ctx, url); err != nil {
		return nil, fmt.Errorf("captcha: navigate: %w", err)
	}

	simple, err := r.isSimple(ctx, sess)
	if err != nil {
		return nil, err
	}

	manual := true
	if simple {
		if err := ratelimit.Sleep(ctx, r.settle); err != nil {
			return nil, r.timeout(err)
		}
		still, err := sess.Has(ctx, inputSelector)
		if err != nil {
			return nil, fmt.Errorf("captcha: inspect page: %w", err)
		}
		if !still {
			manual = false
			r.logger.Info("captcha cleared without input", "url", url)
		} else {
			r.emit(Notice{Status: "captcha", Message: "manual captcha solving required"})
		}
	} else {
		r.emit(Notice{Status: "captcha", Message: "complex captcha requires manual solving"})
	}

	if manual {
		r.logger.Info("waiting for captcha to be solved", "url", url, "timeout", timeout)
		if err := r.waitCleared(ctx, sess); err != nil {
			return nil, err
		}
	}

	cookies, err := sess.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("captcha: read cookies: %w", err)
	}
	header := CookieHeader(cookies)

	html, err := sess.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("captcha: read page: %w", err)
	}

	r.mu.Lock()
	r.cookies = header
	r.mu.Unlock()

	r.logger.Info("captcha resolved", "url", url, "manual", manual, "cookies", len(cookies))
	return &Resolution{HTML: []byte(html), Cookies: header, Manual: manual}, nil
}

func (r *Resolver) isSimple(ctx context.Context, sess Session) (bool, error) {
	input, err := sess.Has(ctx, inputSelector)
	if err != nil {
		return false, fmt.Errorf("captcha: inspect page: %w", err)
	}
	if !input {
		return false, nil
	}
	img, err := sess.Has(ctx, imageSelector)
	if err != nil {
		return false, fmt.Errorf("captcha: inspect page: %w", err)
	}
	return img, nil
}

func (r *Resolver) waitCleared(ctx context.Context, sess Session) error {
	for {
		input, err := sess.Has(ctx, inputSelector)
		if err != nil {
			if ctx.Err() != nil {
				return r.timeout(ctx.Err())
			}
			return fmt.Errorf("captcha: inspect page: %w", err)
		}
		if !input {
			html, err := sess.HTML(ctx)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("captcha: read page: %w", err)
			}
			if err == nil && !strings.Contains(html, "validateCaptcha") {
				return nil
			}
		}
		if err := ratelimit.Sleep(ctx, r.poll); err != nil {
			return r.timeout(err)
		}
	}
}

func (r *Resolver) timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (r *Resolver) emit(n Notice) {
	r.logger.Warn("captcha needs attention", "message", n.Message)
	if r.notify != nil {
		r.notify(n)
	}
}

// CookieHeader joins cookies into a Cookie header value.
func CookieHeader(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
