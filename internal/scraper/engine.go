package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/FranksOps/snare/internal/archive"
	"github.com/FranksOps/snare/internal/bypass"
	"github.com/FranksOps/snare/internal/captcha"
	"github.com/FranksOps/snare/internal/extract"
	"github.com/FranksOps/snare/internal/fingerprint"
	"github.com/FranksOps/snare/internal/metrics"
	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/pkg/httpclient"
	"github.com/FranksOps/snare/pkg/proxy"
	"github.com/FranksOps/snare/pkg/ratelimit"
)

// Resolver clears captcha challenges. *captcha.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, url, userAgent string, timeout time.Duration) (*captcha.Resolution, error)
	Cookies() string
}

// Archiver keeps raw pages. *archive.Archive satisfies it.
type Archiver interface {
	Save(ctx context.Context, identifier string, body []byte) (string, error)
}

var _ Archiver = (*archive.Archive)(nil)

// Config wires an Engine. Only Holder is required.
type Config struct {
	Holder    *fingerprint.Holder
	Pool      *proxy.Pool
	Resolver  Resolver
	Extractor extract.Extractor
	Archive   Archiver
	Logger    *slog.Logger
	// Profile pins the TLS fingerprint. Empty follows the identity's browser.
	Profile fingerprint.Profile
	// TLSOptions are passed to fingerprint.Transport.
	TLSOptions []fingerprint.Option
	// Transport replaces the fingerprinted transport for every profile.
	Transport http.RoundTripper
	// MaxBusyWaits bounds how often a fetch re-issues after waiting on
	// another goroutine's captcha resolution. Zero means 3.
	MaxBusyWaits int
	// RetryDelay is slept before a captcha retry. Nil means 1 to 3 seconds.
	RetryDelay func() time.Duration
}

// Engine performs one anti-detection fetch of one identifier, retrying
// through captchas and blocks within the limits of the job's settings.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[fingerprint.Profile]*httpclient.Client
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Holder == nil {
		return nil, errors.New("scraper: fingerprint holder is required")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBusyWaits <= 0 {
		cfg.MaxBusyWaits = 3
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = func() time.Duration { return ratelimit.Between(time.Second, 3*time.Second) }
	}
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: make(map[fingerprint.Profile]*httpclient.Client),
	}, nil
}

// ProductURL returns the product page URL for an identifier.
func ProductURL(baseURL, identifier string) string {
	return strings.TrimRight(baseURL, "/") + "/dp/" + url.PathEscape(identifier)
}

// client returns the shared client for a TLS profile. Clients carry no
// cookie jar so that every fetch sends exactly the cookies built for it.
func (e *Engine) client(p fingerprint.Profile) (*httpclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[p]; ok {
		return c, nil
	}
	transport := e.cfg.Transport
	if transport == nil {
		var err error
		transport, err = fingerprint.Transport(p, httpclient.ProxyFromContext, e.cfg.TLSOptions...)
		if err != nil {
			return nil, err
		}
	}
	// per-attempt deadlines come from the request context
	c, err := httpclient.New(httpclient.Config{Timeout: time.Hour, Transport: transport})
	if err != nil {
		return nil, err
	}
	e.clients[p] = c
	return c, nil
}

// Fetch retrieves and extracts the product page for identifier. Every failure
// is a *FetchError carrying its classification.
func (e *Engine) Fetch(ctx context.Context, identifier string, settings storage.Settings) (*extract.Record, error) {
	start := time.Now()
	rec, size, err := e.fetch(ctx, identifier, settings.Normalize())
	metrics.RecordFetch(string(KindOf(err)), size, time.Since(start))
	return rec, err
}

type attempt struct {
	captcha int
	proxy   int
	busy    int
}

func (e *Engine) fetch(ctx context.Context, identifier string, s storage.Settings) (*extract.Record, int, error) {
	target := ProductURL(s.BaseURL, identifier)
	log := e.logger.With("identifier", identifier)
	var n attempt

	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, newError(storage.ErrorFetchFailed, identifier, err)
		}

		px, err := e.selectProxy(ctx, s)
		if err != nil {
			return nil, 0, newError(storage.ErrorFetchFailed, identifier, err)
		}

		res, err := e.do(ctx, target, px, s)
		if err != nil {
			if !transient(ctx, err) {
				return nil, 0, newError(storage.ErrorFetchFailed, identifier, err)
			}
			if e.retryProxy(ctx, px, s, &n) {
				log.Warn("proxy connection failed, switching", "proxy", proxy.Redact(px.URL), "attempt", n.proxy, "error", err)
				continue
			}
			return nil, 0, newError(storage.ErrorNetwork, identifier, err)
		}

		verdict, source := bypass.Classify(res)
		switch verdict {
		case bypass.NotFound:
			return nil, len(res.Body), newError(storage.ErrorNotFound, identifier, ErrNotFound)

		case bypass.Captcha:
			log.Warn("captcha detected", "mode", s.CaptchaHandling)
			if s.FingerprintRotateOnCaptcha {
				e.cfg.Holder.OnCaptcha(true)
				metrics.FingerprintRotations.Inc()
			}
			switch s.CaptchaHandling {
			case storage.CaptchaSkip:
				metrics.CaptchaResolutions.WithLabelValues("skipped").Inc()
				return nil, len(res.Body), newError(storage.ErrorCaptchaRequired, identifier, ErrCaptchaRequired)

			case storage.CaptchaRetry:
				if n.captcha >= s.CaptchaRetryCount {
					metrics.CaptchaResolutions.WithLabelValues("exhausted").Inc()
					return nil, len(res.Body), newError(storage.ErrorCaptchaRequired, identifier, ErrCaptchaRequired)
				}
				n.captcha++
				log.Info("retrying with a new fingerprint", "attempt", n.captcha, "max", s.CaptchaRetryCount)
				if err := ratelimit.Sleep(ctx, e.cfg.RetryDelay()); err != nil {
					return nil, 0, newError(storage.ErrorFetchFailed, identifier, err)
				}
				continue
			}

			if e.cfg.Resolver == nil {
				return nil, len(res.Body), newError(storage.ErrorCaptchaRequired, identifier, ErrCaptchaRequired)
			}
			resolution, err := e.cfg.Resolver.Resolve(ctx, target, e.cfg.Holder.Current().UserAgent, s.CaptchaTimeout())
			if errors.Is(err, captcha.ErrResolutionBusy) {
				metrics.CaptchaResolutions.WithLabelValues("waited").Inc()
				if n.busy >= e.cfg.MaxBusyWaits {
					return nil, len(res.Body), newError(storage.ErrorCaptchaRequired, identifier, fmt.Errorf("%w: %v", ErrCaptchaRequired, err))
				}
				n.busy++
				log.Info("captcha resolved elsewhere, re-issuing", "wait", n.busy)
				continue
			}
			if err == nil && resolution == nil {
				err = errors.New("no resolution")
			}
			if err != nil {
				metrics.CaptchaResolutions.WithLabelValues("failed").Inc()
				log.Warn("captcha resolution failed", "error", err)
				return nil, len(res.Body), newError(storage.ErrorCaptchaRequired, identifier, fmt.Errorf("%w: %w", ErrCaptchaRequired, err))
			}
			metrics.CaptchaResolutions.WithLabelValues("resolved").Inc()
			return e.cfg.Extractor.Extract(resolution.HTML, target, identifier), len(resolution.HTML), nil

		case bypass.Blocked:
			if e.retryProxy(ctx, px, s, &n) {
				log.Warn("proxy blocked, switching", "proxy", proxy.Redact(px.URL), "source", source, "attempt", n.proxy)
				continue
			}
			return nil, len(res.Body), newError(storage.ErrorIPBlocked, identifier, fmt.Errorf("%w by %s (status %d)", ErrIPBlocked, source, res.StatusCode))
		}

		rec := e.cfg.Extractor.Extract(res.Body, target, identifier)
		if s.SaveRawResponse && e.cfg.Archive != nil {
			name, err := e.cfg.Archive.Save(ctx, identifier, res.Body)
			if err != nil {
				log.Warn("archiving raw page failed", "error", err)
			} else {
				rec.RawFile = name
			}
		}
		if px != nil {
			if err := e.cfg.Pool.MarkSuccess(ctx, px.URL); err != nil {
				log.Warn("recording proxy success failed", "error", err)
			}
		}
		return rec, len(res.Body), nil
	}
}

// retryProxy records a failure of px and reports whether the fetch should be
// re-issued through the next proxy.
func (e *Engine) retryProxy(ctx context.Context, px *storage.Proxy, s storage.Settings, n *attempt) bool {
	if px == nil {
		return false
	}
	metrics.ProxyFailures.WithLabelValues(proxy.Redact(px.URL)).Inc()
	if err := e.cfg.Pool.MarkFailed(ctx, px.URL, s.ProxyMaxFailures); err != nil {
		e.logger.Warn("recording proxy failure failed", "error", err)
	}
	if !s.ProxySwitchOnFail || n.proxy >= s.ProxyFailRetryCount {
		return false
	}
	n.proxy++
	if err := e.cfg.Pool.ForceNext(ctx); err != nil {
		e.logger.Warn("advancing proxy cursor failed", "error", err)
	}
	return true
}

func (e *Engine) selectProxy(ctx context.Context, s storage.Settings) (*storage.Proxy, error) {
	if !s.ProxyEnabled || e.cfg.Pool == nil {
		return nil, nil
	}
	return e.cfg.Pool.Select(ctx, proxy.Rotation{
		ByCount: s.ProxyRotateByCount,
		ByTime:  s.ProxyRotateInterval(),
	})
}

func (e *Engine) do(ctx context.Context, target string, px *storage.Proxy, s storage.Settings) (*bypass.Response, error) {
	identity := e.cfg.Holder.Current()
	profile := e.cfg.Profile
	if profile == "" {
		profile = fingerprint.ProfileFor(identity.Browser)
	}
	client, err := e.client(profile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()
	if px != nil {
		u, err := url.Parse(px.URL)
		if err != nil {
			return nil, fmt.Errorf("scraper: proxy url: %w", err)
		}
		ctx = httpclient.WithProxy(ctx, u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("scraper: build request: %w", err)
	}
	setHeaders(req.Header, identity.UserAgent, identity.ClientHints())
	req.Header.Set("Cookie", e.cookieHeader(s.GeographyCode))

	resp, err := client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	return &bypass.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func setHeaders(h http.Header, userAgent string, hints map[string]string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Cache-Control", "max-age=0")
	for k, v := range hints {
		h.Set(k, v)
	}
}

type deliveryLocation struct {
	LocationType  string `json:"locationType"`
	ZipCode       string `json:"zipCode"`
	StateOrRegion string `json:"stateOrRegion"`
	City          string `json:"city"`
	CountryCode   string `json:"countryCode"`
	DeviceType    string `json:"deviceType"`
	District      string `json:"district"`
	AddressID     string `json:"addressId"`
}

// cookieHeader builds the locale cookies for a delivery postcode, prefixed by
// any cookies a captcha resolution left behind.
func (e *Engine) cookieHeader(zip string) string {
	loc, _ := json.Marshal(deliveryLocation{
		LocationType: "LOCATION_INPUT",
		ZipCode:      zip,
		CountryCode:  "US",
		DeviceType:   "web",
	})
	cookies := strings.Join([]string{
		"ubid-main=131-0000000-0000000",
		"session-id=000-0000000-0000000",
		`sp-cdn="L5Z9:CN"`,
		"lc-main=en_US",
		"i18n-prefs=USD",
		"gp-delivery-location=" + url.QueryEscape(string(loc)),
		"x-wl-uid=1",
		"session-token=none",
		"csm-hit=tb:s-00000000000000000000000000000000|0000000000000&t:0000000000000&adb:adblk_no",
	}, "; ")
	if e.cfg.Resolver != nil {
		if resolved := e.cfg.Resolver.Cookies(); resolved != "" {
			cookies = resolved + "; " + cookies
		}
	}
	return cookies
}

// transient reports connection level failures worth a retry through another
// proxy. Cancellation of the parent context is never transient.
func transient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
