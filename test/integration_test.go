//go:build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/snare/internal/captcha"
	"github.com/FranksOps/snare/internal/config"
	"github.com/FranksOps/snare/internal/fingerprint"
	"github.com/FranksOps/snare/internal/pipeline"
	"github.com/FranksOps/snare/internal/scraper"
	"github.com/FranksOps/snare/internal/storage"
)

type noBrowser struct{}

func (noBrowser) NewSession(context.Context, string) (captcha.Session, error) {
	return nil, errors.New("no browser")
}

const productHTML = `<html><body>
<span id="productTitle">%s</span>
<span class="a-price"><span class="a-offscreen">$19.99</span></span>
<a id="sellerProfileTriggerId">%s</a>
</body></html>`

func newApp(t *testing.T) *pipeline.App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Database:         filepath.Join(dir, "snare.db"),
		RawDir:           filepath.Join(dir, "raw"),
		PollInterval:     20 * time.Millisecond,
		ScanPollInterval: 20 * time.Millisecond,
		Settings:         storage.DefaultSettings(),
	}
	app, err := pipeline.New(context.Background(), cfg, nil,
		pipeline.WithBrowser(noBrowser{}),
		pipeline.WithEngine(scraper.Config{Profile: fingerprint.ProfileGo, RetryDelay: func() time.Duration { return 0 }}),
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func run(t *testing.T, app *pipeline.App) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIntegration_FetchAndScan(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dp/GOOD1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, productHTML, "Replica NIKE runner", "Acme Direct")
	})
	mux.HandleFunc("/dp/GOOD2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, productHTML, "Plain cotton socks", "Sock House")
	})
	mux.HandleFunc("/dp/CAPT", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form action="/errors/validateCaptcha"><input id="captchacharacters"></form></body></html>`)
	})
	mux.HandleFunc("/", http.NotFound)
	shop := httptest.NewServer(mux)
	defer shop.Close()

	app := newApp(t)
	ctx := context.Background()

	settings := storage.DefaultSettings()
	settings.BaseURL = shop.URL
	settings.Concurrency = 2
	settings.RequestDelayMs = 0
	settings.CaptchaHandling = storage.CaptchaSkip
	job, err := app.Store.CreateJob(ctx, []string{"GOOD1", "CAPT", "MISSING", "GOOD2"}, settings)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := app.Store.AddBlacklist(ctx,
		storage.BlacklistEntry{Category: storage.CategoryBrand, Keyword: "Nike"},
		storage.BlacklistEntry{Category: storage.CategoryProduct, Keyword: "replica"},
	); err != nil {
		t.Fatalf("AddBlacklist: %v", err)
	}

	run(t, app)
	waitFor(t, "job completion", func() bool {
		j, err := app.Store.GetJob(ctx, job.ID)
		return err == nil && j.Status == storage.JobCompleted
	})

	j, _ := app.Store.GetJob(ctx, job.ID)
	if j.SuccessCount+j.FailCount != j.Total() {
		t.Errorf("counters %d+%d != %d", j.SuccessCount, j.FailCount, j.Total())
	}
	if j.SuccessCount != 2 || j.CaptchaCount != 1 {
		t.Errorf("success=%d captcha=%d", j.SuccessCount, j.CaptchaCount)
	}
	for id, want := range map[string]storage.ErrorKind{
		"CAPT":    storage.ErrorCaptchaRequired,
		"MISSING": storage.ErrorNotFound,
		"GOOD1":   storage.ErrorNone,
	} {
		p, err := app.Store.GetProduct(ctx, id)
		if err != nil {
			t.Fatalf("GetProduct(%s): %v", id, err)
		}
		if p.Error != want {
			t.Errorf("%s error = %q, want %q", id, p.Error, want)
		}
	}

	scanJob, err := app.Store.CreateScanJob(ctx, "integration", fmt.Sprint(job.ID))
	if err != nil {
		t.Fatalf("CreateScanJob: %v", err)
	}
	waitFor(t, "scan completion", func() bool {
		s, err := app.Store.GetScanJob(ctx, scanJob.ID)
		return err == nil && s.Status == storage.JobCompleted
	})
	results, err := app.Store.ListScanResults(ctx, scanJob.ID, true)
	if err != nil {
		t.Fatalf("ListScanResults: %v", err)
	}
	if len(results) != 1 || results[0].Identifier != "GOOD1" {
		t.Fatalf("violations = %+v", results)
	}
	if hits := results[0].Matched[storage.CategoryProduct]; len(hits) != 1 || hits[0] != "replica" {
		t.Errorf("product hits = %v", hits)
	}
}

func TestIntegration_ProxyRotationOnBlock(t *testing.T) {
	var blockedHits, goodHits atomic.Int32
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blockedHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "To discuss automated access to Amazon data please contact api-services-support@amazon.com")
	}))
	defer blocking.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		fmt.Fprintf(w, productHTML, "Desk lamp", "Lamp Co")
	}))
	defer good.Close()

	app := newApp(t)
	ctx := context.Background()
	if _, err := app.Store.ImportProxies(ctx, blocking.URL, good.URL); err != nil {
		t.Fatalf("ImportProxies: %v", err)
	}

	settings := storage.DefaultSettings()
	// proxies answer for any host
	settings.BaseURL = "http://shop.invalid"
	settings.RequestDelayMs = 0
	settings.ProxyEnabled = true
	settings.ProxySwitchOnFail = true
	settings.ProxyFailRetryCount = 2
	settings.ProxyMaxFailures = 1
	job, err := app.Store.CreateJob(ctx, []string{"LAMP"}, settings)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	run(t, app)
	waitFor(t, "job completion", func() bool {
		j, err := app.Store.GetJob(ctx, job.ID)
		return err == nil && (j.Status == storage.JobCompleted || j.Status == storage.JobFailed)
	})

	p, err := app.Store.GetProduct(ctx, "LAMP")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Status != storage.ProductSuccess || p.Title != "Desk lamp" {
		t.Errorf("product = %+v", p)
	}
	if blockedHits.Load() == 0 || goodHits.Load() == 0 {
		t.Errorf("hits blocked=%d good=%d, want both proxies used", blockedHits.Load(), goodHits.Load())
	}

	proxies, _ := app.Store.ListProxies(ctx)
	for _, px := range proxies {
		if px.URL == blocking.URL && px.Status != storage.ProxyFailed {
			t.Errorf("blocking proxy status = %s, want failed", px.Status)
		}
	}
}
