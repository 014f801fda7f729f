package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8888, nil)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordFetch("", 11, time.Second)
	RecordFetch("CAPTCHA_REQUIRED", 0, 2*time.Second)
	ProxyFailures.WithLabelValues("http://proxy.local:8080").Inc()
	RecordScan(true)

	resp, err := http.Get("http://localhost:8888/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	output := string(body)

	for _, want := range []string{
		`snare_fetches_total{outcome="success"} 1`,
		`snare_fetches_total{outcome="CAPTCHA_REQUIRED"} 1`,
		`snare_fetch_duration_seconds_bucket`,
		`snare_fetch_bytes_total 11`,
		`snare_proxy_failures_total{proxy="http://proxy.local:8080"} 1`,
		`snare_scanned_products_total{violation="true"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in metrics output", want)
		}
	}
}

func TestStopNilServer(t *testing.T) {
	var s *Server
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
