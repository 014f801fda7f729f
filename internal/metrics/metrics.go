package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snare_fetches_total",
			Help: "Total number of product page fetches by outcome",
		},
		[]string{"outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snare_fetch_duration_seconds",
			Help:    "Duration of product page fetches in seconds, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	FetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snare_fetch_bytes_total",
			Help: "Total bytes of product pages downloaded",
		},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snare_proxy_failures_total",
			Help: "Total number of requests that failed through a proxy",
		},
		[]string{"proxy"},
	)

	CaptchaResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snare_captcha_resolutions_total",
			Help: "Captcha resolution attempts by result",
		},
		[]string{"result"},
	)

	FingerprintRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snare_fingerprint_rotations_total",
			Help: "Number of times the fetch identity was replaced",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snare_jobs_finished_total",
			Help: "Fetch jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	ScannedProducts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snare_scanned_products_total",
			Help: "Products matched against the blacklist",
		},
		[]string{"violation"},
	)
)

// RecordFetch updates the fetch metrics for one identifier. outcome is
// "success" or the failure kind.
func RecordFetch(outcome string, bytes int, d time.Duration) {
	if outcome == "" {
		outcome = "success"
	}
	FetchesTotal.WithLabelValues(outcome).Inc()
	FetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
	FetchBytesTotal.Add(float64(bytes))
}

// RecordScan counts one scanned product.
func RecordScan(violation bool) {
	ScannedProducts.WithLabelValues(strconv.FormatBool(violation)).Inc()
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "port", port, "error", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
