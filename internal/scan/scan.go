// Package scan runs blacklist scans over stored products.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FranksOps/snare/internal/analyzer"
	"github.com/FranksOps/snare/internal/metrics"
	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/pkg/ratelimit"
)

// Failure messages recorded on a scan job that cannot start.
const (
	MsgEmptyBlacklist = "blacklist is empty"
	MsgNoProducts     = "no scannable products"
	MsgInterrupted    = "interrupted before completion"
)

// Store is the persistence a scan needs.
type Store interface {
	storage.ScanStore
	analyzer.Source
}

// Config wires a Scheduler.
type Config struct {
	Store  Store
	Logger *slog.Logger
	// PollInterval is the wait between empty polls. Zero means 3s.
	PollInterval time.Duration
	// BatchSize only bounds how often progress is written. Zero means 500.
	BatchSize int
}

// Scheduler polls for pending scan jobs and runs them one at a time.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	matcher *analyzer.Matcher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	logger := cfg.Logger.With("component", "scan")
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		matcher: analyzer.NewMatcher(cfg.Store, logger),
	}
}

// Start fails scan jobs a previous process left running, then runs the
// polling loop in the background until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scan: already started")
	}
	n, err := s.cfg.Store.FailRunningScanJobs(ctx, MsgInterrupted)
	if err != nil {
		return fmt.Errorf("scan: fail running scan jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("failed scan jobs left running", "count", n)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		ran, err := s.safeRunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("scan run failed", "error", err)
		}
		if ran && ctx.Err() == nil {
			continue
		}
		if err := ratelimit.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return
		}
	}
}

func (s *Scheduler) safeRunOnce(ctx context.Context) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan: panic: %v", r)
		}
	}()
	return s.RunOnce(ctx)
}

// RunOnce runs the oldest pending scan job. It reports false when there was
// nothing to run. Setup problems end the scan job as failed and are not
// returned. A scan cut short by ctx is failed with MsgInterrupted.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.cfg.Store.NextPendingScanJob(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan: next pending scan job: %w", err)
	}

	if err := s.run(ctx, job); err != nil {
		if ctx.Err() != nil {
			// the scan ctx is done; the terminal write must still land
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if ferr := s.cfg.Store.FailScanJob(fctx, job.ID, MsgInterrupted); ferr != nil {
				return true, errors.Join(err, fmt.Errorf("scan: fail scan job %d: %w", job.ID, ferr))
			}
			metrics.JobsFinished.WithLabelValues("scan_" + string(storage.JobFailed)).Inc()
			return true, err
		}
		s.logger.Error("scan job failed", "scan", job.ID, "error", err)
		if ferr := s.cfg.Store.FailScanJob(ctx, job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("scan: fail scan job %d: %w", job.ID, ferr)
		}
		metrics.JobsFinished.WithLabelValues("scan_" + string(storage.JobFailed)).Inc()
	}
	return true, nil
}

func (s *Scheduler) run(ctx context.Context, job *storage.ScanJob) error {
	log := s.logger.With("scan", job.ID, "scope", job.Scope)
	if err := s.cfg.Store.StartScanJob(ctx, job.ID); err != nil {
		return err
	}

	stats, err := s.matcher.Load(ctx)
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		return errors.New(MsgEmptyBlacklist)
	}

	products, err := s.cfg.Store.ScannableProducts(ctx, job.Scope)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return errors.New(MsgNoProducts)
	}

	total := len(products)
	if err := s.cfg.Store.SetScanTotal(ctx, job.ID, total); err != nil {
		return err
	}
	log.Info("scan started", "products", total, "keywords", stats.Total)

	scanned, matched := 0, 0
	for start := 0; start < total; start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.cfg.BatchSize, total)

		results := make([]*storage.ScanResult, 0, end-start)
		for _, p := range products[start:end] {
			r := s.Evaluate(job.ID, p)
			if r.HasViolation {
				matched++
			}
			metrics.RecordScan(r.HasViolation)
			results = append(results, r)
		}
		if err := s.cfg.Store.InsertScanResults(ctx, results...); err != nil {
			return err
		}
		scanned = end
		if err := s.cfg.Store.UpdateScanProgress(ctx, job.ID, scanned*100/total, scanned, matched); err != nil {
			return err
		}
	}

	if err := s.cfg.Store.CompleteScanJob(ctx, job.ID); err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues("scan_" + string(storage.JobCompleted)).Inc()
	log.Info("scan finished", "scanned", scanned, "matched", matched)
	return nil
}

// Evaluate matches one product with the loaded index and snapshots the
// fields a reviewer needs.
func (s *Scheduler) Evaluate(scanID int64, p *storage.Product) *storage.ScanResult {
	res := s.matcher.Match(p)
	total := p.TotalPrice
	if total == "" {
		total = p.Price
	}
	return &storage.ScanResult{
		ScanJobID:    scanID,
		Identifier:   p.Identifier,
		Title:        p.Title,
		TotalPrice:   total,
		Stock:        p.Stock,
		DeliveryDays: p.DeliveryDays,
		SellerName:   p.SellerName,
		Matched:      res.Matched,
		HasViolation: res.HasViolation,
	}
}
