// Package scheduler runs submitted fetch jobs one at a time, fanning each
// job out in concurrent batches and persisting progress after every batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/snare/internal/extract"
	"github.com/FranksOps/snare/internal/fingerprint"
	"github.com/FranksOps/snare/internal/metrics"
	"github.com/FranksOps/snare/internal/scraper"
	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/pkg/ratelimit"
)

const captchaMessage = "captcha encountered; resolved or skipped"

// Fetcher fetches one identifier. *scraper.Engine satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string, settings storage.Settings) (*extract.Record, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.JobStore
	storage.ProductStore
}

// Config wires a Scheduler.
type Config struct {
	Store   Store
	Fetcher Fetcher
	Holder  *fingerprint.Holder
	Logger  *slog.Logger
	// PollInterval is the wait between empty polls. Zero means 2s.
	PollInterval time.Duration
	// Stagger spreads item starts within a batch: item i waits a random
	// duration below i*Stagger. Zero means 500ms, negative disables.
	Stagger time.Duration
}

// Scheduler polls the store for pending jobs. Jobs never run concurrently
// with each other; items inside a batch do.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Holder == nil {
		cfg.Holder = fingerprint.NewHolder(nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Stagger == 0 {
		cfg.Stagger = 500 * time.Millisecond
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger.With("component", "scheduler")}
}

// Start marks jobs left running by a previous process as interrupted and
// starts the polling loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler: already started")
	}

	n, err := s.cfg.Store.InterruptRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: interrupt running jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("jobs interrupted by a previous shutdown", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to exit. A job in flight is left
// running in the store and becomes interrupted on the next Start.
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
			s.logger.Error("job run failed", "error", err)
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
			err = fmt.Errorf("scheduler: panic: %v", r)
		}
	}()
	return s.RunOnce(ctx)
}

// RunOnce runs the oldest pending job to completion. It reports false when
// there was nothing to run.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.cfg.Store.NextPendingJob(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduler: next pending job: %w", err)
	}
	return true, s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job *storage.Job) error {
	log := s.logger.With("job", job.ID)
	settings := job.Settings.Normalize()

	started, err := s.cfg.Store.StartJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("scheduler: start job %d: %w", job.ID, err)
	}
	if !started {
		log.Info("job left pending state before start, skipping")
		return nil
	}

	stored, err := s.cfg.Store.ProductIdentifiersForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("scheduler: stored products of job %d: %w", job.ID, err)
	}
	remaining := Remaining(job.Identifiers, stored)
	total := job.Total()
	completed := total - len(remaining)
	success, fail := job.SuccessCount, job.FailCount
	log.Info("job started", "total", total, "remaining", len(remaining), "concurrency", settings.Concurrency)

	for start := 0; start < len(remaining); start += settings.Concurrency {
		current, err := s.cfg.Store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("scheduler: reload job %d: %w", job.ID, err)
		}
		if current.Status == storage.JobCancelled {
			log.Info("job cancelled", "completed", completed, "total", total)
			metrics.JobsFinished.WithLabelValues(string(storage.JobCancelled)).Inc()
			return nil
		}

		end := min(start+settings.Concurrency, len(remaining))
		batch := remaining[start:end]

		if s.cfg.Holder.BeforeBatch(settings.FingerprintRotate) {
			metrics.FingerprintRotations.Inc()
		}
		outcomes := s.fetchBatch(ctx, job.ID, batch, settings)
		if err := ctx.Err(); err != nil {
			// the batch is refetched on resume
			return err
		}

		captchas := 0
		for _, o := range outcomes {
			if err := s.cfg.Store.UpsertProduct(ctx, o.product); err != nil {
				return fmt.Errorf("scheduler: store %s: %w", o.product.Identifier, err)
			}
			switch {
			case o.product.Status == storage.ProductSuccess:
				success++
			case o.product.Error == storage.ErrorCaptchaRequired:
				fail++
				captchas++
			default:
				fail++
			}
		}
		if captchas > 0 {
			if err := s.cfg.Store.AddJobCaptchas(ctx, job.ID, captchas, captchaMessage); err != nil {
				return fmt.Errorf("scheduler: captcha count of job %d: %w", job.ID, err)
			}
		}

		completed += len(batch)
		if err := s.cfg.Store.UpdateJobProgress(ctx, job.ID, Progress(completed, total), success, fail); err != nil {
			return fmt.Errorf("scheduler: progress of job %d: %w", job.ID, err)
		}
		log.Info("batch done", "completed", completed, "total", total, "success", success, "fail", fail, "captcha", captchas)

		if end < len(remaining) {
			if err := ratelimit.Sleep(ctx, settings.RequestDelay()); err != nil {
				return err
			}
		}
	}

	current, err := s.cfg.Store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("scheduler: reload job %d: %w", job.ID, err)
	}
	if current.Status == storage.JobCancelled {
		log.Info("job cancelled", "completed", completed, "total", total)
		metrics.JobsFinished.WithLabelValues(string(storage.JobCancelled)).Inc()
		return nil
	}

	status := storage.JobCompleted
	if total > 0 && fail >= total {
		status = storage.JobFailed
	}
	if err := s.cfg.Store.UpdateJobProgress(ctx, job.ID, 100, success, fail); err != nil {
		return fmt.Errorf("scheduler: progress of job %d: %w", job.ID, err)
	}
	if err := s.cfg.Store.SetJobStatus(ctx, job.ID, status); err != nil {
		return fmt.Errorf("scheduler: finish job %d: %w", job.ID, err)
	}
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	log.Info("job finished", "status", status, "success", success, "fail", fail)
	return nil
}

type outcome struct {
	product *storage.Product
}

func (s *Scheduler) fetchBatch(ctx context.Context, jobID int64, batch []string, settings storage.Settings) []outcome {
	outcomes := make([]outcome, len(batch))
	var g errgroup.Group
	for i, id := range batch {
		g.Go(func() error {
			outcomes[i] = s.fetchOne(ctx, jobID, i, id, settings)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// fetchOne never panics and never fails: every problem becomes a failed
// product for this identifier.
func (s *Scheduler) fetchOne(ctx context.Context, jobID int64, index int, identifier string, settings storage.Settings) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fetch panicked", "job", jobID, "identifier", identifier, "panic", r)
			o = outcome{product: failedProduct(jobID, identifier, storage.ErrorFetchFailed)}
		}
	}()

	if s.cfg.Stagger > 0 {
		if err := ratelimit.Sleep(ctx, ratelimit.Stagger(index, s.cfg.Stagger)); err != nil {
			return outcome{product: failedProduct(jobID, identifier, storage.ErrorFetchFailed)}
		}
	}
	if s.cfg.Holder.BeforeRequest(settings.FingerprintRotate, settings.FingerprintRotateCount) {
		metrics.FingerprintRotations.Inc()
	}

	rec, err := s.cfg.Fetcher.Fetch(ctx, identifier, settings)
	if err != nil {
		kind := scraper.KindOf(err)
		s.logger.Warn("fetch failed", "job", jobID, "identifier", identifier, "kind", kind, "error", err)
		return outcome{product: failedProduct(jobID, identifier, kind)}
	}
	if rec == nil {
		return outcome{product: failedProduct(jobID, identifier, storage.ErrorFetchFailed)}
	}
	return outcome{product: ProductFromRecord(jobID, rec)}
}

func failedProduct(jobID int64, identifier string, kind storage.ErrorKind) *storage.Product {
	return &storage.Product{
		Identifier: identifier,
		JobID:      &jobID,
		Status:     storage.ProductFailed,
		Error:      kind,
	}
}

// ProductFromRecord converts an extracted record into a successful product
// owned by jobID.
func ProductFromRecord(jobID int64, rec *extract.Record) *storage.Product {
	return &storage.Product{
		Identifier:      rec.Identifier,
		JobID:           &jobID,
		URL:             rec.URL,
		Title:           rec.Title,
		Price:           rec.Price,
		ShippingFee:     rec.ShippingFee,
		TotalPrice:      rec.TotalPrice,
		Rating:          rec.Rating,
		ReviewCount:     rec.ReviewCount,
		Images:          rec.Images,
		Bullets:         rec.Bullets,
		Description:     rec.Description,
		Attributes:      rec.Attributes,
		DeliveryInfo:    rec.DeliveryInfo,
		DeliveryDays:    rec.DeliveryDays,
		FulfillmentType: rec.FulfillmentType,
		Stock:           rec.Stock,
		SellerName:      rec.SellerName,
		ReturnPolicy:    rec.ReturnPolicy,
		RawFile:         rec.RawFile,
		Status:          storage.ProductSuccess,
	}
}

// Remaining returns the targets without a stored product, in target order.
func Remaining(targets, stored []string) []string {
	done := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		done[id] = struct{}{}
	}
	out := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Progress is completed/total as a rounded percentage.
func Progress(completed, total int) int {
	if total <= 0 {
		return 100
	}
	return (completed*100 + total/2) / total
}
