package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/snare/internal/extract"
	"github.com/FranksOps/snare/internal/scraper"
	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/internal/storage/sqlite"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fetch func(ctx context.Context, id string) (*extract.Record, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string, _ storage.Settings) (*extract.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(ctx, id)
	}
	return &extract.Record{Identifier: id, Title: "Item " + id, Price: "$1.00"}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "snare.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func testSettings(concurrency int) storage.Settings {
	s := storage.DefaultSettings()
	s.Concurrency = concurrency
	s.RequestDelayMs = 0
	s.CaptchaHandling = storage.CaptchaSkip
	return s
}

func newScheduler(store Store, f Fetcher) *Scheduler {
	return New(Config{Store: store, Fetcher: f, Stagger: -1, PollInterval: 10 * time.Millisecond})
}

func TestRunOnce_NoPendingJob(t *testing.T) {
	b := newBackend(t)
	ran, err := newScheduler(b, &fakeFetcher{}).RunOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("RunOnce = %v, %v; want false, nil", ran, err)
	}
}

func TestRunOnce_MixedOutcomes(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, err := b.CreateJob(ctx, []string{"A", "B", "C"}, testSettings(5))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	f := &fakeFetcher{fetch: func(_ context.Context, id string) (*extract.Record, error) {
		switch id {
		case "B":
			return nil, &scraper.FetchError{Kind: storage.ErrorCaptchaRequired, Identifier: id, Err: scraper.ErrCaptchaRequired}
		case "C":
			return nil, &scraper.FetchError{Kind: storage.ErrorNotFound, Identifier: id, Err: scraper.ErrNotFound}
		}
		return &extract.Record{Identifier: id, Title: "Item " + id}, nil
	}}

	ran, err := newScheduler(b, f).RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}

	got, err := b.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != storage.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Progress != 100 || got.SuccessCount != 1 || got.FailCount != 2 || got.CaptchaCount != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}

	for id, want := range map[string]storage.ErrorKind{"A": storage.ErrorNone, "B": storage.ErrorCaptchaRequired, "C": storage.ErrorNotFound} {
		p, err := b.GetProduct(ctx, id)
		if err != nil {
			t.Fatalf("GetProduct(%s): %v", id, err)
		}
		if p.Error != want {
			t.Errorf("%s error = %q, want %q", id, p.Error, want)
		}
		if p.JobID == nil || *p.JobID != job.ID {
			t.Errorf("%s job id = %v", id, p.JobID)
		}
	}
}

func TestRunOnce_AllFailedMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, _ := b.CreateJob(ctx, []string{"A", "B"}, testSettings(1))

	f := &fakeFetcher{fetch: func(context.Context, string) (*extract.Record, error) {
		return nil, fmt.Errorf("boom")
	}}
	if _, err := newScheduler(b, f).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.Status != storage.JobFailed || got.FailCount != 2 {
		t.Errorf("got %s fail=%d, want failed fail=2", got.Status, got.FailCount)
	}
	p, _ := b.GetProduct(ctx, "A")
	if p.Error != storage.ErrorFetchFailed {
		t.Errorf("error = %q, want FETCH_FAILED", p.Error)
	}
}

func TestRunOnce_ResumeSkipsStoredProducts(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, _ := b.CreateJob(ctx, []string{"A", "B", "C"}, testSettings(2))

	jobID := job.ID
	if err := b.UpsertProduct(ctx, &storage.Product{Identifier: "A", JobID: &jobID, Status: storage.ProductSuccess}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	if err := b.UpdateJobProgress(ctx, job.ID, 33, 1, 0); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}

	f := &fakeFetcher{}
	if _, err := newScheduler(b, f).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 2 {
		t.Fatalf("fetched %v, want only B and C", calls)
	}
	for _, id := range calls {
		if id == "A" {
			t.Error("A was fetched again")
		}
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.SuccessCount != 3 || got.Status != storage.JobCompleted {
		t.Errorf("got %+v", got)
	}
}

func TestRunOnce_RetryRefetchesEverything(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, _ := b.CreateJob(ctx, []string{"A", "B"}, testSettings(2))

	f := &fakeFetcher{}
	s := newScheduler(b, f)
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := b.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after retry: %v", err)
	}
	if n := len(f.Calls()); n != 4 {
		t.Errorf("fetch calls = %d, want 4", n)
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.SuccessCount != 2 || got.FailCount != 0 {
		t.Errorf("counters = %d/%d, want 2/0", got.SuccessCount, got.FailCount)
	}
}

func TestRunOnce_CancelStopsBeforeNextBatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, _ := b.CreateJob(ctx, []string{"A", "B", "C"}, testSettings(1))

	f := &fakeFetcher{}
	f.fetch = func(ctx context.Context, id string) (*extract.Record, error) {
		if id == "A" {
			if err := b.CancelJob(ctx, job.ID); err != nil {
				t.Errorf("CancelJob: %v", err)
			}
		}
		return &extract.Record{Identifier: id}, nil
	}

	if _, err := newScheduler(b, f).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if calls := f.Calls(); len(calls) != 1 {
		t.Errorf("fetched %v, want only A", calls)
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.Status != storage.JobCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	// the batch in flight is still persisted
	if _, err := b.GetProduct(ctx, "A"); err != nil {
		t.Errorf("GetProduct(A): %v", err)
	}
}

func TestRunOnce_PanicIsolatedToItem(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, _ := b.CreateJob(ctx, []string{"A", "B"}, testSettings(2))

	f := &fakeFetcher{fetch: func(_ context.Context, id string) (*extract.Record, error) {
		if id == "B" {
			panic("parser exploded")
		}
		return &extract.Record{Identifier: id}, nil
	}}
	if _, err := newScheduler(b, f).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.SuccessCount != 1 || got.FailCount != 1 || got.Status != storage.JobCompleted {
		t.Errorf("got %+v", got)
	}
	p, _ := b.GetProduct(ctx, "B")
	if p.Error != storage.ErrorFetchFailed {
		t.Errorf("B error = %q", p.Error)
	}
}

func TestStart_InterruptsRunningJobsAndProcessesQueue(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	stale, _ := b.CreateJob(ctx, []string{"X"}, testSettings(1))
	if err := b.SetJobStatus(ctx, stale.ID, storage.JobRunning); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}
	job, _ := b.CreateJob(ctx, []string{"A"}, testSettings(1))

	s := newScheduler(b, &fakeFetcher{})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	got, _ := b.GetJob(ctx, stale.ID)
	if got.Status != storage.JobInterrupted {
		t.Errorf("stale status = %s, want interrupted", got.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ = b.GetJob(ctx, job.ID)
		if got.Status == storage.JobCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job not completed, status %s", got.Status)
}

func TestRemaining(t *testing.T) {
	got := Remaining([]string{"A", "B", "C", "D"}, []string{"C", "A"})
	if len(got) != 2 || got[0] != "B" || got[1] != "D" {
		t.Errorf("Remaining = %v", got)
	}
}

func TestProgress(t *testing.T) {
	tests := []struct{ completed, total, want int }{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := Progress(tt.completed, tt.total); got != tt.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tt.completed, tt.total, got, tt.want)
		}
	}
}

// cancelOnPick cancels every job right after handing it to the scheduler.
type cancelOnPick struct {
	storage.Backend
}

func (c cancelOnPick) NextPendingJob(ctx context.Context) (*storage.Job, error) {
	job, err := c.Backend.NextPendingJob(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Backend.CancelJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

func TestRunOnce_CancelBeforeStartWins(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	job, err := b.CreateJob(ctx, []string{"A", "B"}, testSettings(2))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	f := &fakeFetcher{}
	ran, err := newScheduler(cancelOnPick{b}, f).RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	if calls := f.Calls(); len(calls) != 0 {
		t.Errorf("cancelled job must not be fetched, got %v", calls)
	}
	got, _ := b.GetJob(ctx, job.ID)
	if got.Status != storage.JobCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}
