package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotCancellable is returned when cancelling a job that already finished.
var ErrNotCancellable = errors.New("storage: job already finished")

// JobStatus is the lifecycle state of a fetch Job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobInterrupted JobStatus = "interrupted"
)

// ProductStatus records whether the last fetch of an identifier succeeded.
type ProductStatus string

const (
	ProductSuccess ProductStatus = "success"
	ProductFailed  ProductStatus = "failed"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	ErrorNone            ErrorKind = ""
	ErrorNotFound        ErrorKind = "NOT_FOUND"
	ErrorCaptchaRequired ErrorKind = "CAPTCHA_REQUIRED"
	ErrorIPBlocked       ErrorKind = "IP_BLOCKED"
	ErrorNetwork         ErrorKind = "NETWORK_ERROR"
	ErrorFetchFailed     ErrorKind = "FETCH_FAILED"
)

// Job is a submitted batch of target identifiers.
type Job struct {
	ID           int64
	Identifiers  []string
	Status       JobStatus
	Progress     int
	SuccessCount int
	FailCount    int
	CaptchaCount int
	Message      string
	Settings     Settings
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Total is the number of deduplicated identifiers the job targets.
func (j *Job) Total() int { return len(j.Identifiers) }

// Product is the persisted record for one identifier. Optional numeric
// fields are nil when extraction found nothing.
type Product struct {
	Identifier      string
	JobID           *int64
	URL             string
	Title           string
	Price           string
	ShippingFee     string
	TotalPrice      string
	Rating          string
	ReviewCount     string
	Images          []string
	Bullets         []string
	Description     string
	Attributes      map[string]string
	DeliveryInfo    string
	DeliveryDays    *int
	FulfillmentType string
	Stock           *int
	SellerName      string
	ReturnPolicy    string
	RawFile         string
	Status          ProductStatus
	Error           ErrorKind
	UpdatedAt       time.Time
}

// ProductFilter narrows ListProducts.
type ProductFilter struct {
	JobID  *int64
	Status ProductStatus
	Limit  int
	Offset int
}

// ProxyStatus is the health state of an outbound proxy.
type ProxyStatus string

const (
	ProxyPending ProxyStatus = "pending"
	ProxyActive  ProxyStatus = "active"
	ProxyFailed  ProxyStatus = "failed"
)

// Proxy is one outbound proxy and its usage counters.
type Proxy struct {
	ID              int64
	URL             string
	RawInput        string
	Status          ProxyStatus
	SuccessCount    int
	FailCount       int
	UsageCount      int // rotation-window usage
	TotalUsageCount int
	LastUsedAt      *time.Time
}

// Category buckets blacklist keywords.
type Category string

const (
	CategoryBrand   Category = "brand"
	CategoryProduct Category = "product"
	CategoryTRO     Category = "tro"
	CategorySeller  Category = "seller"
)

// Categories lists every blacklist category in a stable order.
var Categories = []Category{CategoryBrand, CategoryProduct, CategoryTRO, CategorySeller}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// BlacklistEntry is a banned keyword. (Category, Keyword) is unique.
type BlacklistEntry struct {
	ID          int64
	Category    Category
	Keyword     string
	Description string
}

// ScopeAll selects every successfully fetched product for a scan.
const ScopeAll = "all"

// ScanJob is one batch pass of the blacklist over a product scope.
type ScanJob struct {
	ID            int64
	Name          string
	Status        JobStatus
	Scope         string // ScopeAll or a job id
	Progress      int
	TotalProducts int
	ScannedCount  int
	MatchedCount  int
	Message       string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// ScanResult is the append-only outcome of matching one product in one scan run.
type ScanResult struct {
	ID           int64
	ScanJobID    int64
	Identifier   string
	Title        string
	TotalPrice   string
	Stock        *int
	DeliveryDays *int
	SellerName   string
	Matched      map[Category][]string
	HasViolation bool
}

// ProxyImport summarises an ImportProxies call.
type ProxyImport struct {
	Added   int
	Invalid int
}

// JobStore persists fetch jobs.
type JobStore interface {
	CreateJob(ctx context.Context, identifiers []string, settings Settings) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*Job, error)
	NextPendingJob(ctx context.Context) (*Job, error)
	SetJobStatus(ctx context.Context, id int64, status JobStatus) error
	UpdateJobProgress(ctx context.Context, id int64, progress, success, fail int) error
	AddJobCaptchas(ctx context.Context, id int64, n int, message string) error
	StartJob(ctx context.Context, id int64) (bool, error)
	InterruptRunningJobs(ctx context.Context) (int, error)
	CancelJob(ctx context.Context, id int64) error
	ResumeJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64) error
	DeleteJob(ctx context.Context, id int64) error
}

// ProductStore persists product records.
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, identifier string) (*Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]*Product, error)
	ProductIdentifiersForJob(ctx context.Context, jobID int64) ([]string, error)
}

// ProxyStore persists proxies and their counters.
type ProxyStore interface {
	ImportProxies(ctx context.Context, raw ...string) (ProxyImport, error)
	ListProxies(ctx context.Context) ([]*Proxy, error)
	SetProxyStatus(ctx context.Context, id int64, status ProxyStatus) error
	SelectableProxies(ctx context.Context) ([]*Proxy, error)
	TouchProxy(ctx context.Context, id int64) error
	ResetProxyUsage(ctx context.Context, id int64) error
	ResetAllProxyUsage(ctx context.Context) error
	MarkProxySuccess(ctx context.Context, url string) error
	MarkProxyFailed(ctx context.Context, url string, maxFailures int) error
	DeleteFailedProxies(ctx context.Context) (int, error)
}

// BlacklistStore persists banned keywords.
type BlacklistStore interface {
	AddBlacklist(ctx context.Context, entries ...BlacklistEntry) (int, error)
	ListBlacklist(ctx context.Context) ([]*BlacklistEntry, error)
	DeleteBlacklistCategory(ctx context.Context, c Category) (int, error)
}

// ScanStore persists scan jobs and their results.
type ScanStore interface {
	CreateScanJob(ctx context.Context, name, scope string) (*ScanJob, error)
	GetScanJob(ctx context.Context, id int64) (*ScanJob, error)
	NextPendingScanJob(ctx context.Context) (*ScanJob, error)
	StartScanJob(ctx context.Context, id int64) error
	SetScanTotal(ctx context.Context, id int64, total int) error
	UpdateScanProgress(ctx context.Context, id int64, progress, scanned, matched int) error
	CompleteScanJob(ctx context.Context, id int64) error
	FailScanJob(ctx context.Context, id int64, message string) error
	FailRunningScanJobs(ctx context.Context, message string) (int, error)
	InsertScanResults(ctx context.Context, results ...*ScanResult) error
	ListScanResults(ctx context.Context, scanID int64, violationsOnly bool) ([]*ScanResult, error)
	ScannableProducts(ctx context.Context, scope string) ([]*Product, error)
}

// Backend is the full persisted store used by the schedulers.
type Backend interface {
	JobStore
	ProductStore
	ProxyStore
	BlacklistStore
	ScanStore
	Close() error
}

// DedupeIdentifiers trims identifiers, drops empties and keeps the first
// occurrence of each.
func DedupeIdentifiers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
