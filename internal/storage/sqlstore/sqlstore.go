// Package sqlstore implements storage.Backend on database/sql. The sqlite and
// postgres backends share it and differ only in schema and placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/pkg/proxy"
)

// ensure Store implements storage.Backend
var _ storage.Backend = (*Store)(nil)

// Dialect captures the differences between drivers.
type Dialect int

const (
	// Question uses ? placeholders (sqlite).
	Question Dialect = iota
	// Dollar uses $1, $2 placeholders (postgres).
	Dollar
)

// Store is a storage.Backend over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	closers []func() error
	now     func() time.Time
}

// New wraps an opened database. closers run after db.Close, in order.
func New(db *sql.DB, dialect Dialect, closers ...func() error) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		closers: closers,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for schema bootstrap.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// rebind rewrites ? placeholders for the active dialect. Queries in this
// package never contain a literal question mark.
func (s *Store) rebind(query string) string {
	if s.dialect != Dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func affected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

// ---- jobs ----

const jobColumns = `id, identifiers, status, progress, success_count, fail_count, captcha_count, message, settings, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*storage.Job, error) {
	var (
		j        storage.Job
		ids      string
		status   string
		settings string
		message  sql.NullString
	)
	if err := row.Scan(&j.ID, &ids, &status, &j.Progress, &j.SuccessCount, &j.FailCount,
		&j.CaptchaCount, &message, &settings, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = storage.JobStatus(status)
	j.Message = message.String
	if err := json.Unmarshal([]byte(ids), &j.Identifiers); err != nil {
		return nil, fmt.Errorf("sqlstore: decode identifiers of job %d: %w", j.ID, err)
	}
	j.Settings = storage.DefaultSettings()
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &j.Settings); err != nil {
			return nil, fmt.Errorf("sqlstore: decode settings of job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, identifiers []string, settings storage.Settings) (*storage.Job, error) {
	ids := storage.DedupeIdentifiers(identifiers)
	if len(ids) == 0 {
		return nil, errors.New("sqlstore: job has no identifiers")
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode identifiers: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode settings: %w", err)
	}
	now := s.now()
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
	INSERT INTO jobs (identifiers, identifier_count, status, progress, success_count, fail_count, captcha_count, message, settings, created_at, updated_at)
	VALUES (?, ?, ?, 0, 0, 0, 0, '', ?, ?, ?)
	RETURNING id`),
		string(idsJSON), len(ids), string(storage.JobPending), string(settingsJSON), now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: create job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*storage.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: job %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]*storage.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*storage.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) NextPendingJob(ctx context.Context) (*storage.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC LIMIT 1`),
		string(storage.JobPending))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: next pending job: %w", err)
	}
	return j, nil
}

func (s *Store) SetJobStatus(ctx context.Context, id int64, status storage.JobStatus) error {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), s.now(), id}
	if status == storage.JobCompleted {
		query = `UPDATE jobs SET status = ?, progress = 100, updated_at = ? WHERE id = ?`
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlstore: set job %d status: %w", id, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("sqlstore: job %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, id int64, progress, success, fail int) error {
	_, err := s.exec(ctx, `UPDATE jobs SET progress = ?, success_count = ?, fail_count = ?, updated_at = ? WHERE id = ?`,
		progress, success, fail, s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: update job %d progress: %w", id, err)
	}
	return nil
}

func (s *Store) AddJobCaptchas(ctx context.Context, id int64, n int, message string) error {
	_, err := s.exec(ctx, `UPDATE jobs SET captcha_count = captcha_count + ?, message = ?, updated_at = ? WHERE id = ?`,
		n, message, s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: add job %d captchas: %w", id, err)
	}
	return nil
}

func (s *Store) InterruptRunningJobs(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(storage.JobInterrupted), s.now(), string(storage.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: interrupt running jobs: %w", err)
	}
	return affected(res), nil
}

// StartJob moves a pending job to running. It reports false when the job
// is no longer pending, e.g. because it was cancelled after being picked.
func (s *Store) StartJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(storage.JobRunning), s.now(), id, string(storage.JobPending))
	if err != nil {
		return false, fmt.Errorf("sqlstore: start job %d: %w", id, err)
	}
	return affected(res) == 1, nil
}

// CancelJob cancels a job that has not finished. Finished jobs are left
// alone and reported as ErrNotCancellable.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
		string(storage.JobCancelled), s.now(), id,
		string(storage.JobPending), string(storage.JobRunning), string(storage.JobInterrupted))
	if err != nil {
		return fmt.Errorf("sqlstore: cancel job %d: %w", id, err)
	}
	if affected(res) == 1 {
		return nil
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("sqlstore: job %d is %s: %w", id, j.Status, storage.ErrNotCancellable)
}

// ResumeJob re-queues a job keeping its progress and stored products.
func (s *Store) ResumeJob(ctx context.Context, id int64) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == storage.JobRunning {
		return fmt.Errorf("sqlstore: job %d is running", id)
	}
	return s.SetJobStatus(ctx, id, storage.JobPending)
}

// RetryJob drops everything the job fetched and re-queues it from zero.
func (s *Store) RetryJob(ctx context.Context, id int64) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM products WHERE job_id = ?`), id); err != nil {
			return fmt.Errorf("sqlstore: clear job %d products: %w", id, err)
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, progress = 0, success_count = 0, fail_count = 0, captcha_count = 0, message = '', updated_at = ?
		WHERE id = ?`), string(storage.JobPending), s.now(), id)
		if err != nil {
			return fmt.Errorf("sqlstore: reset job %d: %w", id, err)
		}
		return nil
	})
}

// DeleteJob removes the job row; its products stay, detached.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE products SET job_id = NULL WHERE job_id = ?`), id); err != nil {
			return fmt.Errorf("sqlstore: detach job %d products: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
			return fmt.Errorf("sqlstore: delete job %d: %w", id, err)
		}
		return nil
	})
}

// ---- products ----

const productColumns = `identifier, job_id, url, title, price, shipping_fee, total_price, rating, review_count,
	images, bullets, description, attributes, delivery_info, delivery_days, fulfillment_type, stock,
	seller_name, return_policy, raw_file, status, error, updated_at`

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullJobID(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func scanProduct(row scanner) (*storage.Product, error) {
	var (
		p                             storage.Product
		jobID, deliveryDays, stock    sql.NullInt64
		images, bullets, attributes   sql.NullString
		title, price, shipping        sql.NullString
		total, rating, reviews, url   sql.NullString
		description, delivery, fulfil sql.NullString
		seller, returns, raw, errKind sql.NullString
		status                        string
	)
	if err := row.Scan(&p.Identifier, &jobID, &url, &title, &price, &shipping, &total, &rating, &reviews,
		&images, &bullets, &description, &attributes, &delivery, &deliveryDays, &fulfil, &stock,
		&seller, &returns, &raw, &status, &errKind, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if jobID.Valid {
		id := jobID.Int64
		p.JobID = &id
	}
	p.URL = url.String
	p.Title = title.String
	p.Price = price.String
	p.ShippingFee = shipping.String
	p.TotalPrice = total.String
	p.Rating = rating.String
	p.ReviewCount = reviews.String
	p.Description = description.String
	p.DeliveryInfo = delivery.String
	p.DeliveryDays = intPtr(deliveryDays)
	p.FulfillmentType = fulfil.String
	p.Stock = intPtr(stock)
	p.SellerName = seller.String
	p.ReturnPolicy = returns.String
	p.RawFile = raw.String
	p.Status = storage.ProductStatus(status)
	p.Error = storage.ErrorKind(errKind.String)
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &p.Images); err != nil {
			return nil, fmt.Errorf("sqlstore: product %s images: %w", p.Identifier, err)
		}
	}
	if bullets.Valid && bullets.String != "" {
		if err := json.Unmarshal([]byte(bullets.String), &p.Bullets); err != nil {
			return nil, fmt.Errorf("sqlstore: product %s bullets: %w", p.Identifier, err)
		}
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &p.Attributes); err != nil {
			return nil, fmt.Errorf("sqlstore: product %s attributes: %w", p.Identifier, err)
		}
	}
	return &p, nil
}

// UpsertProduct writes one record per identifier. A failed fetch only
// overwrites ownership and status so the last good fields survive.
func (s *Store) UpsertProduct(ctx context.Context, p *storage.Product) error {
	if p.Identifier == "" {
		return errors.New("sqlstore: product has no identifier")
	}
	now := s.now()
	p.UpdatedAt = now

	if p.Status == storage.ProductFailed {
		_, err := s.exec(ctx, `
		INSERT INTO products (identifier, job_id, url, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
			p.Identifier, nullJobID(p.JobID), p.URL, string(p.Status), string(p.Error), now)
		if err != nil {
			return fmt.Errorf("sqlstore: upsert failed product %s: %w", p.Identifier, err)
		}
		return nil
	}

	_, err := s.exec(ctx, `
	INSERT INTO products (identifier, job_id, url, title, price, shipping_fee, total_price, rating, review_count,
		images, bullets, description, attributes, delivery_info, delivery_days, fulfillment_type, stock,
		seller_name, return_policy, raw_file, status, error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (identifier) DO UPDATE SET
		job_id = excluded.job_id,
		url = excluded.url,
		title = excluded.title,
		price = excluded.price,
		shipping_fee = excluded.shipping_fee,
		total_price = excluded.total_price,
		rating = excluded.rating,
		review_count = excluded.review_count,
		images = excluded.images,
		bullets = excluded.bullets,
		description = excluded.description,
		attributes = excluded.attributes,
		delivery_info = excluded.delivery_info,
		delivery_days = excluded.delivery_days,
		fulfillment_type = excluded.fulfillment_type,
		stock = excluded.stock,
		seller_name = excluded.seller_name,
		return_policy = excluded.return_policy,
		raw_file = excluded.raw_file,
		status = excluded.status,
		error = excluded.error,
		updated_at = excluded.updated_at`,
		p.Identifier, nullJobID(p.JobID), p.URL, p.Title, p.Price, p.ShippingFee, p.TotalPrice, p.Rating, p.ReviewCount,
		mustJSON(p.Images), mustJSON(p.Bullets), p.Description, mustJSON(p.Attributes), p.DeliveryInfo,
		nullInt(p.DeliveryDays), p.FulfillmentType, nullInt(p.Stock), p.SellerName, p.ReturnPolicy, p.RawFile,
		string(storage.ProductSuccess), "", now)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert product %s: %w", p.Identifier, err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, identifier string) (*storage.Product, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+productColumns+` FROM products WHERE identifier = ?`), identifier)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: product %s: %w", identifier, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get product %s: %w", identifier, err)
	}
	return p, nil
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]*storage.Product, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query products: %w", err)
	}
	defer rows.Close()

	var products []*storage.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: query products: %w", err)
	}
	return products, nil
}

func (s *Store) ListProducts(ctx context.Context, filter storage.ProductFilter) ([]*storage.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
	args := []any{}
	if filter.JobID != nil {
		query += ` AND job_id = ?`
		args = append(args, *filter.JobID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY identifier ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	return s.queryProducts(ctx, query, args...)
}

func (s *Store) ProductIdentifiersForJob(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT identifier FROM products WHERE job_id = ?`), jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: job %d identifiers: %w", jobID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlstore: scan identifier: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- proxies ----

const proxyColumns = `id, url, raw_input, status, success_count, fail_count, usage_count, total_usage_count, last_used_at`

func scanProxy(row scanner) (*storage.Proxy, error) {
	var (
		p        storage.Proxy
		raw      sql.NullString
		status   string
		lastUsed sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.URL, &raw, &status, &p.SuccessCount, &p.FailCount,
		&p.UsageCount, &p.TotalUsageCount, &lastUsed); err != nil {
		return nil, err
	}
	p.RawInput = raw.String
	p.Status = storage.ProxyStatus(status)
	if lastUsed.Valid {
		t := lastUsed.Time
		p.LastUsedAt = &t
	}
	return &p, nil
}

func (s *Store) ImportProxies(ctx context.Context, raw ...string) (storage.ProxyImport, error) {
	var res storage.ProxyImport
	for _, r := range raw {
		u, err := proxy.ParseURL(r)
		if err != nil {
			res.Invalid++
			continue
		}
		out, err := s.exec(ctx, `
		INSERT INTO proxies (url, raw_input, status, success_count, fail_count, usage_count, total_usage_count)
		VALUES (?, ?, ?, 0, 0, 0, 0)
		ON CONFLICT (url) DO NOTHING`, u.String(), strings.TrimSpace(r), string(storage.ProxyPending))
		if err != nil {
			return res, fmt.Errorf("sqlstore: import proxy: %w", err)
		}
		res.Added += affected(out)
	}
	return res, nil
}

func (s *Store) listProxies(ctx context.Context, query string, args ...any) ([]*storage.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []*storage.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

func (s *Store) ListProxies(ctx context.Context) ([]*storage.Proxy, error) {
	return s.listProxies(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id ASC`)
}

func (s *Store) SelectableProxies(ctx context.Context) ([]*storage.Proxy, error) {
	return s.listProxies(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE status <> ? ORDER BY id ASC`,
		string(storage.ProxyFailed))
}

func (s *Store) SetProxyStatus(ctx context.Context, id int64, status storage.ProxyStatus) error {
	if _, err := s.exec(ctx, `UPDATE proxies SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("sqlstore: set proxy %d status: %w", id, err)
	}
	return nil
}

func (s *Store) TouchProxy(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `
	UPDATE proxies SET usage_count = usage_count + 1, total_usage_count = total_usage_count + 1, last_used_at = ?
	WHERE id = ?`, s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: touch proxy %d: %w", id, err)
	}
	return nil
}

func (s *Store) ResetProxyUsage(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE proxies SET usage_count = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlstore: reset proxy %d usage: %w", id, err)
	}
	return nil
}

func (s *Store) ResetAllProxyUsage(ctx context.Context) error {
	if _, err := s.exec(ctx, `UPDATE proxies SET usage_count = 0`); err != nil {
		return fmt.Errorf("sqlstore: reset proxy usage: %w", err)
	}
	return nil
}

func (s *Store) MarkProxySuccess(ctx context.Context, url string) error {
	if _, err := s.exec(ctx, `UPDATE proxies SET success_count = success_count + 1 WHERE url = ?`, url); err != nil {
		return fmt.Errorf("sqlstore: mark proxy success: %w", err)
	}
	return nil
}

// MarkProxyFailed increments the failure count and flips the status in the
// same statement, so no reader sees the count without the status.
func (s *Store) MarkProxyFailed(ctx context.Context, url string, maxFailures int) error {
	_, err := s.exec(ctx, `
	UPDATE proxies SET
		fail_count = fail_count + 1,
		status = CASE WHEN fail_count + 1 >= ? THEN ? ELSE status END
	WHERE url = ?`, maxFailures, string(storage.ProxyFailed), url)
	if err != nil {
		return fmt.Errorf("sqlstore: mark proxy failed: %w", err)
	}
	return nil
}

func (s *Store) DeleteFailedProxies(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM proxies WHERE status = ?`, string(storage.ProxyFailed))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete failed proxies: %w", err)
	}
	return affected(res), nil
}

// ---- blacklist ----

func (s *Store) AddBlacklist(ctx context.Context, entries ...storage.BlacklistEntry) (int, error) {
	added := 0
	for _, e := range entries {
		keyword := strings.TrimSpace(e.Keyword)
		if keyword == "" {
			continue
		}
		if !e.Category.Valid() {
			return added, fmt.Errorf("sqlstore: unknown blacklist category %q", e.Category)
		}
		res, err := s.exec(ctx, `
		INSERT INTO blacklist (category, keyword, description) VALUES (?, ?, ?)
		ON CONFLICT (category, keyword) DO NOTHING`, string(e.Category), keyword, e.Description)
		if err != nil {
			return added, fmt.Errorf("sqlstore: add blacklist entry: %w", err)
		}
		added += affected(res)
	}
	return added, nil
}

func (s *Store) ListBlacklist(ctx context.Context) ([]*storage.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, keyword, description FROM blacklist ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list blacklist: %w", err)
	}
	defer rows.Close()

	var entries []*storage.BlacklistEntry
	for rows.Next() {
		var (
			e    storage.BlacklistEntry
			cat  string
			desc sql.NullString
		)
		if err := rows.Scan(&e.ID, &cat, &e.Keyword, &desc); err != nil {
			return nil, fmt.Errorf("sqlstore: scan blacklist entry: %w", err)
		}
		e.Category = storage.Category(cat)
		e.Description = desc.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteBlacklistCategory(ctx context.Context, c storage.Category) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM blacklist WHERE category = ?`, string(c))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: clear blacklist %s: %w", c, err)
	}
	return affected(res), nil
}

// ---- scans ----

const scanJobColumns = `id, name, status, scope, progress, total_products, scanned_count, matched_count, message, created_at, completed_at`

func scanScanJob(row scanner) (*storage.ScanJob, error) {
	var (
		j         storage.ScanJob
		status    string
		message   sql.NullString
		completed sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.Name, &status, &j.Scope, &j.Progress, &j.TotalProducts,
		&j.ScannedCount, &j.MatchedCount, &message, &j.CreatedAt, &completed); err != nil {
		return nil, err
	}
	j.Status = storage.JobStatus(status)
	j.Message = message.String
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *Store) CreateScanJob(ctx context.Context, name, scope string) (*storage.ScanJob, error) {
	if scope == "" {
		scope = storage.ScopeAll
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
	INSERT INTO scan_jobs (name, status, scope, progress, total_products, scanned_count, matched_count, message, created_at)
	VALUES (?, ?, ?, 0, 0, 0, 0, '', ?)
	RETURNING id`), name, string(storage.JobPending), scope, s.now()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: create scan job: %w", err)
	}
	return s.GetScanJob(ctx, id)
}

func (s *Store) GetScanJob(ctx context.Context, id int64) (*storage.ScanJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scanJobColumns+` FROM scan_jobs WHERE id = ?`), id)
	j, err := scanScanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: scan job %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get scan job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) NextPendingScanJob(ctx context.Context) (*storage.ScanJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scanJobColumns+` FROM scan_jobs WHERE status = ? ORDER BY id ASC LIMIT 1`),
		string(storage.JobPending))
	j, err := scanScanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: next pending scan job: %w", err)
	}
	return j, nil
}

func (s *Store) StartScanJob(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE scan_jobs SET status = ? WHERE id = ?`, string(storage.JobRunning), id); err != nil {
		return fmt.Errorf("sqlstore: start scan job %d: %w", id, err)
	}
	return nil
}

func (s *Store) SetScanTotal(ctx context.Context, id int64, total int) error {
	if _, err := s.exec(ctx, `UPDATE scan_jobs SET total_products = ? WHERE id = ?`, total, id); err != nil {
		return fmt.Errorf("sqlstore: set scan job %d total: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateScanProgress(ctx context.Context, id int64, progress, scanned, matched int) error {
	_, err := s.exec(ctx, `UPDATE scan_jobs SET progress = ?, scanned_count = ?, matched_count = ? WHERE id = ?`,
		progress, scanned, matched, id)
	if err != nil {
		return fmt.Errorf("sqlstore: update scan job %d progress: %w", id, err)
	}
	return nil
}

func (s *Store) CompleteScanJob(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE scan_jobs SET status = ?, progress = 100, completed_at = ? WHERE id = ?`,
		string(storage.JobCompleted), s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: complete scan job %d: %w", id, err)
	}
	return nil
}

// FailRunningScanJobs fails every scan job left running by a previous process.
func (s *Store) FailRunningScanJobs(ctx context.Context, message string) (int, error) {
	res, err := s.exec(ctx, `UPDATE scan_jobs SET status = ?, message = ? WHERE status = ?`,
		string(storage.JobFailed), message, string(storage.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("sqlstore: fail running scan jobs: %w", err)
	}
	return affected(res), nil
}

func (s *Store) FailScanJob(ctx context.Context, id int64, message string) error {
	_, err := s.exec(ctx, `UPDATE scan_jobs SET status = ?, message = ? WHERE id = ?`,
		string(storage.JobFailed), message, id)
	if err != nil {
		return fmt.Errorf("sqlstore: fail scan job %d: %w", id, err)
	}
	return nil
}

func (s *Store) InsertScanResults(ctx context.Context, results ...*storage.ScanResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`
		INSERT INTO scan_results (scan_job_id, identifier, title, total_price, stock, delivery_days, seller_name,
			matched_brand, matched_product, matched_tro, matched_seller, has_violation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, r := range results {
			_, err := tx.ExecContext(ctx, query,
				r.ScanJobID, r.Identifier, r.Title, r.TotalPrice, nullInt(r.Stock), nullInt(r.DeliveryDays), r.SellerName,
				mustJSON(nonNil(r.Matched[storage.CategoryBrand])),
				mustJSON(nonNil(r.Matched[storage.CategoryProduct])),
				mustJSON(nonNil(r.Matched[storage.CategoryTRO])),
				mustJSON(nonNil(r.Matched[storage.CategorySeller])),
				r.HasViolation)
			if err != nil {
				return fmt.Errorf("sqlstore: insert scan result %s: %w", r.Identifier, err)
			}
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Store) ListScanResults(ctx context.Context, scanID int64, violationsOnly bool) ([]*storage.ScanResult, error) {
	query := `
	SELECT id, scan_job_id, identifier, title, total_price, stock, delivery_days, seller_name,
		matched_brand, matched_product, matched_tro, matched_seller, has_violation
	FROM scan_results WHERE scan_job_id = ?`
	args := []any{scanID}
	if violationsOnly {
		query += ` AND has_violation = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list scan results: %w", err)
	}
	defer rows.Close()

	var results []*storage.ScanResult
	for rows.Next() {
		var (
			r                              storage.ScanResult
			title, total, seller           sql.NullString
			stock, days                    sql.NullInt64
			brand, product, tro, sellerHit string
		)
		if err := rows.Scan(&r.ID, &r.ScanJobID, &r.Identifier, &title, &total, &stock, &days, &seller,
			&brand, &product, &tro, &sellerHit, &r.HasViolation); err != nil {
			return nil, fmt.Errorf("sqlstore: scan scan result: %w", err)
		}
		r.Title = title.String
		r.TotalPrice = total.String
		r.SellerName = seller.String
		r.Stock = intPtr(stock)
		r.DeliveryDays = intPtr(days)
		r.Matched = make(map[storage.Category][]string, len(storage.Categories))
		for cat, raw := range map[storage.Category]string{
			storage.CategoryBrand:   brand,
			storage.CategoryProduct: product,
			storage.CategoryTRO:     tro,
			storage.CategorySeller:  sellerHit,
		} {
			var hits []string
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &hits); err != nil {
					return nil, fmt.Errorf("sqlstore: scan result %d %s hits: %w", r.ID, cat, err)
				}
			}
			r.Matched[cat] = hits
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// ScannableProducts returns successful products in scope: every one for
// ScopeAll, otherwise those owned by the job whose id is the scope.
func (s *Store) ScannableProducts(ctx context.Context, scope string) ([]*storage.Product, error) {
	if scope == "" || scope == storage.ScopeAll {
		return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE status = ? ORDER BY identifier ASC`,
			string(storage.ProductSuccess))
	}
	jobID, err := strconv.ParseInt(scope, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: invalid scan scope %q", scope)
	}
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE job_id = ? AND status = ? ORDER BY identifier ASC`,
		jobID, string(storage.ProductSuccess))
}
