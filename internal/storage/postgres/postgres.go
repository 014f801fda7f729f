package postgres

import (
	"context"
	"fmt"

	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/internal/storage/sqlstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	identifiers TEXT NOT NULL,
	identifier_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	fail_count INTEGER NOT NULL DEFAULT 0,
	captcha_count INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	settings TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS products (
	identifier TEXT PRIMARY KEY,
	job_id BIGINT,
	url TEXT,
	title TEXT,
	price TEXT,
	shipping_fee TEXT,
	total_price TEXT,
	rating TEXT,
	review_count TEXT,
	images TEXT,
	bullets TEXT,
	description TEXT,
	attributes TEXT,
	delivery_info TEXT,
	delivery_days INTEGER,
	fulfillment_type TEXT,
	stock INTEGER,
	seller_name TEXT,
	return_policy TEXT,
	raw_file TEXT,
	status TEXT NOT NULL,
	error TEXT,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS products_job_idx ON products (job_id);

CREATE TABLE IF NOT EXISTS proxies (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	raw_input TEXT,
	status TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	fail_count INTEGER NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	total_usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS blacklist (
	id BIGSERIAL PRIMARY KEY,
	category TEXT NOT NULL,
	keyword TEXT NOT NULL,
	description TEXT,
	UNIQUE (category, keyword)
);

CREATE TABLE IF NOT EXISTS scan_jobs (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	scope TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	total_products INTEGER NOT NULL DEFAULT 0,
	scanned_count INTEGER NOT NULL DEFAULT 0,
	matched_count INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scan_results (
	id BIGSERIAL PRIMARY KEY,
	scan_job_id BIGINT NOT NULL,
	identifier TEXT NOT NULL,
	title TEXT,
	total_price TEXT,
	stock INTEGER,
	delivery_days INTEGER,
	seller_name TEXT,
	matched_brand TEXT NOT NULL,
	matched_product TEXT NOT NULL,
	matched_tro TEXT NOT NULL,
	matched_seller TEXT NOT NULL,
	has_violation BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_results_job_idx ON scan_results (scan_job_id);
`

// New creates a new Postgres-backed storage.Backend. The pgx pool is exposed
// to the shared SQL store through pgx's database/sql adapter.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return sqlstore.New(db, sqlstore.Dollar, func() error {
		pool.Close()
		return nil
	}), nil
}
