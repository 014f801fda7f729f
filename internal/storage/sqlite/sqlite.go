package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/internal/storage/sqlstore"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifiers TEXT NOT NULL,
	identifier_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	fail_count INTEGER NOT NULL DEFAULT 0,
	captcha_count INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	settings TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS products (
	identifier TEXT PRIMARY KEY,
	job_id INTEGER,
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
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS products_job_idx ON products (job_id);

CREATE TABLE IF NOT EXISTS proxies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	raw_input TEXT,
	status TEXT NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	fail_count INTEGER NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	total_usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME
);

CREATE TABLE IF NOT EXISTS blacklist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	keyword TEXT NOT NULL,
	description TEXT,
	UNIQUE (category, keyword)
);

CREATE TABLE IF NOT EXISTS scan_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	scope TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	total_products INTEGER NOT NULL DEFAULT 0,
	scanned_count INTEGER NOT NULL DEFAULT 0,
	matched_count INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS scan_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_job_id INTEGER NOT NULL,
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

// New creates a new SQLite-backed storage.Backend. The database runs in WAL
// mode behind a single connection so writers never contend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	return sqlstore.New(db, sqlstore.Question), nil
}
