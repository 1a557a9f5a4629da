package repository

import (
	"context"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
)

// Table names shared by the repositories.
const (
	tableForms          = "forms"
	tableSubmissions    = "submissions"
	tableSubmissionMeta = "submission_meta"
	tableQueueJobs      = "queue_jobs"
	tableCacheEntries   = "cache_entries"
	tableWebhookLogs    = "webhook_logs"
	tableActivityLogs   = "activity_logs"
)

// schemaStatements is the bootstrap DDL. Placeholders are resolved per dialect by columnTypes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS forms (
		id {{serial}},
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		signature_enabled {{bool}} NOT NULL DEFAULT FALSE,
		settings TEXT NOT NULL DEFAULT '{}',
		pdf_template_id TEXT NULL,
		email_template_id TEXT NULL,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		form_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		payload {{bytes}} NOT NULL,
		is_compressed {{bool}} NOT NULL DEFAULT FALSE,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		referrer TEXT NULL,
		processing_time_ms {{float}} NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS submissions_form_created_idx ON submissions (form_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS submissions_status_idx ON submissions (status)`,
	`CREATE TABLE IF NOT EXISTS submission_meta (
		submission_id TEXT NOT NULL,
		meta_key TEXT NOT NULL,
		meta_value TEXT NOT NULL,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL,
		PRIMARY KEY (submission_id, meta_key)
	)`,
	`CREATE INDEX IF NOT EXISTS submission_meta_lookup_idx ON submission_meta (meta_key, meta_value)`,
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id TEXT PRIMARY KEY,
		submission_id TEXT NULL,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT NULL,
		lease_expires_at {{time}} NULL,
		last_error TEXT NULL,
		scheduled_at {{time}} NOT NULL,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_claim_idx ON queue_jobs (status, scheduled_at, priority)`,
	`CREATE INDEX IF NOT EXISTS queue_jobs_submission_idx ON queue_jobs (submission_id)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		cache_value {{bytes}} NOT NULL,
		expires_at {{time}} NOT NULL,
		created_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_entries_expires_idx ON cache_entries (expires_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_type TEXT NOT NULL,
		document_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload {{bytes}} NOT NULL,
		error_message TEXT NULL,
		processing_time_ms {{float}} NOT NULL DEFAULT 0,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_logs_created_idx ON webhook_logs (created_at)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		created_at {{time}} NOT NULL
	)`,
}

func columnTypes(d string) *strings.Replacer {
	if d == dialect.Postgres {
		return strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{bool}}", "BOOLEAN",
			"{{bytes}}", "BYTEA",
			"{{float}}", "DOUBLE PRECISION",
			"{{time}}", "TIMESTAMPTZ",
		)
	}
	return strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bool}}", "BOOLEAN",
		"{{bytes}}", "BLOB",
		"{{float}}", "REAL",
		"{{time}}", "TIMESTAMP",
	)
}

// EnsureSchema creates the tables when they are missing. Production databases are migrated
// out of band; this covers the embedded driver and tests.
func EnsureSchema(ctx context.Context, d *DB, logger *slog.Logger) error {
	r := columnTypes(d.dialect)
	for _, stmt := range schemaStatements {
		if _, err := d.exec(ctx, r.Replace(stmt), nil); err != nil {
			logger.Error("schema bootstrap failed", "error", err)
			return err
		}
	}
	logger.Debug("schema ready", "tables", 7)
	return nil
}
