// internal/infra/postgres/schema.go
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates every BatchOps table if it does not already exist.
// Called once at daemon startup; safe to run against an already-migrated
// database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS uploads (
	id                  TEXT PRIMARY KEY,
	filename            TEXT NOT NULL,
	department          TEXT NOT NULL,
	received_at         TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL,
	process_mode        TEXT NOT NULL,
	process_config      JSONB NOT NULL DEFAULT '{}',
	report_csv          TEXT,
	report_pdf          BYTEA,
	report_generated_at TIMESTAMPTZ,
	file_path           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	job_type      TEXT NOT NULL,
	config        JSONB NOT NULL,
	schedule_cron TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_runs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	upload_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	exit_code   INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	logs        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS job_run_steps (
	job_run_id  TEXT NOT NULL REFERENCES job_runs(id),
	seq         SERIAL,
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	logs        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_run_id, seq)
);

CREATE TABLE IF NOT EXISTS known_errors (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	pattern          TEXT NOT NULL,
	description      TEXT NOT NULL,
	severity         TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	root_cause       TEXT NOT NULL DEFAULT '',
	corrective_action TEXT NOT NULL DEFAULT '',
	auto_retry       BOOLEAN NOT NULL DEFAULT FALSE,
	max_auto_retries INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	id                 TEXT PRIMARY KEY,
	upload_id          TEXT NOT NULL,
	job_run_id         TEXT,
	stage              TEXT NOT NULL,
	state              TEXT NOT NULL,
	error_message      TEXT NOT NULL,
	is_known           BOOLEAN NOT NULL DEFAULT FALSE,
	known_error_id     TEXT,
	auto_retry_count   INT NOT NULL DEFAULT 0,
	max_auto_retries   INT NOT NULL DEFAULT 0,
	severity           TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	root_cause         TEXT NOT NULL DEFAULT '',
	corrective_action  TEXT NOT NULL DEFAULT '',
	impact_summary     TEXT NOT NULL DEFAULT '',
	analysis_notes     TEXT NOT NULL DEFAULT '',
	resolution_report  TEXT NOT NULL DEFAULT '',
	detection_source   TEXT NOT NULL DEFAULT '',
	assigned_to        TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	resolved_at        TIMESTAMPTZ,
	archived_at        TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_per_stage
	ON incidents (upload_id, stage)
	WHERE state NOT IN ('resolved', 'archived');

CREATE TABLE IF NOT EXISTS incident_timeline (
	incident_id TEXT NOT NULL REFERENCES incidents(id),
	seq         SERIAL,
	at          TIMESTAMPTZ NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (incident_id, seq)
);

CREATE TABLE IF NOT EXISTS tickets (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL UNIQUE,
	state       TEXT NOT NULL,
	summary     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	closed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS department_records (
	id         TEXT PRIMARY KEY,
	department TEXT NOT NULL,
	payload    JSONB NOT NULL
);
`)
	return err
}
