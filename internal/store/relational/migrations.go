package relational

import (
	"database/sql"
	"fmt"

	"opendut/internal/model"
	"opendut/internal/telemetry"
)

// migration is one versioned schema step. Migrations run exactly once, in
// version order, inside their own transaction; a failure is fatal to the
// process (the caller exits rather than serving against an unknown schema).
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "peer_descriptor",
		sql: `
CREATE TABLE peer_descriptor (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL,
    location    TEXT,
    bridge_name TEXT
);

CREATE TABLE network_interface_descriptor (
    id      UUID PRIMARY KEY,
    peer_id UUID NOT NULL REFERENCES peer_descriptor(id) ON DELETE CASCADE,
    name    TEXT NOT NULL,
    kind    TEXT NOT NULL,
    position INTEGER NOT NULL
);

CREATE TABLE network_interface_kind_can (
    interface_id      UUID PRIMARY KEY REFERENCES network_interface_descriptor(id) ON DELETE CASCADE,
    bitrate           BIGINT NOT NULL,
    sample_point      DOUBLE PRECISION NOT NULL,
    fd                BOOLEAN NOT NULL,
    data_bitrate      BIGINT NOT NULL,
    data_sample_point DOUBLE PRECISION NOT NULL
);

CREATE TABLE device_descriptor (
    id           UUID PRIMARY KEY,
    peer_id      UUID NOT NULL REFERENCES peer_descriptor(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    description  TEXT,
    interface_id UUID NOT NULL,
    position     INTEGER NOT NULL
);

CREATE TABLE device_tag (
    device_id UUID NOT NULL REFERENCES device_descriptor(id) ON DELETE CASCADE,
    tag       TEXT NOT NULL,
    position  INTEGER NOT NULL,
    PRIMARY KEY (device_id, tag)
);

CREATE TABLE executor_descriptor (
    id          UUID PRIMARY KEY,
    peer_id     UUID NOT NULL REFERENCES peer_descriptor(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    engine      TEXT,
    name        TEXT,
    image       TEXT,
    volumes     TEXT[],
    devices     TEXT[],
    ports       TEXT[],
    command     TEXT,
    args        TEXT[],
    results_url TEXT
);

CREATE TABLE executor_env (
    executor_id UUID NOT NULL REFERENCES executor_descriptor(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    value       TEXT NOT NULL,
    position    INTEGER NOT NULL,
    PRIMARY KEY (executor_id, name)
);
`,
	},
	{
		version: 2,
		name:    "cluster_configuration",
		sql: `
CREATE TABLE cluster_configuration (
    id        UUID PRIMARY KEY,
    name      TEXT NOT NULL,
    leader_id UUID NOT NULL
);

CREATE TABLE cluster_device (
    cluster_id UUID NOT NULL REFERENCES cluster_configuration(id) ON DELETE CASCADE,
    device_id  UUID NOT NULL,
    PRIMARY KEY (cluster_id, device_id)
);

CREATE TABLE cluster_deployment (
    cluster_id UUID PRIMARY KEY
);
`,
	},
	{
		version: 3,
		name:    "peer_connection_state",
		sql: `
CREATE TABLE peer_connection_state (
    peer_id     UUID PRIMARY KEY,
    online      BOOLEAN NOT NULL,
    remote_host TEXT
);
`,
	},
}

// Migrate applies every pending migration in version order. Each step runs
// in its own transaction so a failure leaves the schema at a well-defined
// version.
func Migrate(db *sql.DB, logger telemetry.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", model.ErrFatal, err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("%w: read schema version: %v", model.ErrFatal, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", model.ErrFatal, m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: apply migration %d (%s): %v", model.ErrFatal, m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: record migration %d: %v", model.ErrFatal, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", model.ErrFatal, m.version, err)
		}
		if logger != nil {
			logger.WithFields(telemetry.Fields{"version": m.version, "name": m.name}).Info("Applied schema migration")
		}
	}
	return nil
}
