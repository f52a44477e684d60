package run

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/logger"
)

const (
	// Version 2 added the interrupted column.
	SchemaVersion = 2

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       run_id      INTEGER PRIMARY KEY,
	       started_at  INTEGER NOT NULL,
	       ended_at    INTEGER,
	       samples     INTEGER NOT NULL DEFAULT 0,
	       interrupted INTEGER NOT NULL DEFAULT 0 CHECK (interrupted IN (0, 1))
	   );`

	insertRunSQL = `
	INSERT INTO runs (run_id, started_at) VALUES (?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
	    started_at = excluded.started_at,
	    ended_at = NULL,
	    samples = 0,
	    interrupted = 0`

	// A run whose start was never stored is recorded as starting at its end.
	endRunSQL = `
	INSERT INTO runs (run_id, started_at, ended_at, samples) VALUES (?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
	    ended_at = excluded.ended_at,
	    samples = excluded.samples`

	closeDanglingSQL = `UPDATE runs SET ended_at = ?, interrupted = 1 WHERE ended_at IS NULL`

	selectLastRunSQL = `SELECT MAX(run_id) FROM runs`

	selectRunsSQL = `
	SELECT run_id, started_at, ended_at, samples, interrupted
	FROM runs
	ORDER BY run_id`
)

// InitSchema creates a new database schema with the current version
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Run ledger schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for a new database
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
