package run

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/pcslog/internal/errors"
	"codeberg.org/mutker/pcslog/internal/logger"
)

func backupDatabase(ctx context.Context, db *sql.DB, dbPath string, version int, log logger.Logger) (string, error) {
	errFactory := errors.New()

	backupDir := filepath.Join(filepath.Dir(dbPath), "backups")
	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup_dir",
			Path:  backupDir,
			Error: err.Error(),
		})
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	base := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_v%d_%s.db", base, version, timestamp))

	// VACUUM INTO requires no active transaction
	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup",
			Path:  backupPath,
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", backupPath).
		Int("version", version).
		Msg("Run ledger backup created")

	return backupPath, nil
}

// ValidateAndUpdateSchema checks the schema version and recreates it if
// it is older than SchemaVersion. An older ledger is backed up first and
// its highest run id is carried over, so numbering never goes backwards.
func ValidateAndUpdateSchema(ctx context.Context, db *sql.DB, dbPath string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	log.Debug().
		Int("version", version).
		Bool("init_db", version == 0).
		Msg("Current run ledger schema version")

	switch {
	case version == SchemaVersion:
		return nil
	case version > SchemaVersion:
		return errFactory.WithData(ErrSchemaTooNew, version)
	case version == 0:
		return InitSchema(ctx, db, log)
	}

	lastRunID, err := lastRunIDLegacy(ctx, db)
	if err != nil {
		return err
	}

	if _, err := backupDatabase(ctx, db, dbPath, version, log); err != nil {
		return err
	}

	if err := dropTables(ctx, db, log); err != nil {
		return err
	}
	if err := InitSchema(ctx, db, log); err != nil {
		return err
	}

	if lastRunID > 0 {
		now := time.Now().UnixMilli()
		if _, err := db.ExecContext(ctx,
			`INSERT INTO runs (run_id, started_at, ended_at, interrupted) VALUES (?, ?, ?, 1)`,
			lastRunID, now, now); err != nil {
			return errFactory.Wrap(ErrSchemaMigrationFailed, err)
		}
	}

	return nil
}

func lastRunIDLegacy(ctx context.Context, db *sql.DB) (int64, error) {
	exists, err := TableExists(ctx, db, "runs")
	if err != nil || !exists {
		return 0, err
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, selectLastRunSQL).Scan(&last); err != nil {
		return 0, errors.New().Wrap(ErrSchemaMigrationFailed, err)
	}
	return last.Int64, nil
}

func dropTables(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback drop tables")
			}
		}
	}()

	for _, table := range []string{"runs", "schema_versions"} {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, struct {
				Phase string
				Table string
				Error string
			}{
				Phase: "drop_table",
				Table: table,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	return nil
}
